package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (a *App) myNotificationsHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	ctx := c.Request.Context()
	notifications, err := a.store.ListNotifications(ctx, session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	unread, err := a.store.CountUnreadNotifications(ctx, session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notifications": notifications, "unread": unread})
}

func (a *App) markNotificationReadHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_notification_id", Message: "Notification id must be a positive integer"})
		return
	}

	updated, err := a.store.MarkNotificationRead(c.Request.Context(), session.ID, id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if !updated {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "notification_not_found", Message: "Notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
