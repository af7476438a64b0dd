package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *App) dashboardHandler(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := a.store.CountReportsByStatus(ctx, nil)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	byDepartment, err := a.store.CountReportsByDepartment(ctx)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	recent, err := a.store.ListReports(ctx, ReportFilter{Limit: dashboardRecentLimit})
	if err != nil {
		writeAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"stats":          counts,
		"by_department":  byDepartment,
		"recent_reports": recent,
	})
}

func (a *App) exportReportsHandler(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", exportFormatCSV)))
	if !containsString(exportFormats, format) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_format", Message: "format must be csv, pdf or geojson"})
		return
	}
	status, err := parseStatusQuery(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	filter := ReportFilter{Status: status, Category: strings.ToLower(strings.TrimSpace(c.Query("category")))}
	if raw := strings.TrimSpace(c.Query("department_id")); raw != "" {
		deptID, err := strconv.Atoi(raw)
		if err != nil || deptID <= 0 {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_department", Message: "department_id must be a positive integer"})
			return
		}
		filter.DepartmentID = &deptID
	}

	reports, err := a.store.ListReports(c.Request.Context(), filter)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	now := time.Now().UTC()
	baseName := fmt.Sprintf("reports-%s", now.Format("20060102-150405"))

	var body []byte
	var contentType string
	switch format {
	case exportFormatPDF:
		title := "Civic issue reports"
		if status != "" {
			title += " - " + statusLabel(ReportStatus(status))
		}
		body, err = buildPDF(reports, title, now)
		contentType = "application/pdf"
	case exportFormatGeoJSON:
		body, err = buildGeoJSON(reports)
		contentType = "application/geo+json"
	default:
		body, err = buildCSV(reports)
		contentType = "text/csv; charset=utf-8"
	}
	if err != nil {
		a.log.Error("failed to build export", "format", format, "err", err)
		writeAPIError(c, err)
		return
	}

	session, _ := getSessionUser(c)
	a.log.Info("reports exported", "format", format, "count", len(reports), "user_id", session.ID)

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, baseName, format))
	c.Data(http.StatusOK, contentType, body)
}

func (a *App) officialsHandler(c *gin.Context) {
	staff, err := a.store.ListStaff(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "officials": staff})
}
