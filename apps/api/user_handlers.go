package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid email or password"}

var comparePasswordHash = bcrypt.CompareHashAndPassword

// missingUserPasswordHash is compared against when the email is unknown so
// both login failures cost one bcrypt comparison at the configured cost.
func (a *App) missingUserPasswordHash() []byte {
	a.missingUserHashOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("civicreport-missing-user"), a.bcryptCost)
		if err != nil {
			a.log.Error("failed to build placeholder password hash", "err", err)
			return
		}
		a.missingUserHash = hash
	})
	return a.missingUserHash
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func optionalString(raw string) *string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (a *App) startSession(c *gin.Context, user User) error {
	token, err := a.createSessionToken(user, time.Now().UTC())
	if err != nil {
		return err
	}
	a.setSessionCookie(c, token)
	return nil
}

func (a *App) signupHandler(c *gin.Context) {
	var payload struct {
		Name        string `json:"name"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		Role        string `json:"role"`
		Department  string `json:"department"`
		Designation string `json:"designation"`
		Location    string `json:"location"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid request payload"})
		return
	}

	name := strings.TrimSpace(payload.Name)
	email := normalizeEmail(payload.Email)
	role := strings.ToLower(strings.TrimSpace(payload.Role))
	if role == "" {
		role = roleCitizen
	}

	missing := make([]string, 0)
	if name == "" {
		missing = append(missing, "name")
	}
	if email == "" {
		missing = append(missing, "email")
	}
	if payload.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: "Missing required fields", Details: gin.H{"missing": missing}})
		return
	}
	if !strings.Contains(email, "@") {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_email", Message: "Valid email required"})
		return
	}
	if !containsString(userRoles, role) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_role", Message: "Role must be citizen, official or admin"})
		return
	}
	if len(payload.Password) < minPasswordLength {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "weak_password", Message: "Password must be at least 6 characters"})
		return
	}

	ctx := c.Request.Context()
	existing, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if existing != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "email_already_registered", Message: "Email already registered"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), a.bcryptCost)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	user, err := a.store.CreateUser(ctx, NewUser{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Department:   optionalString(payload.Department),
		Designation:  optionalString(payload.Designation),
		Location:     optionalString(payload.Location),
	})
	if err != nil {
		if errors.Is(err, errEmailTaken) {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "email_already_registered", Message: "Email already registered"})
			return
		}
		a.log.Error("failed to create user", "email", email, "err", err)
		writeAPIError(c, err)
		return
	}

	if err := a.startSession(c, user); err != nil {
		a.log.Error("failed to create session token", "user_id", user.ID, "err", err)
		writeAPIError(c, err)
		return
	}

	a.log.Info("user registered", "user_id", user.ID, "role", user.Role)
	c.JSON(http.StatusCreated, gin.H{"success": true, "user": user})
}

func (a *App) loginHandler(c *gin.Context) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid request payload"})
		return
	}
	email := normalizeEmail(payload.Email)
	if email == "" || payload.Password == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: "Email and password are required"})
		return
	}

	if !a.checkRateLimit("login:"+c.ClientIP(), loginRateLimitRequests, loginRateLimitWindow, time.Now().UTC()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many login attempts. Please retry later."})
		return
	}

	user, err := a.store.GetUserByEmail(c.Request.Context(), email)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if user == nil {
		_ = comparePasswordHash(a.missingUserPasswordHash(), []byte(payload.Password))
		writeAPIError(c, errInvalidCredentials)
		return
	}
	if err := comparePasswordHash([]byte(user.PasswordHash), []byte(payload.Password)); err != nil {
		writeAPIError(c, errInvalidCredentials)
		return
	}

	if err := a.startSession(c, *user); err != nil {
		a.log.Error("failed to create session token", "user_id", user.ID, "err", err)
		writeAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (a *App) logoutHandler(c *gin.Context) {
	a.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *App) meHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}

	user, err := a.store.GetUserByID(c.Request.Context(), session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if user == nil {
		a.clearSessionCookie(c)
		writeAPIError(c, errUnauthenticated)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (a *App) changePasswordHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}

	var payload struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CurrentPassword == "" || payload.NewPassword == "" {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: "Current and new password are required"})
		return
	}
	if len(payload.NewPassword) < minPasswordLength {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "weak_password", Message: "Password must be at least 6 characters"})
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.GetUserByID(ctx, session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if user == nil {
		a.clearSessionCookie(c)
		writeAPIError(c, errUnauthenticated)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.CurrentPassword)); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_current_password", Message: "Current password is incorrect"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.NewPassword), a.bcryptCost)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if err := a.store.UpdatePasswordHash(ctx, user.ID, string(hash)); err != nil {
		writeAPIError(c, err)
		return
	}

	// older tokens carry the previous password version and stop resolving
	user, err = a.store.GetUserByID(ctx, session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if user == nil {
		a.clearSessionCookie(c)
		writeAPIError(c, errUnauthenticated)
		return
	}
	if err := a.startSession(c, *user); err != nil {
		writeAPIError(c, err)
		return
	}

	a.log.Info("password changed", "user_id", user.ID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
