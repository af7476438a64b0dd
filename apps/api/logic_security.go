package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	roleCitizen  = "citizen"
	roleOfficial = "official"
	roleAdmin    = "admin"

	sessionContextKey = "sessionUser"
)

var (
	userRoles  = []string{roleCitizen, roleOfficial, roleAdmin}
	staffRoles = []string{roleOfficial, roleAdmin}

	// routeRoles is the single source of role requirements, keyed by
	// method and route pattern. Field-level rules live in the handlers.
	routeRoles = map[string][]string{
		"GET /api/auth/me":                  userRoles,
		"PUT /api/auth/password":            userRoles,
		"GET /api/reports":                  userRoles,
		"POST /api/reports":                 {roleCitizen},
		"GET /api/reports/my-reports":       userRoles,
		"GET /api/reports/my-stats":         userRoles,
		"GET /api/reports/validate/pending": userRoles,
		"POST /api/reports/classify":        userRoles,
		"GET /api/reports/:id":              userRoles,
		"GET /api/reports/:id/history":      userRoles,
		"PATCH /api/reports/:id":            userRoles,
		"PUT /api/reports/:id":              userRoles,
		"GET /api/notifications/me":         userRoles,
		"PUT /api/notifications/:id/read":   userRoles,
		"GET /api/admin/dashboard":          staffRoles,
		"GET /api/admin/reports/export":     staffRoles,
		"GET /api/admin/officials":          staffRoles,
	}
)

type SessionUser struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s SessionUser) isStaff() bool {
	return containsString(staffRoles, s.Role)
}

type sessionClaims struct {
	UserID          int
	Role            string
	Email           string
	PasswordVersion int
}

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func (a *App) createSessionToken(user User, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"userId": user.ID,
		"role":   user.Role,
		"email":  user.Email,
		"pwv":    user.PasswordVersion,
		"iat":    now.Unix(),
		"exp":    now.Add(sessionDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

func (a *App) verifySessionToken(tokenString string) (*sessionClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	rawID, ok := claims["userId"].(float64)
	if !ok || rawID <= 0 || rawID != math.Trunc(rawID) {
		return nil, fmt.Errorf("invalid userId claim")
	}
	role, _ := claims["role"].(string)
	email, _ := claims["email"].(string)
	if !containsString(userRoles, role) || email == "" {
		return nil, fmt.Errorf("invalid session payload")
	}
	// tokens minted before the claim existed carry version 0
	version, _ := claims["pwv"].(float64)
	return &sessionClaims{UserID: int(rawID), Role: role, Email: email, PasswordVersion: int(version)}, nil
}

func (a *App) cookieSameSite() http.SameSite {
	if a.cfg.isProduction() {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (a *App) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(a.cookieSameSite())
	c.SetCookie(sessionCookieName, token, int(sessionDuration.Seconds()), "/", "", a.cfg.isProduction(), true)
}

func (a *App) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(a.cookieSameSite())
	c.SetCookie(sessionCookieName, "", -1, "/", "", a.cfg.isProduction(), true)
}

func sessionTokenFromRequest(c *gin.Context) string {
	if token, err := c.Cookie(sessionCookieName); err == nil && strings.TrimSpace(token) != "" {
		return token
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	return ""
}

var errUnauthenticated = &apiError{Status: http.StatusUnauthorized, Code: "unauthenticated", Message: "Authentication required"}

// resolveSession is the "authenticated?" half of the gate: a valid token
// whose user still exists and has not changed password since it was issued.
func (a *App) resolveSession(ctx context.Context, token string) (*SessionUser, error) {
	if token == "" {
		return nil, errUnauthenticated
	}
	claims, err := a.verifySessionToken(token)
	if err != nil {
		return nil, errUnauthenticated
	}
	user, err := a.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordVersion != claims.PasswordVersion {
		return nil, errUnauthenticated
	}
	return &SessionUser{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}, nil
}

func (a *App) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := a.resolveSession(c.Request.Context(), sessionTokenFromRequest(c))
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				a.clearSessionCookie(c)
			} else {
				a.log.Error("session lookup failed", "err", err)
			}
			writeAPIError(c, err)
			c.Abort()
			return
		}
		c.Set(sessionContextKey, *session)
		c.Next()
	}
}

// requireRoles is the "authorized?" half of the gate. It never touches the
// cookie: the session is valid, just not sufficient.
func (a *App) requireRoles() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := getSessionUser(c)
		if err != nil {
			a.clearSessionCookie(c)
			writeAPIError(c, errUnauthenticated)
			c.Abort()
			return
		}
		allowed, ok := routeRoles[c.Request.Method+" "+c.FullPath()]
		if ok && !containsString(allowed, session.Role) {
			writeAPIError(c, &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "Insufficient role"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func getSessionUser(c *gin.Context) (SessionUser, error) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return SessionUser{}, fmt.Errorf("missing session")
	}
	session, ok := value.(SessionUser)
	if !ok {
		return SessionUser{}, fmt.Errorf("invalid session")
	}
	return session, nil
}

func (a *App) checkRateLimit(key string, maxRequests int, window time.Duration, now time.Time) bool {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()

	if a.rateBuckets == nil {
		a.rateBuckets = make(map[string]rateBucket)
	}
	bucket, ok := a.rateBuckets[key]
	if !ok || now.Sub(bucket.start) >= window {
		a.rateBuckets[key] = rateBucket{start: now, window: window, count: 1}
		return true
	}
	bucket.count++
	a.rateBuckets[key] = bucket
	return bucket.count <= maxRequests
}

func (a *App) startRateLimiterCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.pruneRateLimiterState(now)
			}
		}
	}()
}

func (a *App) pruneRateLimiterState(now time.Time) {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()
	for key, bucket := range a.rateBuckets {
		if now.Sub(bucket.start) >= bucket.window {
			delete(a.rateBuckets, key)
		}
	}
}
