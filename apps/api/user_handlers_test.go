package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSignupCreatesUserAndSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, nil, http.MethodPost, "/api/auth/signup", map[string]any{
		"name":        "Asha",
		"email":       "  Asha@Example.com ",
		"password":    "secret12",
		"role":        "official",
		"department":  "Sanitation",
		"designation": "Inspector",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "password")

	var user User
	decodeInto(t, rec, "user", &user)
	assert.Equal(t, "asha@example.com", user.Email)
	assert.Equal(t, roleOfficial, user.Role)
	require.NotNil(t, user.Designation)
	assert.Equal(t, "Inspector", *user.Designation)

	cookie := findCookie(rec, sessionCookieName)
	require.NotNil(t, cookie)
	claims, err := env.app.verifySessionToken(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	stored, _ := env.store.GetUserByEmail(context.Background(), "asha@example.com")
	require.NotNil(t, stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret12")))
}

func TestSignupRegisterAliasDefaultsToCitizen(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, nil, http.MethodPost, "/api/auth/register", map[string]any{"name": "Ben", "email": "ben@example.com", "password": "secret12"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var user User
	decodeInto(t, rec, "user", &user)
	assert.Equal(t, roleCitizen, user.Role)
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Taken", "taken@example.com", roleCitizen)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode string
	}{
		{name: "missing fields", body: map[string]any{"email": "x@example.com"}, wantCode: "validation_error"},
		{name: "bad email", body: map[string]any{"name": "X", "email": "nope", "password": "secret12"}, wantCode: "invalid_email"},
		{name: "unknown role", body: map[string]any{"name": "X", "email": "x@example.com", "password": "secret12", "role": "mayor"}, wantCode: "invalid_role"},
		{name: "short password", body: map[string]any{"name": "X", "email": "x@example.com", "password": "12345"}, wantCode: "weak_password"},
		{name: "duplicate email", body: map[string]any{"name": "X", "email": "TAKEN@example.com", "password": "secret12"}, wantCode: "email_already_registered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, nil, http.MethodPost, "/api/auth/signup", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestSignupMissingFieldsListsThem(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, nil, http.MethodPost, "/api/auth/signup", map[string]any{"email": "x@example.com"})
	body := decodeBody(t, rec)
	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"name", "password"}, details["missing"])
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Cit", "cit@example.com", roleCitizen)

	rec := env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "CIT@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, findCookie(rec, sessionCookieName))

	wrong := env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "cit@example.com", "password": "nope-nope"})
	unknown := env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "who@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, decodeBody(t, wrong), decodeBody(t, unknown), "unknown email and wrong password look the same")
}

func TestLoginUnknownEmailComparesHash(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Cit", "cit@example.com", roleCitizen)

	var hashes [][]byte
	original := comparePasswordHash
	comparePasswordHash = func(hash, password []byte) error {
		hashes = append(hashes, hash)
		return original(hash, password)
	}
	t.Cleanup(func() { comparePasswordHash = original })

	rec := env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "who@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "cit@example.com", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Len(t, hashes, 2, "both failures run one comparison")
	unknownCost, err := bcrypt.Cost(hashes[0])
	require.NoError(t, err)
	knownCost, err := bcrypt.Cost(hashes[1])
	require.NoError(t, err)
	assert.Equal(t, knownCost, unknownCost)
	assert.Equal(t, env.app.bcryptCost, unknownCost)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"email": "who@example.com", "password": "password123"}

	for i := 0; i < loginRateLimitRequests; i++ {
		rec := env.do(t, nil, http.MethodPost, "/api/auth/login", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, nil, http.MethodPost, "/api/auth/login", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, nil, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	cookie := findCookie(rec, sessionCookieName)
	require.NotNil(t, cookie)
	assert.True(t, cookie.MaxAge < 0)
}

func TestMeReturnsProfile(t *testing.T) {
	env := newTestEnv(t)
	citizen := env.createUser(t, "Cit", "cit@example.com", roleCitizen)

	rec := env.do(t, &citizen, http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var user User
	decodeInto(t, rec, "user", &user)
	assert.Equal(t, citizen.ID, user.ID)
	assert.Equal(t, "cit@example.com", user.Email)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	citizen := env.createUser(t, "Cit", "cit@example.com", roleCitizen)

	rec := env.do(t, &citizen, http.MethodPut, "/api/auth/password", map[string]any{"currentPassword": "wrong-one", "newPassword": "brandnew1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_current_password", decodeBody(t, rec)["code"])

	rec = env.do(t, &citizen, http.MethodPut, "/api/auth/password", map[string]any{"currentPassword": "password123", "newPassword": "123"})
	assert.Equal(t, "weak_password", decodeBody(t, rec)["code"])

	rec = env.do(t, &citizen, http.MethodPut, "/api/auth/password", map[string]any{"currentPassword": "password123", "newPassword": "brandnew1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh := findCookie(rec, sessionCookieName)
	require.NotNil(t, fresh)

	rec = env.do(t, &citizen, http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "tokens from before the change are revoked")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: fresh.Value})
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "the reissued cookie stays valid")

	rec = env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "cit@example.com", "password": "brandnew1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, nil, http.MethodPost, "/api/auth/login", map[string]any{"email": "cit@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignupRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, nil, http.MethodPost, "/api/auth/signup", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invalid_payload"))
}
