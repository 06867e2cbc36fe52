package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (error, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var called bool
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})(c)
	return err, called
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err, _ := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err, called := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectUnauthorized(t, err)
			if called {
				t.Error("handler must not be called")
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), testSigningKey)

	err, called := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	err, _ := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("another-key"))

	err, _ := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_RejectsInvitationTokens(t *testing.T) {
	claims := validClaims("someone@example.com")
	claims.Type = "invitation"
	tokenStr := createTestToken(t, claims, testSigningKey)

	err, _ := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims("user-123")
	claims.Issuer = "someone-else"
	tokenStr := createTestToken(t, claims, testSigningKey)

	err, _ := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "trialcare"}, "Bearer "+tokenStr)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := validClaims("user-456")
	claims.Email = "clinician@example.com"
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		if email := EmailFromContext(ctx); email != "clinician@example.com" {
			t.Errorf("expected email, got %s", email)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_HeaderIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "dev-user")
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_NoIdentity(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var handlerCalled bool
	handler := func(c echo.Context) error {
		handlerCalled = true
		if uid := UserIDFromContext(c.Request().Context()); uid != "" {
			t.Errorf("expected no user, got %s", uid)
		}
		return nil
	}

	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}
