package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserEmailKey contextKey = "user_email"
)

// DevUserHeader names the user a request acts as when DevAuthMiddleware is
// installed and no bearer token is sent.
const DevUserHeader = "X-Dev-User-ID"

// invitationTokenType marks tokens minted for invitation links. They are never
// accepted as access tokens.
const invitationTokenType = "invitation"

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper bypasses authentication for matching requests. Nil skips nothing.
	Skipper func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Type == invitationTokenType {
				return echo.NewHTTPError(http.StatusUnauthorized, "invitation tokens can not be used for authentication")
			}

			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), claims.Subject, claims.Email)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Dev-User-ID header when no bearer token is
// present. It must only be installed in development.
func DevAuthMiddleware(skippers ...func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			if c.Request().Header.Get("Authorization") != "" {
				return next(c)
			}
			if uid := c.Request().Header.Get(DevUserHeader); uid != "" {
				c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), uid, "")))
			}
			return next(c)
		}
	}
}

// WithUser returns a context carrying the authenticated principal.
func WithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	if email != "" {
		ctx = context.WithValue(ctx, UserEmailKey, email)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(UserEmailKey).(string)
	return email
}
