package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Infrastructure endpoints only.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// publicPrefix groups the unauthenticated API: invitation validity checks and
// sign-up.
const publicPrefix = "/api/public/"

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	if IsPublicPath(c.Path()) {
		return true
	}
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path is served without credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, publicPrefix)
}
