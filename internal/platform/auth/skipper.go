package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer auth. Webhooks authenticate with an HMAC
// signature instead.
var publicPaths = map[string]bool{
	"/health": true,
	"/ready":  true,
}

var publicPrefixes = []string{
	"/webhooks/",
}

// AuthSkipper is the Skipper used by both JWTMiddleware and DevAuthMiddleware.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
