package auth

import (
	"github.com/labstack/echo/v4"
)

// publicRoutes are matched against the registered route pattern, not the
// raw URL. The clean-db route carries its own RequireBearerSecret guard.
var publicRoutes = map[string]struct{}{
	"/health":                {},
	"/health/ready":          {},
	"/api/v1/admin/clean-db": {},
}

// AuthSkipper skips token checks on public routes. Pass it as
// JWTConfig.Skipper or to DevAuthMiddleware.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(route string) bool {
	_, ok := publicRoutes[route]
	return ok
}
