package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// HasRole reports whether roles grants one of required. ADMIN grants all.
// Comparison ignores case so tokens issued with "admin" still match.
func HasRole(roles []string, required ...string) bool {
	for _, has := range roles {
		if strings.EqualFold(has, RoleAdmin) {
			return true
		}
		for _, want := range required {
			if strings.EqualFold(has, want) {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
