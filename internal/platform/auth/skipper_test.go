package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func routeContext(route string) echo.Context {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, route, nil), httptest.NewRecorder())
	c.SetPath(route)
	return c
}

func TestAuthSkipper(t *testing.T) {
	routes := map[string]bool{
		"/health":                true,
		"/health/ready":          true,
		"/api/v1/admin/clean-db": true,
		"/api/v1/admin/stats":    false,
		"/api/v1/patients":       false,
		"/api/v1/cases/:id":      false,
		"/api/v1/ai/analyze":     false,
		"/ws":                    false,
		"/":                      false,
		"/health/extra":          false,
	}
	for route, public := range routes {
		if got := AuthSkipper(routeContext(route)); got != public {
			t.Errorf("AuthSkipper(%s) = %v, want %v", route, got, public)
		}
		if got := IsPublicPath(route); got != public {
			t.Errorf("IsPublicPath(%s) = %v, want %v", route, got, public)
		}
	}
}

func TestJWTMiddleware_WithSkipper(t *testing.T) {
	skipping := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	plain := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})

	if err := skipping(okHandler)(routeContext("/health")); err != nil {
		t.Errorf("public route should skip auth: %v", err)
	}
	expectStatus(t, skipping(okHandler)(routeContext("/api/v1/patients")), http.StatusUnauthorized)
	expectStatus(t, plain(okHandler)(routeContext("/health")), http.StatusUnauthorized)

	c := routeContext("/api/v1/cases")
	c.Request().Header.Set(echo.HeaderAuthorization, "Bearer "+createTestToken(t, validClaims("user-1", RoleStaff), testSigningKey))
	if err := skipping(okHandler)(c); err != nil {
		t.Errorf("valid token on protected route: %v", err)
	}
}

func TestDevAuthMiddleware_SkipsPublicRoutes(t *testing.T) {
	err := DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if _, ok := IdentityFromContext(c.Request().Context()); ok {
			t.Error("public route should not get the dev identity")
		}
		return nil
	})(routeContext("/health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
