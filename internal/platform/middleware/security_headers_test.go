package middleware

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name    string
		hsts    bool
		handler echo.HandlerFunc
	}{
		{"production success", true, func(c echo.Context) error { return c.NoContent(http.StatusOK) }},
		{"development success", false, func(c echo.Context) error { return c.NoContent(http.StatusOK) }},
		{"handler error", true, func(c echo.Context) error { return echo.ErrNotFound }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/api/v1/patients")
			err := SecurityHeaders(tt.hsts)(tt.handler)(c)
			if tt.name == "handler error" && err != echo.ErrNotFound {
				t.Errorf("expected handler error to propagate, got %v", err)
			}

			h := rec.Header()
			if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" {
				t.Errorf("missing baseline headers: %v", h)
			}
			if h.Get("Cache-Control") != "no-store" {
				t.Errorf("patient data must not be cached, got %q", h.Get("Cache-Control"))
			}
			if got := h.Get("Strict-Transport-Security") != ""; got != tt.hsts {
				t.Errorf("HSTS present = %v, want %v", got, tt.hsts)
			}
		})
	}
}
