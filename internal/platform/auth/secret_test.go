package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

const testAdminSecret = "0123456789abcdef-admin"

func secretContext(header string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/clean-db", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireBearerSecret_Accepts(t *testing.T) {
	c := secretContext("Bearer " + testAdminSecret)
	if err := RequireBearerSecret(testAdminSecret)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireBearerSecret_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer not-the-secret"},
		{"prefix of secret", "Bearer 0123456789abcdef"},
		{"wrong scheme", "Basic " + testAdminSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireBearerSecret(testAdminSecret)(okHandler)(secretContext(tt.header))
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestRequireBearerSecret_FailsClosedWhenUnset(t *testing.T) {
	for _, header := range []string{"", "Bearer ", "Bearer anything"} {
		err := RequireBearerSecret("")(okHandler)(secretContext(header))
		expectStatus(t, err, http.StatusUnauthorized)
	}
}
