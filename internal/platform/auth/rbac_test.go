package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{"STAFF"}, []string{"STAFF"}, true},
		{[]string{"staff"}, []string{"STAFF"}, true},
		{[]string{"ADMIN"}, []string{"STAFF"}, true},
		{[]string{"admin"}, []string{"reviewer"}, true},
		{[]string{"STAFF"}, []string{"ADMIN"}, false},
		{nil, []string{"STAFF"}, false},
		{[]string{"STAFF"}, nil, false},
	}

	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "u-1", "", roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles(RoleStaff)
	if err := RequireRole(RoleStaff)(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles(RoleStaff)
	err := RequireRole(RoleAdmin)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles(RoleAdmin)
	if err := RequireRole("reviewer")(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_NoRoleDenied(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequireRole(RoleStaff)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestIdentityAccessors(t *testing.T) {
	roles := []string{RoleStaff}
	ctx := WithIdentity(context.Background(), "u-42", "Nadia", roles)
	roles[0] = RoleAdmin

	if UserIDFromContext(ctx) != "u-42" || UserNameFromContext(ctx) != "Nadia" {
		t.Errorf("unexpected identity in context")
	}
	if got := RolesFromContext(ctx); len(got) != 1 || got[0] != RoleStaff {
		t.Errorf("roles should be copied on attach, got %v", got)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Error("bare context should carry no identity")
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user id")
	}
}
