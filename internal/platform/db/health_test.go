package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func probe(t *testing.T, checks ...Check) (int, readiness) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)
	if err := ReadinessHandler(nil, checks...)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body readiness
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body
}

func healthy(context.Context) error { return nil }

func TestReadinessHandler(t *testing.T) {
	refused := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{"no dependencies", nil, http.StatusOK, "ready", map[string]string{}},
		{
			"all healthy",
			[]Check{{"database", healthy}, {"redis", healthy}},
			http.StatusOK, "ready",
			map[string]string{"database": "ok", "redis": "ok"},
		},
		{
			"redis down",
			[]Check{{"database", healthy}, {"redis", refused}},
			http.StatusServiceUnavailable, "unavailable",
			map[string]string{"database": "ok", "redis": "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := probe(t, tt.checks...)
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("%s = %q, want %q", name, body.Checks[name], want)
				}
			}
			if body.Pool != nil {
				t.Error("no pool stats expected without a pool")
			}
		})
	}
}

func TestReadinessHandler_ChecksRunConcurrently(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	began := time.Now()
	code, _ := probe(t, Check{"a", slow}, Check{"b", slow}, Check{"c", slow})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
		t.Errorf("checks look sequential: took %s", elapsed)
	}
}
