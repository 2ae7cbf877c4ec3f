package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrRequestTimeout is the 504 returned when a request's deadline passes
// before the handler writes a response.
var ErrRequestTimeout = echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded the time limit")

// RequestTimeout bounds each request's context with timeout. The handler
// runs on the calling goroutine and is expected to honour ctx.Done; once the
// deadline has passed, an unwritten response becomes a 504.
//
// Paths under any of skipPrefixes keep the server context. The websocket
// endpoint is long-lived, and the AI routes mount their own longer limit.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || hasAnyPrefix(c.Request().URL.Path, skipPrefixes) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				he := *ErrRequestTimeout
				return he.SetInternal(err)
			}
			return err
		}
	}
}

// hasAnyPrefix matches whole path segments: "/ws" covers "/ws" and
// "/ws/x" but not "/wsx".
func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if rest, ok := strings.CutPrefix(path, p); ok && (rest == "" || rest[0] == '/') {
			return true
		}
	}
	return false
}
