package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/inaya/casefile/internal/platform/auth"
)

// Logger writes one access line per request. Health probes are only logged
// when they fail; 4xx responses log at warn and 5xx at error.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			path := c.Request().URL.Path
			if status < 400 && strings.HasPrefix(path, "/health") {
				return err
			}

			level := zerolog.InfoLevel
			switch {
			case status >= 500:
				level = zerolog.ErrorLevel
			case status >= 400:
				level = zerolog.WarnLevel
			}

			evt := logger.WithLevel(level).
				Str("request_id", RequestIDFrom(c)).
				Str("method", c.Request().Method).
				Str("path", path).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(began)).
				Str("remote_ip", c.RealIP())
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				evt = evt.Str("user_id", uid)
			}
			if err != nil {
				evt = evt.AnErr("error", err)
			}
			evt.Msg("request")

			return err
		}
	}
}

// responseStatus reports the status the client will see. An error that has
// not been written yet decides it over the recorder's default 200.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && !c.Response().Committed {
		if errors.As(err, &he) {
			return he.Code
		}
		return 500
	}
	return c.Response().Status
}
