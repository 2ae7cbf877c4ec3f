package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/inaya/casefile/internal/platform/auth"
)

const maxStackBytes = 8 << 10

// Recovery turns a handler panic into a 500 carrying the request id, so
// the client can quote it when reporting the failure. http.ErrAbortHandler
// is re-raised for net/http to handle.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, maxStackBytes)
				stack = stack[:runtime.Stack(stack, false)]
				rid := RequestIDFrom(c)

				logger.Error().
					Str("request_id", rid).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Str("route", c.Request().Method+" "+c.Request().URL.Path).
					Interface("panic", r).
					Bytes("stack", stack).
					Msg("handler panicked")

				he := echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"requestId": rid,
				})
				err = he.SetInternal(fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
