package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

const fallbackLimit = 1 << 20

// uploadSuffixes are the routes that carry file payloads, either multipart
// or base64 inside JSON. They get the larger upload limit.
var uploadSuffixes = []string{
	"/documents",
	"/documents/upload",
	"/ai/extract-text",
	"/ai/ocr",
	"/ai/analyze-direct",
}

// BodyLimit caps request bodies at defaultLimit, or uploadLimit for POSTs
// to upload routes. Sizes use echo's notation: "25M" is decimal, "25Mi"
// binary and a bare number counts bytes.
//
// A declared Content-Length over the limit is refused before the handler
// runs. Otherwise the body is wrapped with http.MaxBytesReader, and any
// handler error after the cap was hit is replaced with a 413.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	standard, upload := parseLimit(defaultLimit), parseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := standard
			if req.Method == http.MethodPost && hasAnySuffix(req.URL.Path, uploadSuffixes) {
				limit = upload
			}
			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}

			body := &cappedBody{ReadCloser: http.MaxBytesReader(c.Response(), req.Body, limit)}
			req.Body = body

			err := next(c)
			if body.tripped && !c.Response().Committed {
				return payloadTooLarge(limit)
			}
			return err
		}
	}
}

// cappedBody remembers whether the wrapped MaxBytesReader refused a read,
// since handlers and binders do not always preserve the error.
type cappedBody struct {
	io.ReadCloser
	tripped bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.tripped = true
	}
	return n, err
}

func hasAnySuffix(path string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

func payloadTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body is larger than %s", bytes.Format(limit)))
}

// parseLimit falls back to 1MB on unparseable or non-positive input.
func parseLimit(s string) int64 {
	n, err := bytes.Parse(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return fallbackLimit
	}
	return n
}
