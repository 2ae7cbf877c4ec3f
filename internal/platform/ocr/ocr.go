// Package ocr turns document payloads into text. PDFs are read locally,
// images go to an ImageOCR backend (Cloud Vision or the LLM) and plain text
// passes through.
package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyPayload    = errors.New("empty document payload")
)

// ImageOCR transcribes the text visible in an image.
type ImageOCR interface {
	OCRImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Extractor is what the analysis pipeline depends on.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Router dispatches on MIME type.
type Router struct {
	images ImageOCR
}

func NewRouter(images ImageOCR) *Router {
	return &Router{images: images}
}

func (r *Router) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	mt := NormalizeMIME(mimeType, data)
	switch {
	case mt == "application/pdf":
		return ExtractPDFText(data)
	case IsImage(mt):
		if r.images == nil {
			return "", fmt.Errorf("%w: no image OCR backend configured", ErrUnsupportedType)
		}
		return r.images.OCRImage(ctx, data, mt)
	case strings.HasPrefix(mt, "text/"):
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt)
	}
}

// NormalizeMIME strips parameters and lowercases mimeType. When it is empty
// or generic the type is sniffed from the payload.
func NormalizeMIME(mimeType string, data []byte) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if isPDF(data) {
		return "application/pdf"
	}
	if len(data) == 0 {
		return mt
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return sniffed
}

func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

func IsPDF(mimeType string) bool {
	return strings.EqualFold(strings.TrimSpace(mimeType), "application/pdf")
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// DataURI encodes data as a data: URI.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts raw base64 or a data URI and returns the bytes and
// the MIME type carried by the URI, if any.
func DecodeBase64(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	mt := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data URI")
		}
		meta := s[len("data:"):comma]
		mt = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, "", fmt.Errorf("decode base64: %w", err)
		}
	}
	return data, mt, nil
}
