// Package blobstore stores uploaded case documents. Objects live in a folder
// hierarchy root/<patient>/<case> and are addressed afterwards by the ID the
// backend returns. Backends: in-memory, Google Cloud Storage, Google Drive.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed blob size in bytes (50 MB).
const MaxFileSize = 50 * 1024 * 1024

// Object describes a stored blob.
type Object struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is implemented by every storage backend.
type Store interface {
	// Put writes content under folder (outermost first) and returns the
	// stored object. Missing folders are created.
	Put(ctx context.Context, folder []string, name, contentType string, content io.Reader) (*Object, error)
	// Open returns the content of the object with the given ID.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}

var whitespace = regexp.MustCompile(`\s+`)

// CaseFolder returns the folder path for a case's documents:
// root / <patientCode>_<Patient_Name> / Case_<caseDate>.
func CaseFolder(root, patientCode, patientName, caseDate string) []string {
	name := whitespace.ReplaceAllString(strings.TrimSpace(patientName), "_")
	return []string{root, patientCode + "_" + name, "Case_" + caseDate}
}

// ReadAll reads at most MaxFileSize bytes and reports ErrFileTooLarge past it.
func ReadAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// ContentTypeForName guesses a MIME type from a file extension. Returns
// application/octet-stream when unknown.
func ContentTypeForName(name string) string {
	switch strings.ToLower(path.Ext(strings.TrimSpace(name))) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
