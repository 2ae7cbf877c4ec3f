package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a single Cloud Storage bucket. The object key is
// the folder path joined by "/" followed by a unique file name; the key is
// also the object ID.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore connects with application default credentials unless opts say
// otherwise.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func objectKey(folder []string, name string) string {
	parts := make([]string, 0, len(folder)+1)
	for _, f := range folder {
		if f = strings.Trim(f, "/"); f != "" {
			parts = append(parts, f)
		}
	}
	parts = append(parts, uuid.New().String()[:8]+"_"+strings.ReplaceAll(name, "/", "_"))
	return strings.Join(parts, "/")
}

func (s *GCSStore) Put(ctx context.Context, folder []string, name, contentType string, content io.Reader) (*Object, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingFileName
	}
	if contentType == "" {
		contentType = ContentTypeForName(name)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key := objectKey(folder, name)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	n, err := io.Copy(w, io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write object %q: %w", key, err)
	}
	if n > MaxFileSize {
		_ = w.Close()
		_ = s.client.Bucket(s.bucket).Object(key).Delete(context.WithoutCancel(ctx))
		return nil, ErrFileTooLarge
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close object writer %q: %w", key, err)
	}

	return &Object{
		ID:          key,
		URL:         fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key),
		Name:        name,
		ContentType: contentType,
		Size:        n,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *GCSStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(id).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open object %q: %w", id, err)
	}
	return r, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.client.Bucket(s.bucket).Object(id).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete object %q: %w", id, err)
	}
	return nil
}
