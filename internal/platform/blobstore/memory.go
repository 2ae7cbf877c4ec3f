package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type storedBlob struct {
	object  Object
	folder  string
	content []byte
}

// InMemoryBlobStore is a thread-safe Store for tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, folder []string, name, contentType string, content io.Reader) (*Object, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingFileName
	}
	data, err := ReadAll(content)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = ContentTypeForName(name)
	}

	id := uuid.New().String()
	dir := strings.Join(folder, "/")
	obj := Object{
		ID:          id,
		URL:         fmt.Sprintf("memory://%s/%s", dir, id),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[id] = &storedBlob{object: obj, folder: dir, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *InMemoryBlobStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.content)), nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// List returns the objects stored under folder.
func (s *InMemoryBlobStore) List(folder []string) []Object {
	dir := strings.Join(folder, "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for _, b := range s.blobs {
		if b.folder == dir {
			out = append(out, b.object)
		}
	}
	return out
}
