package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveConfig holds the OAuth client and refresh token of the account that
// owns the uploaded files.
type DriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// ShareWithLink grants "anyone with the link" read access on upload.
	ShareWithLink bool
}

// DriveStore keeps objects in Google Drive. Object IDs are Drive file IDs.
type DriveStore struct {
	svc   *drive.Service
	share bool

	mu      sync.Mutex
	folders map[string]string // "a/b/c" -> folder id
}

func NewDriveStore(ctx context.Context, cfg DriveConfig) (*DriveStore, error) {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return NewDriveStoreWithOptions(ctx, cfg.ShareWithLink, option.WithTokenSource(ts))
}

// NewDriveStoreWithOptions builds a store from raw client options, e.g. a
// service account file or a custom endpoint.
func NewDriveStoreWithOptions(ctx context.Context, share bool, opts ...option.ClientOption) (*DriveStore, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &DriveStore{svc: svc, share: share, folders: make(map[string]string)}, nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func folderQuery(name, parentID string) string {
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		q = fmt.Sprintf("name='%s' and '%s' in parents and mimeType='%s' and trashed=false",
			escapeQuery(name), escapeQuery(parentID), folderMimeType)
	}
	return q
}

func (s *DriveStore) getOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	list, err := s.svc.Files.List().Q(folderQuery(name, parentID)).
		Fields("files(id, name)").Spaces("drive").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("search folder %q: %w", name, err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	f := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := s.svc.Files.Create(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.Id, nil
}

// resolveFolder walks folder from the root, creating missing levels, and
// caches each resolved level by its path.
func (s *DriveStore) resolveFolder(ctx context.Context, folder []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := ""
	for i, name := range folder {
		key := strings.Join(folder[:i+1], "/")
		if id, ok := s.folders[key]; ok {
			parent = id
			continue
		}
		id, err := s.getOrCreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		s.folders[key] = id
		parent = id
	}
	return parent, nil
}

func (s *DriveStore) Put(ctx context.Context, folder []string, name, contentType string, content io.Reader) (*Object, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingFileName
	}
	if contentType == "" {
		contentType = ContentTypeForName(name)
	}
	data, err := ReadAll(content)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	parentID, err := s.resolveFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	f := &drive.File{Name: name}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := s.svc.Files.Create(f).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		Fields("id, webViewLink").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	if s.share {
		perm := &drive.Permission{Role: "reader", Type: "anyone"}
		if _, err := s.svc.Permissions.Create(created.Id, perm).Context(ctx).Do(); err != nil {
			return nil, fmt.Errorf("share %q: %w", created.Id, err)
		}
	}

	url := created.WebViewLink
	if url == "" {
		url = fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id)
	}
	return &Object{
		ID:          created.Id,
		URL:         url,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Open accepts a Drive file ID or any Drive share URL.
func (s *DriveStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	fileID := ExtractFileID(id)
	if fileID == "" {
		return nil, ErrBlobNotFound
	}
	resp, err := s.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("download %q: %w", fileID, err)
	}
	return resp.Body, nil
}

func (s *DriveStore) Delete(ctx context.Context, id string) error {
	fileID := ExtractFileID(id)
	if fileID == "" {
		return ErrBlobNotFound
	}
	if err := s.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete %q: %w", fileID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

var (
	fileIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
		regexp.MustCompile(`id=([a-zA-Z0-9_-]+)`),
		regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`),
	}
	bareFileID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ExtractFileID returns the Drive file ID contained in a share URL, or the
// input itself when it already is a bare ID. Returns "" otherwise.
func ExtractFileID(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, p := range fileIDPatterns {
		if m := p.FindStringSubmatch(ref); m != nil {
			return m[1]
		}
	}
	if bareFileID.MatchString(ref) {
		return ref
	}
	return ""
}
