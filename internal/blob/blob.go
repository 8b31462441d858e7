// Package blob stores uploaded files durably and hands back a stable URL
// from which a worker can later read them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrObjectNotFound is returned when a URL points at nothing.
	ErrObjectNotFound = errors.New("blob object not found")
	// ErrUnsupportedURL is returned when a URL does not belong to the store.
	ErrUnsupportedURL = errors.New("unsupported blob url")
)

// Store is the blob store gateway.
type Store interface {
	// Put stores the content under key and returns its retrieval URL.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	// Open returns a reader for a URL previously returned by Put.
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds a collision-free key for an upload scoped by tenant.
func ObjectKey(prefix string, tenantID uuid.UUID, fileName string) string {
	name := unsafeNameChars.ReplaceAllString(path.Base(strings.TrimSpace(fileName)), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "upload"
	}
	key := path.Join(tenantID.String(), uuid.NewString()+"-"+name)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func unsupported(url string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedURL, url)
}
