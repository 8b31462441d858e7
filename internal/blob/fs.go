package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemStore keeps blobs under a local base directory and addresses
// them with file:// URLs.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore creates the base directory when missing.
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileSystemStore{baseDir: abs}, nil
}

func (s *FileSystemStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	target, err := s.resolve(filepath.FromSlash(key))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create blob file: %w", err)
	}
	written, copyErr := io.Copy(tmp, readerWithContext(ctx, r))
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr != nil {
			return "", fmt.Errorf("write blob: %w", copyErr)
		}
		return "", fmt.Errorf("close blob: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}

	log.Printf("[blob] stored %s (%d bytes)", key, written)
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

func (s *FileSystemStore) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, unsupported(rawURL)
	}
	target, err := s.resolve(filepath.FromSlash(strings.TrimPrefix(u.Path, filepath.ToSlash(s.baseDir))))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, rawURL)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// resolve keeps every path inside the base directory.
func (s *FileSystemStore) resolve(rel string) (string, error) {
	target := filepath.Join(s.baseDir, filepath.Clean(string(filepath.Separator)+rel))
	if target != s.baseDir && !strings.HasPrefix(target, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes blob directory", ErrUnsupportedURL)
	}
	return target, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
