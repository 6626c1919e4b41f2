package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// FSStore keeps blobs as files under baseDir. A ref is the path of the file
// relative to baseDir, e.g. "uploads/<name>".
type FSStore struct {
	baseDir string
}

var _ resource.BlobStore = (*FSStore)(nil)

func NewFSStore(baseDir string) *FSStore {
	return &FSStore{baseDir: baseDir}
}

const fsPrefix = "uploads"

func (s *FSStore) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FSStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	ref := fsPrefix + "/" + filepath.Base(name)
	full, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create blob file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("failed to write blob file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("failed to write blob file: %w", err)
	}
	return ref, nil
}

func (s *FSStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	full, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", resource.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open blob file: %w", err)
	}
	return f, nil
}

func (s *FSStore) Delete(_ context.Context, ref string) error {
	full, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob file: %w", err)
	}
	return nil
}
