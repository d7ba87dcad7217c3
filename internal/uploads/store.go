package uploads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// BlobStore persists an uploaded object and returns its public URL.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

var errMissingFilesystem = errors.New("filesystem is required")

// DirectoryStore writes blobs under a directory of an afero filesystem and
// serves them below a public URL prefix.
type DirectoryStore struct {
	fs        afero.Fs
	root      string
	publicURL string
}

// NewDirectoryStore creates root when missing.
func NewDirectoryStore(fs afero.Fs, root, publicURL string) (*DirectoryStore, error) {
	if fs == nil {
		return nil, errMissingFilesystem
	}
	root = filepath.Clean(strings.TrimSpace(root))
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if publicURL == "" {
		publicURL = "/uploads"
	}
	return &DirectoryStore{fs: fs, root: root, publicURL: publicURL}, nil
}

// Root returns the directory blobs are written to.
func (s *DirectoryStore) Root() string {
	return s.root
}

// Put writes data to a temporary file and renames it into place so readers
// never observe a partial object.
func (s *DirectoryStore) Put(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	target := filepath.Join(s.root, name)
	temp := target + ".partial"
	if err := afero.WriteFile(s.fs, temp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = s.fs.Remove(temp)
		return "", err
	}
	if err := s.fs.Rename(temp, target); err != nil {
		_ = s.fs.Remove(temp)
		return "", fmt.Errorf("publish blob: %w", err)
	}
	return s.publicURL + "/" + path.Base(name), nil
}

// Exists reports whether a blob with name is stored.
func (s *DirectoryStore) Exists(name string) (bool, error) {
	_, err := s.fs.Stat(filepath.Join(s.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
