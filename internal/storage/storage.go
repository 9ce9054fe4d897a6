package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotExist is returned when a stored object is missing
var ErrNotExist = errors.New("object does not exist")

// Storage interface for persisting snapshots
type Storage interface {
	// Write writes data to a path
	Write(ctx context.Context, path string, data []byte) error

	// Read reads data from a path
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete deletes a path; deleting a missing path is not an error
	Delete(ctx context.Context, path string) error

	// Exists checks if a path exists
	Exists(ctx context.Context, path string) (bool, error)

	// List lists file names directly under dir
	List(ctx context.Context, dir string) ([]string, error)

	// Close releases backend resources
	Close() error
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create base directory")
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// Write writes data to a file. The file is replaced atomically so a
// concurrent reader never sees a partial image.
func (s *LocalStorage) Write(_ context.Context, p string, data []byte) error {
	fullPath := s.GetFullPath(p)

	// Create parent directories
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close file")
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return errors.Wrap(err, "failed to move file into place")
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(s.GetFullPath(p))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotExist, "%s", p)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}

	return data, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	if err := os.Remove(s.GetFullPath(p)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete file")
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(s.GetFullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check file existence")
	}

	return true, nil
}

// List lists files in a directory
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.GetFullPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list directory")
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".tmp-") {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

// Close is a no-op for local storage
func (s *LocalStorage) Close() error {
	return nil
}

// GetFullPath returns the full filesystem path for a relative path
func (s *LocalStorage) GetFullPath(p string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(p))
}

// ContentType returns the MIME type for a stored object
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
