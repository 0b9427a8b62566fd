// Package storage persists archived stills and their indexes either on the
// local filesystem or in a Google Cloud Storage bucket.
package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("object not found")

// Storage interface for storing and retrieving archived objects. Paths are
// slash separated and relative to the backend's root.
type Storage interface {
	// Write writes data to a path, creating parents as needed
	Write(ctx context.Context, path string, data []byte) error

	// Read reads data from a path
	Read(ctx context.Context, path string) ([]byte, error)

	// Open returns a ReadSeeker for the object (useful for http.ServeContent)
	Open(ctx context.Context, path string) (io.ReadSeeker, error)

	// Delete deletes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, path string) (bool, error)

	// List lists object names directly under dir, sorted
	List(ctx context.Context, dir string) ([]string, error)

	Close() error
}

// ContentType maps an archived object's extension to its MIME type
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// CacheControl keeps indexes fresh while stills, which never change once
// written, can be cached
func CacheControl(p string) string {
	if path.Ext(p) == ".json" {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=3600"
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create base directory")
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// fullPath resolves p under the base directory. Leading slashes and ".."
// elements cannot escape it.
func (s *LocalStorage) fullPath(p string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path.Clean("/"+p)))
}

// Write writes data atomically through a temporary file
func (s *LocalStorage) Write(_ context.Context, p string, data []byte) error {
	fullPath := s.fullPath(p)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return errors.Wrap(err, "create directory")
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", p)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", p)
	}
	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(p))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return data, nil
}

// Open returns the open file, which the caller must close when done
func (s *LocalStorage) Open(_ context.Context, p string) (io.ReadSeeker, error) {
	file, err := os.Open(s.fullPath(p))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", p)
	}
	return file, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	if err := os.Remove(s.fullPath(p)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", p)
	}
	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(s.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return true, nil
}

// List lists files in a directory. A missing directory lists as empty.
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.fullPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *LocalStorage) Close() error { return nil }
