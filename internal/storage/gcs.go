package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStorage creates a new GCS storage instance.
// baseDir is the object prefix inside the bucket (e.g. "falconlink").
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	// Verify bucket exists
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "access bucket %s in project %s", bucketName, projectID)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

func (s *GCSStorage) object(p string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.fullPath(p))
}

// Write uploads data with content type and cache headers for the extension
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	w := s.object(p).NewWriter(ctx)
	w.ContentType = ContentType(p)
	w.CacheControl = CacheControl(p)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrapf(err, "upload %s", p)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "finish upload %s", p)
	}
	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, p string) ([]byte, error) {
	r, err := s.object(p).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", p)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return data, nil
}

// Open buffers the object in memory. Stills are small enough for that.
func (s *GCSStorage) Open(ctx context.Context, p string) (io.ReadSeeker, error) {
	data, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete deletes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	if err := s.object(p).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "delete %s", p)
	}
	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return true, nil
}

// List lists objects directly under dir
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", dir)
		}
		// synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	sort.Strings(files)
	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if s.baseDir == "" {
		return p
	}
	if p == "" {
		return s.baseDir
	}
	return s.baseDir + "/" + p
}
