package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, "A/still_000001.jpg", []byte{0xff, 0xd8}))
	require.NoError(t, s.Write(ctx, "A/index.json", []byte(`{}`)))

	data, err := s.Read(ctx, "A/still_000001.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)

	ok, err := s.Exists(ctx, "A/index.json")
	require.NoError(t, err)
	assert.True(t, ok)

	files, err := s.List(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"index.json", "still_000001.jpg"}, files)

	rs, err := s.Open(ctx, "A/still_000001.jpg")
	require.NoError(t, err)
	end, err := rs.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), end)
	rs.(io.Closer).Close()

	require.NoError(t, s.Delete(ctx, "A/still_000001.jpg"))
	require.NoError(t, s.Delete(ctx, "A/still_000001.jpg"))
	ok, err = s.Exists(ctx, "A/still_000001.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorageMissingObjects(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read(ctx, "B/nope.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Open(ctx, "B/nope.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := s.List(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalStorageStaysInsideBaseDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	base := filepath.Join(root, "archive")
	s, err := NewLocalStorage(base)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "../../escape.jpg", []byte("x")))
	_, err = os.Stat(filepath.Join(root, "escape.jpg"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "escape.jpg"))
	assert.NoError(t, err)
}

func TestContentHeaders(t *testing.T) {
	tests := []struct {
		path        string
		contentType string
		cache       string
	}{
		{"A/still_000001.jpg", "image/jpeg", "public, max-age=3600"},
		{"objects/12.PNG", "image/png", "public, max-age=3600"},
		{"A/index.json", "application/json", "no-cache, no-store, must-revalidate"},
		{"A/raw.bin", "application/octet-stream", "public, max-age=3600"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.contentType, ContentType(tt.path))
			assert.Equal(t, tt.cache, CacheControl(tt.path))
		})
	}
}
