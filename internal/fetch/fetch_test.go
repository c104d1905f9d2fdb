package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedia_Success(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("fake-video-bytes"))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.TempDir = t.TempDir()

	dl, err := Media(context.Background(), server.URL+"/clips/v1.mp4", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Remove() })

	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, int64(len("fake-video-bytes")), dl.Size)
	assert.Equal(t, ".mp4", filepath.Ext(dl.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(dl.Path), TempPrefix))

	data, err := os.ReadFile(dl.Path)
	require.NoError(t, err)
	assert.Equal(t, "fake-video-bytes", string(data))

	require.NoError(t, dl.Remove())
	_, err = os.Stat(dl.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestMedia_InvalidURL(t *testing.T) {
	_, err := Media(context.Background(), "not-a-valid-url", nil)
	require.Error(t, err)

	var fetchErr *Error
	assert.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "invalid URL")
}

func TestMedia_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := Media(context.Background(), server.URL, &Options{TempDir: t.TempDir()})
	require.Error(t, err)

	var fetchErr *Error
	assert.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "404")
}

func TestMedia_TooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		// Chunked so the size check happens while streaming
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := Media(context.Background(), server.URL+"/big.mp4", &Options{MaxBytes: 16, TempDir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)

	left, _ := filepath.Glob(filepath.Join(dir, TempPrefix+"*"))
	assert.Empty(t, left, "partial download must be removed")
}

func TestMedia_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Media(ctx, server.URL, &Options{TempDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMIMEType(t *testing.T) {
	assert.Equal(t, "video/mp4", MIMEType("/uploads/videos/a.mp4"))
	assert.Equal(t, "video/mp4", MIMEType("no-extension"))
	assert.Equal(t, "image/png", MIMEType("thumb.PNG"))
}

func TestCleanupOld(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, TempPrefix+"old.mp4")
	fresh := filepath.Join(dir, TempPrefix+"fresh.mp4")
	other := filepath.Join(dir, "upload.mp4")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(other, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	removed, err := CleanupOld(dir, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
