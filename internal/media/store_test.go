package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/refashion-gw/internal/retry"
)

func fastDownload() *retry.Policy {
	return &retry.Policy{
		MaxRetries:        2,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 1,
		Sleep:             func(context.Context, time.Duration) error { return nil },
	}
}

func TestNewSelectsDriver(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), Config{Driver: "passthrough"})
	require.NoError(t, err)
	assert.IsType(t, Passthrough{}, s)

	s, err = New(context.Background(), Config{Driver: "local", Dir: t.TempDir(), PublicBaseURL: "/media"})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = New(context.Background(), Config{Driver: "ftp"})
	assert.ErrorContains(t, err, `unknown media driver "ftp"`)

	_, err = New(context.Background(), Config{Driver: "local"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Driver: "s3", S3: S3Config{Endpoint: "localhost:9000"}})
	assert.ErrorContains(t, err, "bucket")
}

func TestPassthroughReturnsSource(t *testing.T) {
	t.Parallel()

	u, err := Passthrough{}.Archive(context.Background(), "videos/h1.mp4", "https://cdn/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v.mp4", u)
}

func TestLocalArchive(t *testing.T) {
	t.Parallel()

	var hits int32
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	t.Cleanup(src.Close)

	dir := t.TempDir()
	s, err := New(context.Background(), Config{Driver: "local", Dir: dir, PublicBaseURL: "https://gw.example/media/", Download: fastDownload()})
	require.NoError(t, err)

	u, err := s.Archive(context.Background(), "videos/h1.mp4", src.URL+"/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example/media/videos/h1.mp4", u)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	b, err := os.ReadFile(filepath.Join(dir, "videos", "h1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(b))

	entries, err := os.ReadDir(filepath.Join(dir, "videos"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestLocalArchiveRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), Config{Driver: "local", Dir: t.TempDir(), PublicBaseURL: "/media"})
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "videos/../../x", "a//b"} {
		_, err := s.Archive(context.Background(), key, "http://unused")
		assert.Error(t, err, key)
	}
}

func TestLocalArchiveNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits int32
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(src.Close)

	s, err := New(context.Background(), Config{Driver: "local", Dir: t.TempDir(), PublicBaseURL: "/media", Download: fastDownload()})
	require.NoError(t, err)

	_, err = s.Archive(context.Background(), "videos/h1.mp4", src.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestLocalHandlerServesArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	s, err := New(context.Background(), Config{Driver: "local", Dir: dir, PublicBaseURL: "/media"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.(*Local).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}
