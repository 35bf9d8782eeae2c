package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// Local stores files under a directory served at PublicBaseURL.
type Local struct {
	dir     string
	baseURL string
	dl      *downloader
	logger  *slog.Logger
}

func newLocal(cfg Config, dl *downloader) (*Local, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("media.dir is required for the local driver")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("media.public_base_url is required for the local driver")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Local{dir: cfg.Dir, baseURL: cfg.PublicBaseURL, dl: dl, logger: cfg.Logger}, nil
}

func (l *Local) Archive(ctx context.Context, key, sourceURL string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create media subdir: %w", err)
	}

	resp, err := l.dl.open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("create temp media file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("publish media file: %w", err)
	}

	l.logger.Info("media archived", "driver", DriverLocal, "key", key, "bytes", n)
	return joinURL(l.baseURL, key), nil
}

// Handler serves the archive directory.
func (l *Local) Handler() http.Handler {
	return http.FileServer(http.Dir(l.dir))
}
