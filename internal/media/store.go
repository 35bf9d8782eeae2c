// Package media archives generated assets out of the provider's temporary
// storage. The backing driver is chosen once at startup.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/retry"
)

const (
	DriverLocal       = "local"
	DriverS3          = "s3"
	DriverPassthrough = "passthrough"
)

// Store copies sourceURL under key and returns the URL clients should use.
type Store interface {
	Archive(ctx context.Context, key, sourceURL string) (string, error)
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Config struct {
	Driver        string
	Dir           string
	PublicBaseURL string
	S3            S3Config
	HTTPClient    *http.Client
	Logger        *slog.Logger
	// Download wraps source fetches; defaults to retry.Standard.
	Download *retry.Policy
}

// New builds the Store for cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("media")
	}
	policy := retry.Standard
	if cfg.Download != nil {
		policy = *cfg.Download
	}
	policy.Logger = cfg.Logger
	dl := &downloader{client: cfg.HTTPClient, policy: policy}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverPassthrough:
		return Passthrough{}, nil
	case DriverLocal:
		return newLocal(cfg, dl)
	case DriverS3:
		return newS3(ctx, cfg, dl)
	default:
		return nil, fmt.Errorf("unknown media driver %q", cfg.Driver)
	}
}

// Passthrough keeps the provider URL.
type Passthrough struct{}

func (Passthrough) Archive(_ context.Context, _ string, sourceURL string) (string, error) {
	return sourceURL, nil
}

type downloader struct {
	client *http.Client
	policy retry.Policy
}

// open starts a GET of src. The caller closes the body. Only establishing the
// response is retried; a failure mid-copy surfaces to the caller.
func (d *downloader) open(ctx context.Context, src string) (*http.Response, error) {
	return retry.Do(ctx, d.policy, "media download", func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("build download request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Message: "download " + src}
		}
		return resp, nil
	})
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("media key is empty")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return "", fmt.Errorf("invalid media key %q", key)
		}
	}
	return key, nil
}
