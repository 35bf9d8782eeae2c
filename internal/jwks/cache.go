// Package jwks fetches and caches the provider's Ed25519 webhook signing keys.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const (
	DefaultURL     = "https://rest.alpha.fal.ai/.well-known/jwks.json"
	DefaultTTL     = 24 * time.Hour
	DefaultTimeout = 10 * time.Second

	cacheKey     = "keys"
	maxBodyBytes = 1 << 20
)

// KeySet is an immutable snapshot of the provider's public keys.
type KeySet struct {
	Keys      []ed25519.PublicKey
	FetchedAt time.Time
}

// JSONWebKey is the subset of RFC 7517 fields the provider publishes for OKP keys.
type JSONWebKey struct {
	KeyID   string `json:"kid,omitempty"`
	KeyType string `json:"kty,omitempty"`
	Crv     string `json:"crv,omitempty"`
	X       string `json:"x"`
}

type document struct {
	Keys []JSONWebKey `json:"keys"`
}

type Config struct {
	URL        string
	TTL        time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Cache holds the most recent key set and refreshes it after TTL.
// Concurrent refreshes collapse into a single fetch.
type Cache struct {
	url     string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	store   *gocache.Cache
	group   singleflight.Group
	now     func() time.Time
}

func New(cfg Config) *Cache {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("jwks")
	}
	return &Cache{
		url:     cfg.URL,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
		store:   gocache.New(cfg.TTL, 0),
		now:     time.Now,
	}
}

// Get returns the cached key set, fetching synchronously when it is missing or
// expired. Fetch errors are returned as-is; a stale set is never served.
func (c *Cache) Get(ctx context.Context) (KeySet, error) {
	if v, ok := c.store.Get(cacheKey); ok {
		return v.(KeySet), nil
	}

	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		if v, ok := c.store.Get(cacheKey); ok {
			return v, nil
		}
		// Callers share this fetch, so one caller going away must not fail
		// the rest. The fetch timeout still bounds it.
		set, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store.Set(cacheKey, set, c.ttl)
		return set, nil
	})
	if err != nil {
		return KeySet{}, err
	}
	return v.(KeySet), nil
}

// Invalidate drops the cached set so the next Get refetches.
func (c *Cache) Invalidate() {
	c.store.Delete(cacheKey)
}

func (c *Cache) fetch(ctx context.Context) (KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return KeySet{}, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return KeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return KeySet{}, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&doc); err != nil {
		return KeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	set := KeySet{FetchedAt: c.now()}
	for i, k := range doc.Keys {
		raw, err := decodeKey(k.X)
		if err != nil {
			c.logger.Warn("skipping jwks entry", "index", i, "kid", k.KeyID, "error", err)
			continue
		}
		set.Keys = append(set.Keys, ed25519.PublicKey(raw))
	}

	metrics.IncJWKSRefresh()
	c.logger.Info("jwks refreshed", "url", c.url, "keys", len(set.Keys))
	return set, nil
}

// decodeKey accepts base64url with or without padding.
func decodeKey(x string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(x, "="))
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return raw, nil
}
