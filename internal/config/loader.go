package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration file.
// A .env.local and .env next to the file are loaded first; variables already
// present in the process environment win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover finds a config when --config is not given. Search order:
// $REFASHION_GW_CONFIG, ./config.yaml, ~/.config/refashion-gw, /etc/refashion-gw.
func Discover() (string, error) {
	candidates := []string{}
	if p := os.Getenv("REFASHION_GW_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "./config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "refashion-gw"))
	}
	candidates = append(candidates, "/etc/refashion-gw")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $REFASHION_GW_CONFIG, ./config.yaml, ~/.config/refashion-gw, /etc/refashion-gw)")
}

// Parse builds a validated Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv loads .env.local then .env from dir. godotenv never overrides a
// variable that is already set, so the first file to define a key wins.
func loadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// applyConfigDefaults fills zero values from Defaults.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	w := &cfg.Webhooks
	if w.Listen == "" {
		w.Listen = d.Webhooks.Listen
	}
	if w.Path == "" {
		w.Path = d.Webhooks.Path
	}
	if w.MaxBodySize == "" {
		w.MaxBodySize = d.Webhooks.MaxBodySize
	}
	if w.JWKSURL == "" {
		w.JWKSURL = d.Webhooks.JWKSURL
	}
	if w.JWKSTTL == 0 {
		w.JWKSTTL = d.Webhooks.JWKSTTL
	}
	if w.TimestampTolerance == 0 {
		w.TimestampTolerance = d.Webhooks.TimestampTolerance
	}

	if cfg.Fal.QueueURL == "" {
		cfg.Fal.QueueURL = d.Fal.QueueURL
	}
	if cfg.Fal.DefaultModel == "" {
		cfg.Fal.DefaultModel = d.Fal.DefaultModel
	}
	if cfg.Media.Driver == "" {
		cfg.Media.Driver = d.Media.Driver
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = d.Media.Dir
	}

	r := &cfg.Reconcile
	if r.Interval == 0 {
		r.Interval = d.Reconcile.Interval
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = d.Reconcile.StaleAfter
	}
	if r.MaxAge == 0 {
		r.MaxAge = d.Reconcile.MaxAge
	}
	if r.BatchSize == 0 {
		r.BatchSize = d.Reconcile.BatchSize
	}

	if cfg.Tasks.MaxConcurrent == 0 {
		cfg.Tasks.MaxConcurrent = d.Tasks.MaxConcurrent
	}
	if cfg.Tasks.Timeout == 0 {
		cfg.Tasks.Timeout = d.Tasks.Timeout
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

// requireSecret fails on an empty value or an unresolved ${VAR} placeholder.
func requireSecret(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, console, text (got %q)", cfg.Service.LogFormat)
	}

	if err := requireSecret("fal.api_key", cfg.Fal.APIKey); err != nil {
		return err
	}
	if cfg.Notify.URL != "" {
		if err := requireSecret("notify.secret", cfg.Notify.Secret); err != nil {
			return err
		}
	}

	if cfg.API.PublicURL == "" {
		return fmt.Errorf("api.public_url is required (Fal posts completions to it)")
	}
	if !strings.HasPrefix(cfg.API.PublicURL, "http://") && !strings.HasPrefix(cfg.API.PublicURL, "https://") {
		return fmt.Errorf("api.public_url must be an http(s) URL (got %q)", cfg.API.PublicURL)
	}
	if cfg.API.APIKey != "" {
		if err := requireSecret("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}
	for i, tok := range cfg.API.Tokens {
		if err := requireSecret(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d].scopes must not be empty", i)
		}
	}

	if !strings.HasPrefix(cfg.Webhooks.Path, "/") {
		return fmt.Errorf("webhooks.path must start with / (got %q)", cfg.Webhooks.Path)
	}
	if _, err := ParseSize(cfg.Webhooks.MaxBodySize); err != nil {
		return fmt.Errorf("webhooks.max_body_size: %w", err)
	}
	if cfg.Webhooks.TimestampTolerance < 0 || cfg.Webhooks.JWKSTTL < 0 {
		return fmt.Errorf("webhooks durations must not be negative")
	}

	switch cfg.Media.Driver {
	case "passthrough":
	case "local":
		if cfg.Media.PublicBaseURL == "" {
			return fmt.Errorf("media.public_base_url is required for the local driver")
		}
	case "s3":
		if cfg.Media.S3.Endpoint == "" || cfg.Media.S3.Bucket == "" {
			return fmt.Errorf("media.s3.endpoint and media.s3.bucket are required for the s3 driver")
		}
	default:
		return fmt.Errorf("media.driver must be one of: passthrough, local, s3 (got %q)", cfg.Media.Driver)
	}

	if cfg.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if cfg.Reconcile.MaxAge < cfg.Reconcile.StaleAfter {
		return fmt.Errorf("reconcile.max_age (%s) must not be shorter than reconcile.stale_after (%s)",
			cfg.Reconcile.MaxAge, cfg.Reconcile.StaleAfter)
	}
	if cfg.Tasks.MaxConcurrent < 0 {
		return fmt.Errorf("tasks.max_concurrent must not be negative")
	}
	return nil
}

// ParseSize parses size strings like "1MB", "512KB" or "2048576" into bytes.
func ParseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

// WebhookURL is the public callback URL handed to Fal on submit.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.API.PublicURL, "/") + c.Webhooks.Path
}

// Summary is a short human-readable description used by `config check`.
func (c *Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service:    %s (log %s/%s)\n", c.Service.Name, c.Service.LogLevel, c.Service.LogFormat)
	fmt.Fprintf(&b, "state:      %s\n", c.State.Path)
	fmt.Fprintf(&b, "api:        %s (public %s, %d tokens)\n", c.API.Listen, c.API.PublicURL, len(c.API.Tokens))
	fmt.Fprintf(&b, "webhooks:   %s%s (tolerance %s, jwks ttl %s)\n", c.Webhooks.Listen, c.Webhooks.Path,
		c.Webhooks.TimestampTolerance, c.Webhooks.JWKSTTL)
	fmt.Fprintf(&b, "fal:        %s model=%s\n", c.Fal.QueueURL, c.Fal.DefaultModel)
	notify := "disabled"
	if c.Notify.URL != "" {
		notify = c.Notify.URL
	}
	fmt.Fprintf(&b, "notify:     %s\n", notify)
	fmt.Fprintf(&b, "media:      %s\n", c.Media.Driver)
	fmt.Fprintf(&b, "reconcile:  enabled=%t every %s, stale after %s, max age %s\n",
		c.Reconcile.IsEnabled(), c.Reconcile.Interval, c.Reconcile.StaleAfter, c.Reconcile.MaxAge)
	fmt.Fprintf(&b, "tasks:      max %d concurrent, timeout %s\n", c.Tasks.MaxConcurrent, durationOrNone(c.Tasks.Timeout))
	return b.String()
}

func durationOrNone(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
