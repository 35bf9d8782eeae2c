package config

import "time"

// Config represents the complete refashion-gw configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Fal       FalConfig       `yaml:"fal"`
	Notify    NotifyConfig    `yaml:"notify"`
	Media     MediaConfig     `yaml:"media"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the application API server.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// PublicURL is the externally reachable base of this service; the Fal
	// callback URL is derived from it.
	PublicURL string     `yaml:"public_url"`
	APIKey    string     `yaml:"api_key"`
	Tokens    []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the inbound provider webhook listener.
type WebhooksConfig struct {
	Listen             string        `yaml:"listen"`
	Path               string        `yaml:"path"`
	MaxBodySize        string        `yaml:"max_body_size"`
	JWKSURL            string        `yaml:"jwks_url"`
	JWKSTTL            time.Duration `yaml:"jwks_ttl"`
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance"`
}

type FalConfig struct {
	APIKey       string `yaml:"api_key"`
	QueueURL     string `yaml:"queue_url"`
	DefaultModel string `yaml:"default_model"`
}

// NotifyConfig defines the outbound completion callback. Empty URL disables it.
type NotifyConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type MediaConfig struct {
	Driver        string        `yaml:"driver"`
	Dir           string        `yaml:"dir"`
	PublicBaseURL string        `yaml:"public_base_url"`
	S3            MediaS3Config `yaml:"s3"`
}

type MediaS3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ReconcileConfig controls the stale-job sweep.
type ReconcileConfig struct {
	Enabled    *bool         `yaml:"enabled,omitempty"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	MaxAge     time.Duration `yaml:"max_age"`
	BatchSize  int           `yaml:"batch_size"`
}

// IsEnabled defaults to true when unset.
func (r ReconcileConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type TasksConfig struct {
	MaxConcurrent int64         `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with the service defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "refashion-gw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Webhooks: WebhooksConfig{
			Listen:             "0.0.0.0:8081",
			Path:               "/webhooks/fal",
			MaxBodySize:        "1MB",
			JWKSURL:            "https://rest.alpha.fal.ai/.well-known/jwks.json",
			JWKSTTL:            24 * time.Hour,
			TimestampTolerance: 300 * time.Second,
		},
		Fal: FalConfig{
			QueueURL:     "https://queue.fal.run",
			DefaultModel: "fal-ai/kling-video/v2.1/standard/image-to-video",
		},
		Media: MediaConfig{
			Driver: "passthrough",
			Dir:    "./data/media",
		},
		Reconcile: ReconcileConfig{
			Interval:   time.Minute,
			StaleAfter: 5 * time.Minute,
			MaxAge:     30 * time.Minute,
			BatchSize:  50,
		},
		Tasks: TasksConfig{
			MaxConcurrent: 8,
			Timeout:       5 * time.Minute,
		},
	}
}
