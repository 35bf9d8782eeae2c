package webhook

import (
	"fmt"

	"github.com/mattjoyce/refashion-gw/internal/config"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:      wc.Listen,
		Path:        wc.Path,
		MaxBodySize: DefaultMaxBodySize,
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if wc.MaxBodySize != "" {
		size, err := config.ParseSize(wc.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", cfg.Path, wc.MaxBodySize, err)
		}
		cfg.MaxBodySize = size
	}
	return cfg, nil
}
