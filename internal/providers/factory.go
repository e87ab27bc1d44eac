package providers

import (
	"fmt"
	"time"

	"github.com/openhearth/hearth/internal/config"
)

// FromConfig builds the named provider from configuration.
func FromConfig(name string, cfg *config.Config) (Provider, error) {
	switch name {
	case "", "anthropic":
		ac := cfg.Providers.Anthropic
		if len(ac.APIKeys) == 0 {
			return nil, fmt.Errorf("providers: anthropic selected but no API key configured")
		}
		opts := []AnthropicOption{
			WithAnthropicModel(ac.DefaultModel),
			WithAnthropicBaseURL(ac.BaseURL),
		}
		if ac.CooldownSec > 0 {
			opts = append(opts, WithAnthropicCooldown(time.Duration(ac.CooldownSec)*time.Second))
		}
		if ac.RequestTimeout > 0 {
			opts = append(opts, WithAnthropicTimeout(time.Duration(ac.RequestTimeout)*time.Second))
		}
		return NewAnthropicProvider(ac.APIKeys, opts...), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
}
