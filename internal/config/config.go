// Package config holds the gateway configuration tree. Files are JSON5 so
// operators can comment them; secrets are never persisted and come from the
// environment only.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config is the root configuration for the Hearth gateway.
type Config struct {
	Workspace string          `json:"workspace"`
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the WebSocket RPC server.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"` // default 127.0.0.1
	Port           int      `json:"port,omitempty"` // default 18900, env GATEWAY_PORT
	Token          string   `json:"-"`              // env HEARTH_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // 0 = disabled
	IdleTimeoutSec int      `json:"idle_timeout_sec,omitempty"` // default 120
}

// AgentsConfig holds the default runtime environment plus named overrides.
type AgentsConfig struct {
	Defaults EnvSpec            `json:"defaults"`
	Envs     map[string]EnvSpec `json:"envs,omitempty"`
}

// EnvSpec configures one RuntimeEnv. Zero values inherit from defaults.
type EnvSpec struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	FallbackModel    string  `json:"fallback_model,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxToolRounds    int     `json:"max_tool_rounds,omitempty"`    // default 8
	MaxContextTokens int     `json:"max_context_tokens,omitempty"` // default 100000
	KeepRecent       int     `json:"keep_recent,omitempty"`        // compaction tail, default 10
	QueueBound       int     `json:"queue_bound,omitempty"`        // per-session turn queue, default 8
	ToolRateLimit    int     `json:"tool_rate_limit_per_min,omitempty"` // per-tool calls/min, 0 = unlimited
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	Workspace        string  `json:"workspace,omitempty"`
}

// ProvidersConfig holds per-provider settings. Keys come from env only.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic,omitempty"`
}

// AnthropicConfig configures the Anthropic-compatible provider.
type AnthropicConfig struct {
	APIKeys        []string `json:"-"` // env ANTHROPIC_API_KEY / ANTHROPIC_API_KEYS (comma separated)
	BaseURL        string   `json:"base_url,omitempty"`
	DefaultModel   string   `json:"default_model,omitempty"`
	CooldownSec    int      `json:"cooldown_sec,omitempty"` // auth-error credential cooldown, default 300
	RequestTimeout int      `json:"request_timeout_sec,omitempty"`
}

// ChannelsConfig enumerates channel plugin configs.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WebChat  WebChatConfig  `json:"webchat,omitempty"`
}

// ChannelCommon is shared per-channel policy configuration.
type ChannelCommon struct {
	Enabled   bool     `json:"enabled,omitempty"`
	AutoStart *bool    `json:"auto_start,omitempty"` // default true when enabled
	Env       string   `json:"env,omitempty"`        // RuntimeEnv name, default "default"
	DMPolicy  string   `json:"dm_policy,omitempty"`  // "open" (default), "allowlist", "pairing", "disabled"
	AllowFrom []string `json:"allow_from,omitempty"`
	SendTimeoutSec int `json:"send_timeout_sec,omitempty"` // default 30
}

// TelegramConfig configures the Telegram channel plugin.
type TelegramConfig struct {
	ChannelCommon
	Token string `json:"-"` // env TELEGRAM_BOT_TOKEN only
}

// DiscordConfig configures the Discord channel plugin.
type DiscordConfig struct {
	ChannelCommon
	Token string `json:"-"` // env DISCORD_BOT_TOKEN only
}

// WebChatConfig configures the embedded WebChat channel.
type WebChatConfig struct {
	ChannelCommon
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	FlushDebounceMS int `json:"flush_debounce_ms,omitempty"` // default 200
}

// BusConfig configures the broadcast ready buffer.
type BusConfig struct {
	ReadyCapacity int   `json:"ready_capacity,omitempty"` // default 1000
	DropIfSlow    *bool `json:"drop_if_slow,omitempty"`   // default true
}

// CronConfig configures the cron service.
type CronConfig struct {
	QueueBound int `json:"queue_bound,omitempty"` // per-job overlap queue, default 4
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ResolveEnv returns the EnvSpec for a named environment with defaults applied.
// Unknown names fall back to defaults.
func (c *Config) ResolveEnv(name string) EnvSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec := c.Agents.Defaults
	if name != "" && name != "default" {
		if over, ok := c.Agents.Envs[name]; ok {
			spec = mergeEnvSpec(spec, over)
		}
	}
	applyEnvDefaults(&spec, c.Workspace)
	return spec
}

// EnvNames lists all configured environment names, "default" first.
func (c *Config) EnvNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := []string{"default"}
	for name := range c.Agents.Envs {
		if name != "default" {
			names = append(names, name)
		}
	}
	return names
}

func mergeEnvSpec(base, over EnvSpec) EnvSpec {
	if over.Provider != "" {
		base.Provider = over.Provider
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.FallbackModel != "" {
		base.FallbackModel = over.FallbackModel
	}
	if over.MaxTokens > 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.Temperature > 0 {
		base.Temperature = over.Temperature
	}
	if over.MaxToolRounds > 0 {
		base.MaxToolRounds = over.MaxToolRounds
	}
	if over.MaxContextTokens > 0 {
		base.MaxContextTokens = over.MaxContextTokens
	}
	if over.KeepRecent > 0 {
		base.KeepRecent = over.KeepRecent
	}
	if over.QueueBound > 0 {
		base.QueueBound = over.QueueBound
	}
	if over.ToolRateLimit > 0 {
		base.ToolRateLimit = over.ToolRateLimit
	}
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	if over.Workspace != "" {
		base.Workspace = over.Workspace
	}
	return base
}

func applyEnvDefaults(spec *EnvSpec, workspace string) {
	if spec.Provider == "" {
		spec.Provider = "anthropic"
	}
	if spec.MaxTokens <= 0 {
		spec.MaxTokens = 8192
	}
	if spec.Temperature <= 0 {
		spec.Temperature = 0.7
	}
	if spec.MaxToolRounds <= 0 {
		spec.MaxToolRounds = 8
	}
	if spec.MaxContextTokens <= 0 {
		spec.MaxContextTokens = 100_000
	}
	if spec.KeepRecent <= 0 {
		spec.KeepRecent = 10
	}
	if spec.QueueBound <= 0 {
		spec.QueueBound = 8
	}
	if spec.Workspace == "" {
		spec.Workspace = workspace
	}
}

// GatewayAddr returns host:port with defaults applied.
func (c *Config) GatewayAddr() string {
	host := c.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(c.GatewayPort())
}

// GatewayPort returns the configured port (default 18900).
func (c *Config) GatewayPort() int {
	if c.Gateway.Port > 0 {
		return c.Gateway.Port
	}
	return 18900
}

// IdleTimeout returns the RPC connection idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	if c.Gateway.IdleTimeoutSec > 0 {
		return time.Duration(c.Gateway.IdleTimeoutSec) * time.Second
	}
	return 120 * time.Second
}

// FlushDebounce returns the session flush batch window.
func (c *Config) FlushDebounce() time.Duration {
	if c.Sessions.FlushDebounceMS > 0 {
		return time.Duration(c.Sessions.FlushDebounceMS) * time.Millisecond
	}
	return 200 * time.Millisecond
}

// SendTimeout returns the channel send wall-clock timeout.
func (cc ChannelCommon) SendTimeout() time.Duration {
	if cc.SendTimeoutSec > 0 {
		return time.Duration(cc.SendTimeoutSec) * time.Second
	}
	return 30 * time.Second
}

// ShouldAutoStart reports whether the channel starts at bootstrap.
func (cc ChannelCommon) ShouldAutoStart() bool {
	if cc.AutoStart != nil {
		return *cc.AutoStart
	}
	return cc.Enabled
}

// EnvName returns the RuntimeEnv the channel routes to.
func (cc ChannelCommon) EnvName() string {
	if cc.Env != "" {
		return cc.Env
	}
	return "default"
}

// ApplyEnvironment overlays credentials and operational settings from process
// env vars. Missing credentials disable the component, they never abort.
func (c *Config) ApplyEnvironment() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ws := os.Getenv("WORKSPACE_DIR"); ws != "" {
		c.Workspace = ws
	}
	if c.Workspace == "" {
		home, _ := os.UserHomeDir()
		c.Workspace = filepath.Join(home, ".hearth", "workspace")
	}
	c.Workspace = expandHome(c.Workspace)

	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Gateway.Port = p
		}
	}
	c.Gateway.Token = os.Getenv("HEARTH_GATEWAY_TOKEN")

	if keys := os.Getenv("ANTHROPIC_API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Providers.Anthropic.APIKeys = append(c.Providers.Anthropic.APIKeys, k)
			}
		}
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Anthropic.APIKeys = []string{key}
	}

	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		c.Channels.Telegram.Token = tok
	} else {
		c.Channels.Telegram.Enabled = false
	}
	if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
		c.Channels.Discord.Token = tok
	} else {
		c.Channels.Discord.Enabled = false
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
