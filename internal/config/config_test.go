package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments are allowed
		gateway: { port: 19000 },
		agents: {
			defaults: { model: "claude-sonnet-4-5", max_tool_rounds: 3 },
			envs: {
				dev: { model: "claude-haiku-4-5" },
			},
		},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 19000, cfg.Gateway.Port)

	def := cfg.ResolveEnv("")
	assert.Equal(t, "claude-sonnet-4-5", def.Model)
	assert.Equal(t, 3, def.MaxToolRounds)

	dev := cfg.ResolveEnv("dev")
	assert.Equal(t, "claude-haiku-4-5", dev.Model)
	assert.Equal(t, 3, dev.MaxToolRounds, "unset override fields inherit defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)
	assert.True(t, cfg.Channels.WebChat.Enabled)

	spec := cfg.ResolveEnv("")
	assert.Equal(t, "anthropic", spec.Provider)
	assert.Equal(t, 8, spec.MaxToolRounds)
	assert.Equal(t, 100_000, spec.MaxContextTokens)
	assert.Equal(t, 10, spec.KeepRecent)
}

func TestApplyEnvironmentReadsCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "key-a")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("HEARTH_GATEWAY_TOKEN", "gw-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a"}, cfg.Providers.Anthropic.APIKeys)
	assert.Equal(t, "tg-token", cfg.Channels.Telegram.Token)
	assert.Equal(t, "gw-token", cfg.Gateway.Token)
}

func TestSecretsNeverSerialize(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "key-a")
	t.Setenv("HEARTH_GATEWAY_TOKEN", "gw-token")

	cfg, err := Load("")
	require.NoError(t, err)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "key-a")
	assert.NotContains(t, string(data), "gw-token")
}

func TestPatchMergesAndDeletes(t *testing.T) {
	path := writeConfig(t, `{
		gateway: { port: 19000, idle_timeout_sec: 60 },
	}`)

	require.NoError(t, Patch(path, []byte(`{
		"gateway": { "port": 20000, "idle_timeout_sec": null },
		"cron": { "queue_bound": 2 }
	}`)))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.Gateway.Port)
	assert.Zero(t, cfg.Gateway.IdleTimeoutSec, "null deletes the key")
	assert.Equal(t, 2, cfg.Cron.QueueBound)
}

func TestPatchRejectsInvalidResult(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 19000 } }`)
	err := Patch(path, []byte(`{"gateway": {"port": "not a number"}}`))
	require.Error(t, err)

	// Original file untouched after the failed patch.
	cfg, lerr := Load(path)
	require.NoError(t, lerr)
	assert.Equal(t, 19000, cfg.Gateway.Port)
}
