package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":7000"
  idle_timeout: 45s
chat:
  duplicate_login: replace
  echo_broadcast: false
  delete_window: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Listen)
	require.Equal(t, 45*time.Second, cfg.Server.IdleTimeout)
	require.Equal(t, DuplicateReplace, cfg.Chat.DuplicateLogin)
	require.False(t, cfg.Chat.EchoBroadcast)
	require.Equal(t, 2*time.Minute, cfg.Chat.DeleteWindow)
	// untouched values keep their defaults
	require.Equal(t, 3, cfg.Server.AuthAttempts)
	require.Equal(t, 4096, cfg.Chat.MaxMessageLength)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \":7000\"\n")
	t.Setenv("CHAT_LISTEN", ":7100")
	t.Setenv("CHAT_AUTH_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7100", cfg.Server.Listen)
	require.Equal(t, 5, cfg.Server.AuthAttempts)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }},
		{"zero attempts", func(c *Config) { c.Server.AuthAttempts = 0 }},
		{"frame too small", func(c *Config) { c.Server.MaxFrame = 100 }},
		{"frame too small for multibyte", func(c *Config) { c.Server.MaxFrame = 2*c.Chat.MaxMessageLength + 64 }},
		{"bad policy", func(c *Config) { c.Chat.DuplicateLogin = "kick" }},
		{"no credential store", func(c *Config) { c.Paths.Users = "" }},
		{"zero argon memory", func(c *Config) { c.Security.ArgonMemoryKiB = 0 }},
	}

	require.NoError(t, Default().Validate())
	require.GreaterOrEqual(t, Default().Server.MaxFrame, MinFrameFor(Default().Chat.MaxMessageLength))

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
