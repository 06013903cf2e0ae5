package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-check1B/telephony-core/internal/telephony"
)

const sampleConfig = `
[server]
port = 8080
host = "127.0.0.1"
public_base_url = "https://example.ngrok.app"
read_timeout_seconds = 30

[logging]
level = "debug"
format = "json"

[telephony]
provider = "twilio"
account_sid = "AC123"
auth_token = "token"
default_caller_id = "+15550100001"
webhook_url = "https://example.ngrok.app/api/v1/webhooks/twilio/incoming"

[media]
buffer_capacity = 50

[storage]
sqlite_path = "test.db"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "https://example.ngrok.app", cfg.Server.PublicBaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "twilio", cfg.Telephony.Provider)
	assert.Equal(t, "AC123", cfg.Telephony.AccountSID)
	assert.Equal(t, 50, cfg.Media.BufferCapacity)
	assert.Equal(t, "test.db", cfg.Storage.SQLitePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "this is not = [valid toml"))
	assert.Error(t, err)
}

func TestLoadWithFallbackPrefersExplicitPath(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadWithFallbackAllMissing(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(cwd) })

	_, err = LoadWithFallback("")
	assert.Error(t, err)
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
port = 9000
public_base_url = "https://example.com"

[telephony]
provider = "telnyx"
api_key = "KEY"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.Media.BufferCapacity)
	assert.Equal(t, "/ws/media-stream", cfg.Media.StreamPath)
	assert.Equal(t, "telephony-core.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "POST", cfg.Telephony.CallbackMethod)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing public base url", func(c *Config) { c.Server.PublicBaseURL = "" }},
		{"unknown provider", func(c *Config) { c.Telephony.Provider = "vonage" }},
		{"twilio without credentials", func(c *Config) { c.Telephony.AuthToken = "" }},
		{"bad caller id", func(c *Config) { c.Telephony.DefaultCallerID = "5551234" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTelephonyConfigConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	converted := cfg.TelephonyConfig()
	assert.Equal(t, telephony.ProviderTwilio, converted.Provider)
	assert.Equal(t, "AC123", converted.AccountSID)
	assert.Equal(t, "token", converted.AuthToken)
	assert.Equal(t, "+15550100001", converted.DefaultCallerID)
	assert.Equal(t, "https://example.ngrok.app/api/v1/webhooks/twilio/incoming", converted.WebhookURL)
}
