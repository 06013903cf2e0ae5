// Package config loads and validates the TOML application configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/m-check1B/telephony-core/internal/telephony"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Telephony TelephonyConfig `toml:"telephony"` // Vendor adapter settings
	Media     MediaConfig     `toml:"media"`     // Media stream settings
	Storage   StorageConfig   `toml:"storage"`   // Call log persistence settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for webhooks and the media-stream endpoint
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	PublicBaseURL    string `toml:"public_base_url"`       // Externally reachable base URL, used to build the media stream URL handed to the vendor
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" or "console"
}

// TelephonyConfig contains vendor adapter configuration. Credentials for
// the vendor that is not selected may be left empty.
type TelephonyConfig struct {
	Provider          string `toml:"provider"`                // "twilio" or "telnyx"
	AccountSID        string `toml:"account_sid"`             // Twilio account SID
	AuthToken         string `toml:"auth_token"`              // Twilio auth token, also the webhook signature key
	APIKey            string `toml:"api_key"`                 // Telnyx API key
	ConnectionID      string `toml:"connection_id"`           // Telnyx call-control connection ID
	WebhookSecret     string `toml:"webhook_secret"`          // Telnyx webhook signing secret
	DefaultCallerID   string `toml:"default_caller_id"`       // E.164 number used when an outbound call gives no From
	WebhookURL        string `toml:"webhook_url"`             // Call-control webhook URL registered with the vendor
	StatusCallbackURL string `toml:"status_callback_url"`     // Status-callback webhook URL
	CallbackMethod    string `toml:"callback_method"`         // "GET" or "POST" (default POST)
	APIBaseURL        string `toml:"api_base_url"`            // Vendor API base override, for proxies and tests
	RequestTimeoutSec int    `toml:"request_timeout_seconds"` // Vendor REST request timeout (default 30)
}

// MediaConfig contains media stream settings
type MediaConfig struct {
	BufferCapacity int    `toml:"buffer_capacity"` // Audio chunk buffer size (default 100)
	StreamPath     string `toml:"stream_path"`     // WebSocket path the vendor connects back to
}

// StorageConfig contains call log persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the call log SQLite database
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations
// in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	var lastErr error
	for _, path := range searchPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}
	return nil, fmt.Errorf("config file not found in any of the expected locations: %w", lastErr)
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("server.public_base_url is required (the vendor must be able to reach this host)")
	}

	if c.Media.BufferCapacity <= 0 {
		c.Media.BufferCapacity = 100
	}
	if c.Media.StreamPath == "" {
		c.Media.StreamPath = "/ws/media-stream"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "telephony-core.db"
	}
	if c.Telephony.CallbackMethod == "" {
		c.Telephony.CallbackMethod = "POST"
	}

	return c.TelephonyConfig().Validate()
}

// TelephonyConfig converts the TOML section into the adapter config type
func (c *Config) TelephonyConfig() *telephony.Config {
	return &telephony.Config{
		Provider:          telephony.ProviderName(c.Telephony.Provider),
		AccountSID:        c.Telephony.AccountSID,
		AuthToken:         c.Telephony.AuthToken,
		APIKey:            c.Telephony.APIKey,
		ConnectionID:      c.Telephony.ConnectionID,
		PublicKey:         c.Telephony.WebhookSecret,
		DefaultCallerID:   c.Telephony.DefaultCallerID,
		WebhookURL:        c.Telephony.WebhookURL,
		StatusCallbackURL: c.Telephony.StatusCallbackURL,
		CallbackMethod:    c.Telephony.CallbackMethod,
		APIBaseURL:        c.Telephony.APIBaseURL,
		RequestTimeoutSec: c.Telephony.RequestTimeoutSec,
	}
}
