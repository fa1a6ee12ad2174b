package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TEAMFORGE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "teamforge.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultIssuer       = "tauth"
	defaultCookieName   = "app_session"
	defaultKeyMode      = KeyModeGroup
	defaultOpenWorkers  = 4
	defaultCORSOrigins  = ""
)

// Supported chat key modes.
const (
	KeyModeGroup  = "group"
	KeyModeStatic = "static"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	ChatKey              string
	ChatKeyMode          string
	ChatOpenWorkers      int
	CORSAllowedOrigins   []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("chat.key_mode", defaultKeyMode)
	configViper.SetDefault("chat.open_workers", defaultOpenWorkers)
	configViper.SetDefault("cors.allowed_origins", defaultCORSOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        strings.TrimSpace(configViper.GetString("session.issuer")),
		SessionCookieName:    strings.TrimSpace(configViper.GetString("session.cookie_name")),
		ChatKey:              strings.TrimSpace(configViper.GetString("chat.key")),
		ChatKeyMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("chat.key_mode"))),
		ChatOpenWorkers:      configViper.GetInt("chat.open_workers"),
		CORSAllowedOrigins:   splitOrigins(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.ChatKey == "" {
		return fmt.Errorf("chat.key is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionCookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.ChatKeyMode {
	case KeyModeGroup, KeyModeStatic:
	default:
		return fmt.Errorf("chat.key_mode must be %q or %q, got %q", KeyModeGroup, KeyModeStatic, c.ChatKeyMode)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.ChatOpenWorkers <= 0 {
		return fmt.Errorf("chat.open_workers must be positive")
	}
	for _, origin := range c.CORSAllowedOrigins {
		// Session cookies make every cross-origin response credentialed.
		if origin == "*" {
			return fmt.Errorf("cors.allowed_origins must list explicit origins, got %q", origin)
		}
	}
	return nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
