package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("chat.key", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionIssuer != "tauth" || cfg.SessionCookieName != "app_session" {
		t.Fatalf("unexpected session defaults: %+v", cfg)
	}
	if cfg.ChatKeyMode != KeyModeGroup || cfg.ChatOpenWorkers != 4 {
		t.Fatalf("unexpected chat defaults: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("expected same-origin only by default, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TEAMFORGE_SESSION_SIGNING_SECRET", "env-secret")
	t.Setenv("TEAMFORGE_CHAT_KEY", "env-key")
	t.Setenv("TEAMFORGE_CHAT_KEY_MODE", "STATIC")
	t.Setenv("TEAMFORGE_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SessionSigningSecret != "env-secret" || cfg.ChatKey != "env-key" {
		t.Fatalf("expected env values, got %+v", cfg)
	}
	if cfg.ChatKeyMode != KeyModeStatic {
		t.Fatalf("expected static key mode, got %q", cfg.ChatKeyMode)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	testCases := []struct {
		name     string
		values   map[string]string
		expected string
	}{
		{name: "missing signing secret", values: map[string]string{"chat.key": "k"}, expected: "session.signing_secret"},
		{name: "missing chat key", values: map[string]string{"session.signing_secret": "s"}, expected: "chat.key"},
		{name: "unknown key mode", values: map[string]string{"session.signing_secret": "s", "chat.key": "k", "chat.key_mode": "rotating"}, expected: "chat.key_mode"},
		{name: "unknown log format", values: map[string]string{"session.signing_secret": "s", "chat.key": "k", "log.format": "xml"}, expected: "log.format"},
		{name: "wildcard origin", values: map[string]string{"session.signing_secret": "s", "chat.key": "k", "cors.allowed_origins": "https://a.example,*"}, expected: "cors.allowed_origins"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}
