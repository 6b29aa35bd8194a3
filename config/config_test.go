package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `cryptostream:
  name: "TestApp"
  version: "1.0"
stream:
  ping_interval: 5s
  pong_timeout: 15s
venues:
  allin:
    enabled: true
    ws_url: "wss://ws.example.com/ws"
    rest_url: "https://api.example.com"
    symbols: ["BTC/USDT"]
    api_key: "from-file"
  binance:
    enabled: false
storage:
  s3:
    enabled: false
`

// writeTempConfig writes content to a temp YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cryptostream.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Cryptostream.Name)
	}
	if cfg.Stream.PingInterval != 5*time.Second {
		t.Errorf("unexpected ping interval: %s", cfg.Stream.PingInterval)
	}
	// untouched keys keep their defaults
	if cfg.Stream.SubscribeTimeout != 10*time.Second {
		t.Errorf("unexpected subscribe timeout: %s", cfg.Stream.SubscribeTimeout)
	}
	if cfg.Reconcile.MaxAttempts != 3 {
		t.Errorf("unexpected reconcile attempts: %d", cfg.Reconcile.MaxAttempts)
	}
	if got := cfg.EnabledVenues(); len(got) != 1 || got[0] != "allin" {
		t.Errorf("unexpected enabled venues: %v", got)
	}
}

func TestLoadConfigVenueCredentialsFromEnv(t *testing.T) {
	t.Setenv("ALLIN_API_KEY", " env-key ")
	t.Setenv("ALLIN_API_SECRET", "env-secret")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	v := cfg.Venues["allin"]
	if v.APIKey != "env-key" || v.APISecret != "env-secret" {
		t.Fatalf("env credentials not applied: %+v", v)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `cryptostream: {version: "1"}
venues: {allin: {enabled: true, ws_url: "wss://x", symbols: ["BTC/USDT"]}}`},
		{"no venues", `cryptostream: {name: a, version: "1"}`},
		{"venue without url", `cryptostream: {name: a, version: "1"}
venues: {allin: {enabled: true, symbols: ["BTC/USDT"]}}`},
		{"pong shorter than ping", `cryptostream: {name: a, version: "1"}
stream: {ping_interval: 10s, pong_timeout: 1s}
venues: {allin: {enabled: true, ws_url: "wss://x", symbols: ["BTC/USDT"]}}`},
		{"archive without s3", `cryptostream: {name: a, version: "1"}
archive: {enabled: true}
venues: {allin: {enabled: true, ws_url: "wss://x", symbols: ["BTC/USDT"]}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadConfig(writeTempConfig(t, c.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("CRYPTOSTREAM_ENV", "")
	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(""); got != "config/config.production.yml" {
		t.Fatalf("unexpected production path: %s", got)
	}
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Fatalf("explicit path should win, got %s", got)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolvePath(""); got != defaultConfigPath {
		t.Fatalf("unexpected development path: %s", got)
	}
	if IsProductionLike(AppEnvironment()) {
		t.Fatalf("development should not be production-like")
	}

	t.Setenv("CRYPTOSTREAM_ENV", "staging")
	t.Setenv("APP_ENV", "production")
	if got := ResolvePath(defaultConfigPath); got != "config/config.staging.yml" {
		t.Fatalf("CRYPTOSTREAM_ENV should take precedence, got %s", got)
	}
}

func TestParseEnvironment(t *testing.T) {
	cases := []struct {
		raw  string
		want Environment
	}{
		{"", Development},
		{" Local ", Development},
		{"stagging", Staging},
		{"PROD", Production},
		{"live", Production},
		{"qa", Environment("qa")},
	}
	for _, c := range cases {
		if got := ParseEnvironment(c.raw); got != c.want {
			t.Errorf("ParseEnvironment(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
	if got := Environment("qa").ConfigFile(); got != defaultConfigPath {
		t.Fatalf("unknown stage should use the default file, got %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
