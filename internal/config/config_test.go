package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want text (dev default)", cfg.LogFormat)
	}
	if cfg.TokenTTL != DefaultTokenTTL {
		t.Errorf("TokenTTL=%v, want %v", cfg.TokenTTL, DefaultTokenTTL)
	}
	if cfg.TokenMaxRequests != DefaultTokenMaxReqs {
		t.Errorf("TokenMaxRequests=%d, want %d", cfg.TokenMaxRequests, DefaultTokenMaxReqs)
	}
	if len(cfg.STUNURLs) != len(DefaultSTUNURLs) {
		t.Errorf("STUNURLs=%v, want defaults", cfg.STUNURLs)
	}
}

func TestLoad_ProdRequiresTokenSecret(t *testing.T) {
	_, err := load(lookupFromMap(map[string]string{
		envVarMode: "prod",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarTokenSecret) {
		t.Fatalf("err=%v, want missing %s error", err, envVarTokenSecret)
	}

	cfg, err := load(lookupFromMap(map[string]string{
		envVarMode:        "prod",
		envVarTokenSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat=%q, want json (prod default)", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel=%v, want info (prod default)", cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		envVarListenAddr: "127.0.0.1:9999",
	}), []string{"-listen", "0.0.0.0:4443"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:4443" {
		t.Errorf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad mode", map[string]string{envVarMode: "staging"}},
		{"bad log level", map[string]string{envVarLogLevel: "verbose"}},
		{"bad ttl", map[string]string{envVarTokenTTL: "soon"}},
		{"negative ttl", map[string]string{envVarTokenTTL: "-5m"}},
		{"zero max requests", map[string]string{envVarTokenMaxRequests: "0"}},
		{"bad signaling scheme", map[string]string{envVarSignalingURL: "http://example.com/video"}},
		{"bad stun entry", map[string]string{envVarSTUNURLs: "turn:relay.example.com"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupFromMap(tc.env), nil); err == nil {
				t.Fatalf("expected error for %v", tc.env)
			}
		})
	}
}

func TestLoad_ParsesDurationsAndLists(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		envVarTokenTTL:        "30m",
		envVarTokenRateWindow: "5m",
		envVarSTUNURLs:        "stun:stun.example.com:3478, stun:stun2.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("TokenTTL=%v, want 30m", cfg.TokenTTL)
	}
	if cfg.TokenRateWindow != 5*time.Minute {
		t.Errorf("TokenRateWindow=%v, want 5m", cfg.TokenRateWindow)
	}
	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("STUNURLs=%v", cfg.STUNURLs)
	}
}
