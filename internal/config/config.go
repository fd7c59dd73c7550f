package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarListenAddr      = "PAIRWAVE_LISTEN_ADDR"
	envVarMode            = "PAIRWAVE_MODE"
	envVarLogFormat       = "PAIRWAVE_LOG_FORMAT"
	envVarLogLevel        = "PAIRWAVE_LOG_LEVEL"
	envVarShutdownTimeout = "PAIRWAVE_SHUTDOWN_TIMEOUT"

	// Token issuance service.
	envVarTokenSecret      = "PAIRWAVE_TOKEN_SECRET"
	envVarTokenTTL         = "PAIRWAVE_TOKEN_TTL"
	envVarTokenMaxRequests = "PAIRWAVE_TOKEN_MAX_REQUESTS"
	envVarTokenRateWindow  = "PAIRWAVE_TOKEN_RATE_WINDOW"

	// Session client endpoints.
	envVarTokenURL     = "PAIRWAVE_TOKEN_URL"
	envVarSignalingURL = "PAIRWAVE_SIGNALING_URL"
	envVarPresenceURL  = "PAIRWAVE_PRESENCE_URL"
	envVarSTUNURLs     = "PAIRWAVE_STUN_URLS"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultTokenTTL        = time.Hour
	DefaultTokenMaxReqs    = 10
	DefaultTokenRateWindow = 15 * time.Minute
	DefaultTokenURL        = "http://localhost:8080/token"
	DefaultSignalingURL    = "ws://localhost:5000/video"
	DefaultPresenceURL     = "ws://localhost:5000/presence"
)

// DefaultSTUNURLs is the STUN-only ICE set; there is no TURN fallback.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	TokenSecret      string
	TokenTTL         time.Duration
	TokenMaxRequests int
	TokenRateWindow  time.Duration

	TokenURL     string
	SignalingURL string
	PresenceURL  string
	STUNURLs     []string
}

// Load reads configuration from a .env file (if present), environment
// variables, and flags. Flags win over env; env wins over .env defaults
// (godotenv never overwrites variables already set).
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{}

	modeRaw := envOrDefault(lookup, envVarMode, string(ModeDev))

	fs := flag.NewFlagSet("pairwave", flag.ContinueOnError)
	listenAddr := fs.String("listen", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "HTTP listen address for the token service")
	mode := fs.String("mode", modeRaw, "runtime mode: dev or prod")
	logFormat := fs.String("log-format", envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeRaw)), "log format: text or json")
	logLevel := fs.String("log-level", envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeRaw)), "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listenAddr

	var err error
	if cfg.Mode, err = parseMode(*mode); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(*logFormat); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(*logLevel); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}

	cfg.TokenSecret = envOrDefault(lookup, envVarTokenSecret, "")
	if cfg.Mode == ModeProd && cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("%s is required in prod mode", envVarTokenSecret)
	}
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = "dev-secret-do-not-use-in-production"
	}

	if cfg.TokenTTL, err = envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.TokenMaxRequests, err = envIntOrDefault(lookup, envVarTokenMaxRequests, DefaultTokenMaxReqs); err != nil {
		return Config{}, err
	}
	if cfg.TokenMaxRequests < 1 {
		return Config{}, fmt.Errorf("%s must be >= 1", envVarTokenMaxRequests)
	}
	if cfg.TokenRateWindow, err = envDurationOrDefault(lookup, envVarTokenRateWindow, DefaultTokenRateWindow); err != nil {
		return Config{}, err
	}

	cfg.TokenURL = envOrDefault(lookup, envVarTokenURL, DefaultTokenURL)
	cfg.SignalingURL = envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	cfg.PresenceURL = envOrDefault(lookup, envVarPresenceURL, DefaultPresenceURL)

	for _, name := range []struct {
		key, raw string
		schemes  []string
	}{
		{envVarTokenURL, cfg.TokenURL, []string{"http", "https"}},
		{envVarSignalingURL, cfg.SignalingURL, []string{"ws", "wss"}},
		{envVarPresenceURL, cfg.PresenceURL, []string{"ws", "wss"}},
	} {
		if err := validateURL(name.key, name.raw, name.schemes); err != nil {
			return Config{}, err
		}
	}

	if cfg.STUNURLs, err = parseSTUNURLs(envOrDefault(lookup, envVarSTUNURLs, "")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func validateURL(key, raw string, schemes []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: expected scheme %s", key, raw, strings.Join(schemes, " or "))
}

func parseSTUNURLs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), DefaultSTUNURLs...), nil
	}
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		u := strings.TrimSpace(part)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("invalid %s entry %q: expected stun: or stuns: URL", envVarSTUNURLs, u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%s contained no usable entries", envVarSTUNURLs)
	}
	return urls, nil
}
