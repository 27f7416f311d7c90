package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the emma realtime relay.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// OpenAIAPIKey is the shared issuer credential. Its absence is a fatal
	// authentication error surfaced on every issuance attempt, never retried.
	OpenAIAPIKey    string
	RealtimeBaseURL string
	RealtimeModel   string

	DefaultVoice        string
	DefaultInstructions string
	DefaultTemperature  float64

	ConnectTimeout    time.Duration
	NegotiateTimeout  time.Duration
	StatusTimeout     time.Duration
	DisconnectTimeout time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	SessionSweepInterval time.Duration

	DatabaseURL string
}

const defaultInstructions = "You are Emma, a friendly and helpful AI assistant. You provide " +
	"assistance with various tasks while maintaining a warm, conversational tone. You can " +
	"understand and respond to voice naturally, including handling interruptions and " +
	"maintaining context throughout the conversation."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "emma"),
		OpenAIAPIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeBaseURL:      envOrDefault("OPENAI_REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		RealtimeModel:        envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		DefaultVoice:         envOrDefault("APP_DEFAULT_VOICE", "alloy"),
		DefaultInstructions:  envOrDefault("APP_DEFAULT_INSTRUCTIONS", defaultInstructions),
		DefaultTemperature:   0.8,
		ShutdownTimeout:      15 * time.Second,
		ConnectTimeout:       30 * time.Second,
		NegotiateTimeout:     10 * time.Second,
		StatusTimeout:        5 * time.Second,
		DisconnectTimeout:    10 * time.Second,
		RetryMaxAttempts:     3,
		RetryBaseDelay:       time.Second,
		SessionSweepInterval: 5 * time.Second,
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("APP_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NegotiateTimeout, err = durationFromEnv("APP_NEGOTIATE_TIMEOUT", cfg.NegotiateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StatusTimeout, err = durationFromEnv("APP_STATUS_TIMEOUT", cfg.StatusTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DisconnectTimeout, err = durationFromEnv("APP_DISCONNECT_TIMEOUT", cfg.DisconnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryMaxAttempts, err = intFromEnv("APP_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = durationFromEnv("APP_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTemperature, err = floatFromEnv("APP_DEFAULT_TEMPERATURE", cfg.DefaultTemperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.RetryMaxAttempts < 1 {
		return Config{}, fmt.Errorf("APP_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RetryBaseDelay <= 0 {
		return Config{}, fmt.Errorf("APP_RETRY_BASE_DELAY must be positive")
	}
	for _, tc := range []struct {
		key string
		d   time.Duration
	}{
		{"APP_CONNECT_TIMEOUT", cfg.ConnectTimeout},
		{"APP_NEGOTIATE_TIMEOUT", cfg.NegotiateTimeout},
		{"APP_STATUS_TIMEOUT", cfg.StatusTimeout},
		{"APP_DISCONNECT_TIMEOUT", cfg.DisconnectTimeout},
	} {
		if tc.d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", tc.key)
		}
	}
	if cfg.DefaultTemperature < 0 || cfg.DefaultTemperature > 2 {
		return Config{}, fmt.Errorf("APP_DEFAULT_TEMPERATURE must be within [0, 2]")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
