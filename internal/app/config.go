package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/session"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	SentryDSN   string `yaml:"sentry_dsn"`

	// Transcription service
	TranscribeURL         string        `yaml:"transcribe_ws_url"`
	TranscribeAPIKey      string        `yaml:"transcribe_api_key"`
	TranscribeTokenSecret string        `yaml:"transcribe_token_secret"`
	ConnectTimeout        time.Duration `yaml:"transcribe_connect_timeout"`
	WriteTimeout          time.Duration `yaml:"transcribe_write_timeout"`

	// Capture. Frames are always audio.DefaultFrameSize samples.
	SampleRate     int    `yaml:"sample_rate"`
	FrameQueue     int    `yaml:"frame_queue"`
	PlaybackFormat string `yaml:"playback_format"`

	// JWT Authentication for the control API
	JWTSecret string `yaml:"api_jwt_secret"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:       ":8090",
		ConnectTimeout: 15 * time.Second,
		WriteTimeout:   2 * time.Second,
		SampleRate:     16000,
		FrameQueue:     32,
		PlaybackFormat: audio.FormatOgg,
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// named by SCRIBE_CONFIG and the environment, in that order. A .env file in
// the working directory is loaded first if present.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := defaultConfig()
	if path := os.Getenv("SCRIBE_CONFIG"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SentryDSN = getenv("SENTRY_DSN", cfg.SentryDSN)

	cfg.TranscribeURL = getenv("TRANSCRIBE_WS_URL", cfg.TranscribeURL)
	cfg.TranscribeAPIKey = getenv("TRANSCRIBE_API_KEY", cfg.TranscribeAPIKey)
	cfg.TranscribeTokenSecret = getenv("TRANSCRIBE_TOKEN_SECRET", cfg.TranscribeTokenSecret)
	cfg.ConnectTimeout = getenvDuration("TRANSCRIBE_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.WriteTimeout = getenvDuration("TRANSCRIBE_WRITE_TIMEOUT", cfg.WriteTimeout)

	cfg.SampleRate = getenvIntClamped("SAMPLE_RATE", cfg.SampleRate, 8000, 48000)
	cfg.FrameQueue = getenvIntClamped("FRAME_QUEUE", cfg.FrameQueue, 1, 1024)
	cfg.PlaybackFormat = getenv("PLAYBACK_FORMAT", cfg.PlaybackFormat)

	cfg.JWTSecret = getenv("API_JWT_SECRET", cfg.JWTSecret)
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr cannot be empty")
	}
	if c.TranscribeURL == "" {
		return errors.New("TRANSCRIBE_WS_URL is required")
	}
	u, err := url.Parse(c.TranscribeURL)
	if err != nil {
		return fmt.Errorf("invalid TRANSCRIBE_WS_URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("TRANSCRIBE_WS_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	switch c.PlaybackFormat {
	case audio.FormatOgg, audio.FormatWAV, session.PlaybackNone:
	default:
		return fmt.Errorf("playback_format must be ogg, wav or none, got %q", c.PlaybackFormat)
	}
	if c.PlaybackFormat == audio.FormatOgg {
		switch c.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			return fmt.Errorf("ogg playback needs an Opus sample rate (8000, 12000, 16000, 24000, 48000), got %d", c.SampleRate)
		}
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an integer, falling back to def when unset or
// invalid and clamping the result to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
