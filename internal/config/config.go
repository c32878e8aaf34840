package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime options. Flags win over SIPHON_* environment
// variables, which win over the built-in defaults.
type Config struct {
	Automated   bool
	DBPath      string
	DownloadDir string
	SolverURL   string

	TelegramToken  string
	TelegramChatID string
	TelegramAPI    string

	DownloadWorkers int
	UploadWorkers   int
	SessionTTL      time.Duration
	CheckInterval   time.Duration

	APIPort    int
	SpeedLimit int // bytes/sec, 0 = unlimited
}

const (
	DefaultDownloadWorkers = 3
	DefaultUploadWorkers   = 2
	DefaultSessionTTL      = 30 * time.Minute
	DefaultCheckInterval   = 60 * time.Minute
	DefaultTelegramAPI     = "https://api.telegram.org"
)

// Load parses flags and environment into a validated Config.
// A .env file in the working directory is honored if present.
func Load(args []string) (*Config, error) {
	// Missing .env is fine; only report real read errors via the caller's logger.
	_ = godotenv.Load(".env")

	cfg := &Config{}

	fs := flag.NewFlagSet("siphon", flag.ContinueOnError)
	fs.BoolVar(&cfg.Automated, "automated", envBool("SIPHON_AUTOMATED", false), "run the automation loop instead of a single cycle")
	fs.StringVar(&cfg.DBPath, "db", envString("SIPHON_DB", "siphon.db"), "sqlite database path")
	fs.StringVar(&cfg.DownloadDir, "download-dir", envString("SIPHON_DOWNLOAD_DIR", "downloads"), "root directory for downloads and logs")
	fs.StringVar(&cfg.SolverURL, "solver-url", envString("SIPHON_SOLVER_URL", "http://localhost:8191/v1"), "challenge solver endpoint")
	fs.StringVar(&cfg.TelegramToken, "telegram-token", envString("SIPHON_TELEGRAM_TOKEN", ""), "telegram bot token (delivery)")
	fs.StringVar(&cfg.TelegramChatID, "telegram-chat", envString("SIPHON_TELEGRAM_CHAT", ""), "telegram chat id (delivery)")
	fs.StringVar(&cfg.TelegramAPI, "telegram-api", envString("SIPHON_TELEGRAM_API", DefaultTelegramAPI), "telegram API base URL")
	fs.IntVar(&cfg.DownloadWorkers, "downloads", envInt("SIPHON_DOWNLOADS", DefaultDownloadWorkers), "concurrent download workers")
	fs.IntVar(&cfg.UploadWorkers, "uploads", envInt("SIPHON_UPLOADS", DefaultUploadWorkers), "concurrent upload workers")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", envDuration("SIPHON_SESSION_TTL", DefaultSessionTTL), "solver session lifetime")
	fs.DurationVar(&cfg.CheckInterval, "check-interval", envDuration("SIPHON_CHECK_INTERVAL", DefaultCheckInterval), "default channel check interval")
	fs.IntVar(&cfg.APIPort, "api-port", envInt("SIPHON_API_PORT", 0), "loopback control API port (0 = disabled)")
	fs.IntVar(&cfg.SpeedLimit, "speed-limit", envInt("SIPHON_SPEED_LIMIT", 0), "global download limit in bytes/sec (0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("download directory must not be empty")
	}
	if c.SolverURL == "" {
		return fmt.Errorf("solver URL must not be empty")
	}
	if c.DownloadWorkers < 1 {
		c.DownloadWorkers = 1
	}
	if c.DownloadWorkers > 10 {
		c.DownloadWorkers = 10
	}
	if c.UploadWorkers < 0 {
		c.UploadWorkers = 0
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return nil
}

// DeliveryEnabled reports whether all three telegram options are set.
func (c *Config) DeliveryEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != "" && c.TelegramAPI != ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are minutes, matching the documented *_minutes options.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return def
}
