package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port      string
	ClientID  string
	DBPath    string
	LogLevel  string
	LogFormat string // "console" or "json"

	// Broker
	BrokerMode        string // "paper" or "rest"
	BrokerBaseURL     string
	BrokerAPIKey      string
	BrokerAPISecret   string
	BrokerCallTimeout time.Duration
	BrokerRateLimit   float64 // requests per second
	BrokerBurst       int
	LoginAttempts     int

	// Order watcher
	WatcherInterval    time.Duration
	UnconfirmedTimeout time.Duration
	ExitQueueSize      int

	// Prices
	PriceSource string // "broker" or "database"
	PriceMaxAge time.Duration

	Risk           RiskLimits
	RiskConfigPath string

	// History batching
	HistoryBatchSize     int
	HistoryFlushInterval time.Duration

	// Ops API
	JWTSecret      string
	APIRateLimit   float64
	APIBurst       int
	RequestTimeout time.Duration
	CORSOrigins    []string

	// Alerts
	AlertTimeout    time.Duration
	AlertWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	AlertEmailFrom  string
	AlertEmailTo    []string
}

// RiskLimits is the account-level risk configuration. Money values stay
// strings so they convert to decimals without float rounding.
type RiskLimits struct {
	MaxDailyLoss       string        `yaml:"max_daily_loss"`
	TrailingStep       string        `yaml:"trailing_step"`
	CooldownBase       time.Duration `yaml:"cooldown_base"`
	CooldownMultiplier float64       `yaml:"cooldown_multiplier"`
	MaxCooldown        time.Duration `yaml:"max_cooldown"`
	Interval           time.Duration `yaml:"interval"`
	Timezone           string        `yaml:"timezone"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		ClientID:  os.Getenv("CLIENT_ID"),
		DBPath:    getEnv("DB_PATH", "./data/execution.db"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "console")),

		BrokerMode:        strings.ToLower(getEnv("BROKER_MODE", "paper")),
		BrokerBaseURL:     os.Getenv("BROKER_BASE_URL"),
		BrokerAPIKey:      os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret:   os.Getenv("BROKER_API_SECRET"),
		BrokerCallTimeout: getEnvDuration("BROKER_CALL_TIMEOUT", 10*time.Second),
		BrokerRateLimit:   getEnvFloat("BROKER_RATE_LIMIT", 8),
		BrokerBurst:       getEnvInt("BROKER_BURST", 4),
		LoginAttempts:     getEnvInt("BROKER_LOGIN_ATTEMPTS", 3),

		WatcherInterval:    getEnvDuration("WATCHER_INTERVAL", time.Second),
		UnconfirmedTimeout: getEnvDuration("UNCONFIRMED_TIMEOUT", 2*time.Minute),
		ExitQueueSize:      getEnvInt("EXIT_QUEUE_SIZE", 100),

		PriceSource: strings.ToLower(getEnv("PRICE_SOURCE", "broker")),
		PriceMaxAge: getEnvDuration("PRICE_MAX_AGE", 2*time.Second),

		Risk: RiskLimits{
			MaxDailyLoss:       getEnv("RISK_MAX_DAILY_LOSS", "2000"),
			TrailingStep:       getEnv("RISK_TRAILING_STEP", "0"),
			CooldownBase:       getEnvDuration("RISK_COOLDOWN_BASE", 15*time.Minute),
			CooldownMultiplier: getEnvFloat("RISK_COOLDOWN_MULTIPLIER", 2),
			MaxCooldown:        getEnvDuration("RISK_MAX_COOLDOWN", 4*time.Hour),
			Interval:           getEnvDuration("RISK_INTERVAL", 5*time.Second),
			Timezone:           getEnv("RISK_TIMEZONE", "Asia/Kolkata"),
		},
		RiskConfigPath: os.Getenv("RISK_CONFIG_PATH"),

		HistoryBatchSize:     getEnvInt("HISTORY_BATCH_SIZE", 50),
		HistoryFlushInterval: getEnvDuration("HISTORY_FLUSH_INTERVAL", 500*time.Millisecond),

		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		APIRateLimit:   getEnvFloat("API_RATE_LIMIT", 20),
		APIBurst:       getEnvInt("API_BURST", 40),
		RequestTimeout: getEnvDuration("API_REQUEST_TIMEOUT", 15*time.Second),
		CORSOrigins:    splitAndTrim(getEnv("CORS_ORIGINS", "*")),

		AlertTimeout:    getEnvDuration("ALERT_TIMEOUT", 5*time.Second),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        getEnvInt("SMTP_PORT", 587),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		AlertEmailFrom:  os.Getenv("ALERT_EMAIL_FROM"),
		AlertEmailTo:    splitAndTrim(os.Getenv("ALERT_EMAIL_TO")),
	}

	if cfg.RiskConfigPath != "" {
		if err := cfg.Risk.loadFile(cfg.RiskConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("CLIENT_ID is required")
	}
	switch c.BrokerMode {
	case "paper", "rest":
	default:
		return fmt.Errorf("unsupported BROKER_MODE %q", c.BrokerMode)
	}
	if c.BrokerMode == "rest" && c.BrokerBaseURL == "" {
		return errors.New("BROKER_BASE_URL is required in rest mode")
	}
	switch c.PriceSource {
	case "broker", "database":
	default:
		return fmt.Errorf("unsupported PRICE_SOURCE %q", c.PriceSource)
	}
	return nil
}

// loadFile overrides limits with the non-zero values of a YAML file.
func (r *RiskLimits) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read risk config: %w", err)
	}
	var file struct {
		Risk RiskLimits `yaml:"risk"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse risk config: %w", err)
	}

	f := file.Risk
	if f.MaxDailyLoss != "" {
		r.MaxDailyLoss = f.MaxDailyLoss
	}
	if f.TrailingStep != "" {
		r.TrailingStep = f.TrailingStep
	}
	if f.CooldownBase > 0 {
		r.CooldownBase = f.CooldownBase
	}
	if f.CooldownMultiplier > 0 {
		r.CooldownMultiplier = f.CooldownMultiplier
	}
	if f.MaxCooldown > 0 {
		r.MaxCooldown = f.MaxCooldown
	}
	if f.Interval > 0 {
		r.Interval = f.Interval
	}
	if f.Timezone != "" {
		r.Timezone = f.Timezone
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
