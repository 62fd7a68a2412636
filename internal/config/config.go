package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// Config holds all application configuration
type Config struct {
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeBaseURL   string
	QuoteCurrency     string

	Symbols        []string
	CandleInterval string
	CandleCount    int

	SignalInterval    time.Duration
	ReconcileInterval time.Duration
	TrailingInterval  time.Duration

	Risk          models.RiskParameters
	MinConfidence float64
	FeePct        float64
	ActivationPct float64

	FillTimeout  time.Duration
	PollInterval time.Duration

	RequestTimeout int // seconds
	RequestsPerSec int
	RetryAttempts  int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	TelegramToken  string
	TelegramChatID int64

	LogLevel string
}

// Load initializes configuration from environment variables
func Load() (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	var cfg Config

	cfg.ExchangeAPIKey = os.Getenv("EXCHANGE_API_KEY")
	cfg.ExchangeAPISecret = os.Getenv("EXCHANGE_API_SECRET")
	cfg.ExchangeBaseURL = getEnvWithDefault("EXCHANGE_BASE_URL", "https://api.crypto.com/v2")
	cfg.QuoteCurrency = getEnvWithDefault("QUOTE_CURRENCY", "USDT")

	cfg.Symbols = splitList(getEnvWithDefault("SYMBOLS", "BTC_USDT"))
	cfg.CandleInterval = getEnvWithDefault("CANDLE_INTERVAL", "5m")
	cfg.CandleCount = getEnvIntWithDefault("CANDLE_COUNT", 100)

	cfg.SignalInterval = time.Duration(getEnvIntWithDefault("SIGNAL_INTERVAL_SEC", 30)) * time.Second
	cfg.ReconcileInterval = time.Duration(getEnvIntWithDefault("RECONCILE_INTERVAL_SEC", 60)) * time.Second
	cfg.TrailingInterval = time.Duration(getEnvIntWithDefault("TRAILING_INTERVAL_SEC", 30)) * time.Second

	cfg.Risk = models.RiskParameters{
		TradeAmount:     getEnvFloatWithDefault("TRADE_AMOUNT", 100),
		RiskPerTradePct: getEnvFloatWithDefault("RISK_PER_TRADE_PCT", 2),
		MaxPositions:    getEnvIntWithDefault("MAX_POSITIONS", 3),
		ATRMultiplier:   getEnvFloatWithDefault("ATR_MULTIPLIER", 2),
		StopLossPct:     getEnvFloatWithDefault("STOP_LOSS_PCT", 5),
		TakeProfitPct:   getEnvFloatWithDefault("TAKE_PROFIT_PCT", 10),
		TrailingEnabled: getEnvBoolWithDefault("TRAILING_ENABLED", true),
		TrailingPct:     getEnvFloatWithDefault("TRAILING_PCT", 3),
		MinFillRatio:    getEnvFloatWithDefault("MIN_FILL_RATIO", 0.9),
	}
	cfg.MinConfidence = getEnvFloatWithDefault("MIN_CONFIDENCE", 0.6)
	cfg.FeePct = getEnvFloatWithDefault("FEE_PCT", 0.075)
	cfg.ActivationPct = getEnvFloatWithDefault("TRAILING_ACTIVATION_PCT", 0.5)

	cfg.FillTimeout = time.Duration(getEnvIntWithDefault("FILL_TIMEOUT_SEC", 45)) * time.Second
	cfg.PollInterval = time.Duration(getEnvIntWithDefault("FILL_POLL_INTERVAL_SEC", 2)) * time.Second

	cfg.RequestTimeout = getEnvIntWithDefault("REQUEST_TIMEOUT", 30)
	cfg.RequestsPerSec = getEnvIntWithDefault("REQUESTS_PER_SEC", 5)
	cfg.RetryAttempts = getEnvIntWithDefault("RETRY_ATTEMPTS", 4)

	cfg.DBHost = getEnvWithDefault("DB_HOST", "localhost")
	cfg.DBPort = getEnvWithDefault("DB_PORT", "5432")
	cfg.DBUser = getEnvWithDefault("DB_USER", "postgres")
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	cfg.DBName = getEnvWithDefault("DB_NAME", "trader")
	cfg.DBSSLMode = getEnvWithDefault("DB_SSL_MODE", "disable")

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = getEnvInt64WithDefault("TELEGRAM_CHAT_ID", 0)

	cfg.LogLevel = getEnvWithDefault("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
		return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one instrument")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.TakeProfitPct <= 0 {
		return fmt.Errorf("stop-loss and take-profit percentages must be positive")
	}
	if c.Risk.MinFillRatio <= 0 || c.Risk.MinFillRatio > 1 {
		return fmt.Errorf("MIN_FILL_RATIO must be in (0, 1]")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
