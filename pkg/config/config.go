package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the paper trading core.
type Config struct {
	Port           string
	GRPCHealthPort string // empty disables the gRPC health server
	AccountID      string
	AutoStart      bool

	// Market data
	Symbols           []string
	Timeframe         string
	CandleLimit       int
	UseMockFeed       bool
	BinanceTestnet    bool
	BinanceRatePerSec float64
	FeedTimeout       time.Duration
	PriceFreshness    time.Duration
	RedisAddr         string // optional shared last-known price store

	// Sentiment
	SentimentURL      string
	SentimentTimeout  time.Duration
	SentimentCacheTTL time.Duration

	// Ledger
	InitialBalance float64
	DBPath         string

	// Loop
	LoopInterval    time.Duration
	SignalWorkers   int
	ActivityLogSize int

	// Trading policy (defaults < SETTINGS_FILE < env)
	SettingsFile string
	Trading      TradingSettings

	// Notifications
	KafkaBrokers   []string
	KafkaTopic     string
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads environment variables (optionally via .env) into Config and
// validates the resulting trading settings.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	settingsFile := getEnv("SETTINGS_FILE", "settings.yaml")
	trading, err := LoadSettingsFile(settingsFile)
	if err != nil {
		return nil, err
	}
	trading = applyEnvOverrides(trading)
	if err := trading.Validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCHealthPort:    getEnvAllowEmpty("GRPC_HEALTH_PORT", "9090"),
		AccountID:         getEnv("ACCOUNT_ID", "default"),
		AutoStart:         getEnv("AUTO_START", "false") == "true",
		Symbols:           splitAndTrim(strings.ToUpper(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT,XRPUSDT"))),
		Timeframe:         getEnv("TIMEFRAME", "1h"),
		CandleLimit:       getEnvInt("CANDLE_LIMIT", 250),
		UseMockFeed:       getEnv("USE_MOCK_FEED", "true") == "true",
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceRatePerSec: getEnvFloat("BINANCE_REQUESTS_PER_SECOND", 10),
		FeedTimeout:       getEnvDuration("FEED_TIMEOUT", 5*time.Second),
		PriceFreshness:    getEnvDuration("PRICE_FRESHNESS", 2*time.Minute),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		SentimentURL:      getEnv("SENTIMENT_URL", "https://api.alternative.me/fng/"),
		SentimentTimeout:  getEnvDuration("SENTIMENT_TIMEOUT", 5*time.Second),
		SentimentCacheTTL: getEnvDuration("SENTIMENT_CACHE_TTL", 15*time.Minute),
		InitialBalance:    getEnvFloat("INITIAL_BALANCE", 10000.0),
		DBPath:            getEnv("DB_PATH", "./data/paper.db"),
		LoopInterval:      getEnvDuration("LOOP_INTERVAL", 5*time.Minute),
		SignalWorkers:     getEnvInt("SIGNAL_WORKERS", 4),
		ActivityLogSize:   getEnvInt("ACTIVITY_LOG_SIZE", 100),
		SettingsFile:      settingsFile,
		Trading:           trading,
		KafkaBrokers:      splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "paper-trading-events"),
		TelegramToken:     os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:    int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "console"),
	}
	if cfg.InitialBalance <= 0 {
		return nil, newConfigurationError("InitialBalance", "gt", "initial balance must be positive")
	}
	if len(cfg.Symbols) == 0 {
		return nil, newConfigurationError("Symbols", "required", "at least one symbol is required")
	}
	return cfg, nil
}

func applyEnvOverrides(s TradingSettings) TradingSettings {
	s.MinSignalScore = getEnvInt("MIN_SIGNAL_SCORE", s.MinSignalScore)
	s.TradePercentage = getEnvFloat("TRADE_PERCENTAGE", s.TradePercentage)
	s.MaxPositions = getEnvInt("MAX_POSITIONS", s.MaxPositions)
	s.StopLossPct = getEnvFloat("STOP_LOSS_PCT", s.StopLossPct)
	s.TakeProfitPct = getEnvFloat("TAKE_PROFIT_PCT", s.TakeProfitPct)
	s.TrailingStopPct = getEnvFloat("TRAILING_STOP_PCT", s.TrailingStopPct)
	s.MinNotional = getEnvFloat("MIN_NOTIONAL", s.MinNotional)
	s.MinConfidence = getEnvFloat("MIN_CONFIDENCE", s.MinConfidence)
	s.DailyLossLimitPct = getEnvFloat("DAILY_LOSS_LIMIT_PCT", s.DailyLossLimitPct)
	s.CooldownAfterLoss = getEnvDuration("COOLDOWN_AFTER_LOSS", s.CooldownAfterLoss)
	return s
}

// getEnvAllowEmpty distinguishes an unset key (default) from one set to "".
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
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
