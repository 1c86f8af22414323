package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/models"
)

// Load reads configuration from the environment, after loading .env when
// present. Missing keys fall back to defaults; nothing here is fatal except
// values that cannot stay unset (checked by the caller).
func Load() *models.Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &models.Config{
		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envStr("DB_PORT", "5432"),
		DBUser:     envStr("DB_USER", "pricepulse"),
		DBPassword: envStr("DB_PASSWORD", ""),
		DBName:     envStr("DB_NAME", "pricepulse"),
		DBSSLMode:  envStr("DB_SSLMODE", "disable"),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		HTTPAddr: envStr("HTTP_ADDR", ":8080"),

		PriceAPIKey:     envStr("PRICE_API_KEY", ""),
		PriceAPIBaseURL: envStr("PRICE_API_BASE_URL", "https://api.twelvedata.com"),
		RequestTimeout:  envInt("REQUEST_TIMEOUT", 30),

		ReferenceTZ:      envStr("REFERENCE_TZ", "UTC"),
		LockWindowMin:    envInt("LOCK_WINDOW_MINUTES", 5),
		ToleranceMin:     envInt("PRICE_TOLERANCE_MINUTES", 3),
		PriceRetrySec:    envInt("PRICE_RETRY_SECONDS", 120),
		RetryBaseSec:     envInt("RETRY_BASE_SECONDS", 30),
		RetryMaxMin:      envInt("RETRY_MAX_MINUTES", 30),
		MaxAttempts:      envInt("MAX_ATTEMPTS", 6),
		SweepIntervalMin: envInt("SWEEP_INTERVAL_MINUTES", 5),
		EvalWorkers:      envInt("EVAL_WORKERS", 5),
		LeaderboardSize:  envInt("LEADERBOARD_SIZE", 30),
		BadgeCount:       envInt("BADGE_COUNT", 4),

		TelegramToken:  envStr("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),

		ScoringConfigPath: envStr("SCORING_CONFIG_PATH", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}

	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
