package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	AllowedOrigins         []string
	DatabaseURL            string
	MigrateOnStart         bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LogLevel               string
	LogFormat              string
	PendingLookbackDays    int
	ReportCacheTTLSeconds  int
	CloseLockTTLSeconds    int
	LoginAttemptsPerMinute int
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigins:         splitList(getEnv("ALLOWED_ORIGINS", "http://127.0.0.1:3000")),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MigrateOnStart:         getBool("MIGRATE_ON_START", true),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		PendingLookbackDays:    getPositiveInt("PENDING_LOOKBACK_DAYS", 90),
		ReportCacheTTLSeconds:  getPositiveInt("REPORT_CACHE_TTL_SECONDS", 60),
		CloseLockTTLSeconds:    getPositiveInt("CLOSE_LOCK_TTL_SECONDS", 30),
		LoginAttemptsPerMinute: getPositiveInt("LOGIN_RATE_PER_MINUTE", 5),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
