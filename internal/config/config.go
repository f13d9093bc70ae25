package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	EventChannel          string
	GCSBucket             string
	GCSCredentialsJSON    string
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
}

func Load() Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EventChannel:          getEnv("EVENT_CHANNEL", "phonestock.events"),
		GCSBucket:             os.Getenv("GCS_BUCKET"),
		GCSCredentialsJSON:    os.Getenv("GCS_CREDENTIALS_JSON"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
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
