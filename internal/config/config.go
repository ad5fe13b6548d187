package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"studio.dev/livechat/internal/logging"
)

const defaultGreeting = "Hi there! Thanks for reaching out. Leave us a message and we'll reply as soon as we can."

type Config struct {
	DatabaseURL       string
	HTTPPort          string
	LogLevel          string
	LogFormat         string
	JWTSecret         string
	AdminPasswordHash string
	GreetingText      string
	AllowedOrigins    []string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SendRateLimit   int
	SendRateWindow  time.Duration
	KafkaBrokers    []string
	KafkaTopic      string
	SubscribeBuffer int
}

var AppConfig Config

// LoadConfig reads .env (if present) and the environment into AppConfig.
func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		l := logging.Component("config")
		l.Debug().Msg("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		DatabaseURL:       getEnv("DATABASE_URL", "livechat.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "console"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		GreetingText:      getEnv("GREETING_TEXT", defaultGreeting),
		AllowedOrigins:    getEnvAsList("ALLOWED_ORIGINS"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		SendRateLimit:     getEnvAsInt("SEND_RATE_LIMIT", 20),
		SendRateWindow:    time.Duration(getEnvAsInt("SEND_RATE_WINDOW", 60)) * time.Second,
		KafkaBrokers:      getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "livechat.events"),
		SubscribeBuffer:   getEnvAsInt("SUBSCRIBE_BUFFER", 256),
	}
}

// ValidateServer checks the settings that only the HTTP server needs.
func (c Config) ValidateServer() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	if c.AdminPasswordHash == "" {
		errs = append(errs, errors.New("ADMIN_PASSWORD_HASH environment variable is required"))
	}
	if c.SendRateLimit <= 0 || c.SendRateWindow <= 0 {
		errs = append(errs, errors.New("SEND_RATE_LIMIT and SEND_RATE_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
