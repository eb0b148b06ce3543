package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int    // Port
	IngestAPIKey string // empty disables the X-API-Key check
	Store        StoreConfig
	Aggregation  AggregationConfig
	Redis        RedisConfig
	MQTT         MQTTConfig
	Log          LogConfig
}

type StoreConfig struct {
	HistorySize int
}

type AggregationConfig struct {
	StaleAfter         time.Duration
	MaxPayloadBytes    int
	DetailHistoryLimit int
}

// RedisConfig configures the optional latest-record mirror. An empty Host
// disables it.
type RedisConfig struct {
	Host string
	Port int
	TTL  time.Duration
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// MQTTConfig configures the optional MQTT ingest. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

type LogConfig struct {
	Level string
	Dir   string
}

func NewConfig() *Config {
	// A .env file is optional
	_ = godotenv.Load()

	staleAfter := getEnvDuration("STALE_AFTER", 60*time.Second)

	return &Config{
		Port:         getEnvInt("COLLECTOR_PORT", 8080),
		IngestAPIKey: os.Getenv("INGEST_API_KEY"),
		Store: StoreConfig{
			HistorySize: getEnvInt("HISTORY_SIZE", 60),
		},
		Aggregation: AggregationConfig{
			StaleAfter:         staleAfter,
			MaxPayloadBytes:    getEnvInt("MAX_PAYLOAD_BYTES", 64<<10),
			DetailHistoryLimit: getEnvInt("DETAIL_HISTORY_LIMIT", 50),
		},
		Redis: RedisConfig{
			Host: os.Getenv("REDIS_HOST"),
			Port: getEnvInt("REDIS_PORT", 6379),
			TTL:  getEnvDuration("REDIS_TTL", 2*staleAfter),
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: getEnv("MQTT_CLIENT_ID", "sysmon-collector"),
			Topic:    getEnv("MQTT_TOPIC", "sysmon/+/metrics"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			Dir:   os.Getenv("LOG_DIR"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt falls back to the default when the variable is unset or invalid.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
