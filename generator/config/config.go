package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int           // Port of the generator's own status API
	CollectorURL string        // Base URL of the collector
	APIKey       string        // sent as X-API-Key when set
	Devices      int           // number of simulated devices
	Interval     time.Duration // time between two pushes of the whole fleet
	Concurrency  int           // parallel ingest requests per push
	Seed         int64         // 0 picks a time-based seed
	LogLevel     string
}

func NewConfig() *Config {
	// A .env file is optional
	_ = godotenv.Load()

	return &Config{
		Port:         getEnvInt("GENERATOR_PORT", 9001),
		CollectorURL: getEnv("COLLECTOR_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("INGEST_API_KEY"),
		Devices:      getEnvInt("GENERATOR_DEVICES", 10),
		Interval:     getEnvDuration("GENERATOR_INTERVAL", 5*time.Second),
		Concurrency:  getEnvInt("GENERATOR_CONCURRENCY", 4),
		Seed:         int64(getEnvInt("GENERATOR_SEED", 0)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
