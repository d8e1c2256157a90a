package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Log       LogConfig
	RateLimit RateLimitConfig
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// ServerConfig contains HTTP and gRPC server settings
type ServerConfig struct {
	Host         string
	Port         int
	GRPCPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// RateLimitConfig contains facade and block cache settings
type RateLimitConfig struct {
	FailOpen           bool
	BlockDuration      time.Duration
	BlockPrefix        string
	CacheSweepInterval time.Duration
	CacheMaxAge        time.Duration
	LimitsFile         string
}

// Load reads environment variables into Config. It expects godotenv to have been
// executed by the caller when needed (e.g. in development).
func Load() Config {
	server := ServerConfig{
		Host:         getEnv("APP_HOST", "0.0.0.0"),
		Port:         getEnvAsInt("APP_PORT", 3000),
		GRPCPort:     getEnvAsInt("GRPC_PORT", 3001),
		ReadTimeout:  getEnvAsDuration("APP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvAsDuration("APP_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getEnvAsDuration("APP_IDLE_TIMEOUT", 10*time.Second),
	}

	redis := RedisConfig{
		Host:        getEnv("REDIS_HOST", "localhost"),
		Port:        getEnvAsInt("REDIS_PORT", 6379),
		Password:    getEnv("REDIS_PASSWORD", ""),
		DB:          getEnvAsInt("REDIS_DB", 0),
		PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 10),
		DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		OpTimeout:   getEnvAsDuration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
	}

	log := LogConfig{
		Level:  getEnv("LOG_LEVEL", "debug"),
		Format: getEnv("LOG_FORMAT", "console"),
	}

	rateLimit := RateLimitConfig{
		FailOpen:           getEnvAsBool("RATELIMIT_FAIL_OPEN", true),
		BlockDuration:      getEnvAsDuration("RATELIMIT_BLOCK_DURATION", 300*time.Second),
		BlockPrefix:        getEnv("RATELIMIT_BLOCK_PREFIX", "ratelimit"),
		CacheSweepInterval: getEnvAsDuration("RATELIMIT_CACHE_SWEEP_INTERVAL", time.Minute),
		CacheMaxAge:        getEnvAsDuration("RATELIMIT_CACHE_MAX_AGE", 5*time.Second),
		LimitsFile:         getEnv("RATELIMIT_LIMITS_FILE", ""),
	}

	cfg := Config{
		Server:    server,
		Redis:     redis,
		Log:       log,
		RateLimit: rateLimit,
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return dur
}

func LoadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("warning: could not load .env: %v", err)
		}
	}
}

// RedisAddr returns the Redis address in host:port format
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the server address in host:port format
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the gRPC server address in host:port format
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
