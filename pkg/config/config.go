package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	TokenCrypt TokenCryptConfig `mapstructure:"tokencrypt"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig covers the brokerage REST API.
type ProviderConfig struct {
	LoginURL        string        `mapstructure:"login_url"` // OAuth token exchange host
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
	QuoteTimeout    time.Duration `mapstructure:"quote_timeout"`
	QuoteRatePerSec int           `mapstructure:"quote_rate_per_sec"`
	QuoteTTL        time.Duration `mapstructure:"quote_ttl"`
}

// StreamConfig covers the WebSocket proxy.
type StreamConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables the tick publisher
	Topic   string   `mapstructure:"topic"`
}

// TokenCryptConfig holds the symmetric key protecting tokens at rest.
type TokenCryptConfig struct {
	Key string `mapstructure:"key"` // 64 hex chars (AES-256)
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env file into System Environment (if it exists) so variables
	// like APP_PORT are available as real env vars
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("provider.login_url", "https://login.questrade.com")
	v.SetDefault("provider.exchange_timeout", 15*time.Second)
	v.SetDefault("provider.quote_timeout", 10*time.Second)
	v.SetDefault("provider.quote_rate_per_sec", 15)
	v.SetDefault("provider.quote_ttl", 10*time.Second)

	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.idle_timeout", 5*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "quote_ticks")

	v.SetDefault("tokencrypt.key", "")

	// Map dot-notation to underscores (e.g., "provider.login_url" -> "PROVIDER_LOGIN_URL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind env vars so flat vars map into nested structs
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "provider.login_url", "provider.exchange_timeout", "provider.quote_timeout",
		"provider.quote_rate_per_sec", "provider.quote_ttl")
	bindEnv(v, "stream.handshake_timeout", "stream.idle_timeout")
	bindEnv(v, "kafka.brokers", "kafka.topic")
	bindEnv(v, "tokencrypt.key")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if cfg.TokenCrypt.Key == "" {
		return nil, fmt.Errorf("tokencrypt key cannot be empty")
	}
	if cfg.Provider.QuoteRatePerSec <= 0 {
		return nil, fmt.Errorf("provider quote rate must be positive")
	}

	return &cfg, nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
