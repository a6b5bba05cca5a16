package config

import (
	"os"
	"strings"
)

// EnvironmentType represents the application environment
type EnvironmentType string

const (
	EnvironmentDevelopment EnvironmentType = "development"
	EnvironmentProduction  EnvironmentType = "production"
)

// String returns the string representation of the environment type
func (e EnvironmentType) String() string {
	return string(e)
}

// IsValid checks if the environment type is valid
func (e EnvironmentType) IsValid() bool {
	switch e {
	case EnvironmentDevelopment, EnvironmentProduction:
		return true
	default:
		return false
	}
}

// Environment holds the environment variables. Secrets live here rather than
// in the YAML file: the session-codec passphrase, the database and redis
// passwords, and the remote-network application hash.
type Environment struct {
	Environment      EnvironmentType `env:"ENVIRONMENT"`
	ConfigPath       string          `env:"CONFIG_PATH"`
	SessionKey       string          `env:"SESSION_ENC_KEY"`
	TelegramAppHash  string          `env:"TELEGRAM_APP_HASH"`
	DatabasePassword string          `env:"DATABASE_PASSWORD"`
	RedisPassword    string          `env:"REDIS_PASSWORD"`
}

// LoadEnv loads the environment variables
func LoadEnv() *Environment {
	envStr := getEnv("ENVIRONMENT", string(EnvironmentDevelopment))
	envStr = strings.TrimSpace(envStr)
	envStr = strings.ToLower(envStr)
	envType := EnvironmentType(envStr)

	if !envType.IsValid() {
		envType = EnvironmentDevelopment
	}

	return &Environment{
		Environment:      envType,
		ConfigPath:       getEnv("CONFIG_PATH", "config.yaml"),
		SessionKey:       getEnv("SESSION_ENC_KEY", ""),
		TelegramAppHash:  getEnv("TELEGRAM_APP_HASH", ""),
		DatabasePassword: getEnv("DATABASE_PASSWORD", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
	}
}

// Apply overlays environment-provided secrets onto the file configuration
func (e *Environment) Apply(cfg *Config) {
	if e.TelegramAppHash != "" {
		cfg.Telegram.AppHash = e.TelegramAppHash
	}
	if e.DatabasePassword != "" {
		cfg.Database.Password = e.DatabasePassword
	}
	if e.RedisPassword != "" {
		cfg.Redis.Password = e.RedisPassword
	}
}

// getEnv gets the environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}
