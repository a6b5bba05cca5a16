package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Flow     FlowConfig     `yaml:"flow"`
	Pool     PoolConfig     `yaml:"pool"`
	Flood    FloodConfig    `yaml:"flood"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig holds app-specific configuration
type AppConfig struct {
	Name string `yaml:"name"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds the per-IP request limiter settings
type RateLimitConfig struct {
	Max        int      `yaml:"max"`
	Expiration Duration `yaml:"expiration"`
}

// AuthConfig holds the verification settings for local-user access tokens.
// Tokens are issued by the CRM's identity service; this service only verifies.
type AuthConfig struct {
	KeysPath string   `yaml:"keys_path"`
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`
}

// DatabaseConfig holds database-specific configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds the connection settings for the flow-state store
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelegramConfig holds the remote-network application credentials and the
// client fingerprint sent on connect.
type TelegramConfig struct {
	Backend       string `yaml:"backend"` // "dev" selects the embedded network simulator
	AppID         int32  `yaml:"app_id"`
	AppHash       string `yaml:"app_hash"`
	DeviceModel   string `yaml:"device_model"`
	SystemVersion string `yaml:"system_version"`
	AppVersion    string `yaml:"app_version"`
	LangCode      string `yaml:"lang_code"`
}

// FlowConfig holds the auth-flow settings
type FlowConfig struct {
	CodeTTL Duration `yaml:"code_ttl"` // window between request-code and verify-code
}

// PoolConfig holds the connection-pool settings
type PoolConfig struct {
	MaxSize        int      `yaml:"max_size"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	HealthInterval Duration `yaml:"health_interval"`
	ErrorThreshold int      `yaml:"error_threshold"` // consecutive probe failures before eviction
}

// FloodConfig holds the rate-limit governor settings
type FloodConfig struct {
	MaxWait     Duration `yaml:"max_wait"`     // cap on a single honored flood wait
	ExtremeWait Duration `yaml:"extreme_wait"` // beyond this the session is rotated, not waited for
	MinInterval Duration `yaml:"min_interval"` // minimum spacing between governed calls
	MaxRetries  int      `yaml:"max_retries"`
}

// CryptoConfig holds the key-derivation settings for the session codec.
// The passphrase itself comes from the environment, never from this file.
type CryptoConfig struct {
	KeySalt string `yaml:"key_salt"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.RateLimit.Max == 0 {
		c.Server.RateLimit.Max = 60
	}
	if c.Server.RateLimit.Expiration == 0 {
		c.Server.RateLimit.Expiration = Duration(time.Minute)
	}
	if c.Flow.CodeTTL == 0 {
		c.Flow.CodeTTL = Duration(5 * time.Minute)
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 20
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = Duration(time.Hour)
	}
	if c.Pool.HealthInterval == 0 {
		c.Pool.HealthInterval = Duration(60 * time.Second)
	}
	if c.Pool.ErrorThreshold == 0 {
		c.Pool.ErrorThreshold = 3
	}
	if c.Flood.MaxWait == 0 {
		c.Flood.MaxWait = Duration(300 * time.Second)
	}
	if c.Flood.ExtremeWait == 0 {
		c.Flood.ExtremeWait = Duration(3600 * time.Second)
	}
	if c.Flood.MinInterval == 0 {
		c.Flood.MinInterval = Duration(100 * time.Millisecond)
	}
	if c.Flood.MaxRetries == 0 {
		c.Flood.MaxRetries = 3
	}
	if c.Telegram.Backend == "" {
		c.Telegram.Backend = "dev"
	}
	if c.Telegram.LangCode == "" {
		c.Telegram.LangCode = "en"
	}
}

// Address returns the server address in the format "host:port"
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Address returns the redis address in the format "host:port"
func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// quoteDSNValue quotes a DSN value if it contains spaces or special characters.
// Single quotes inside the value are escaped by doubling them.
func quoteDSNValue(value string) string {
	needsQuoting := false
	for _, r := range value {
		if r == ' ' || r == '\'' || r == '\\' || r == '=' {
			needsQuoting = true
			break
		}
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '-' || r == '_' || r == '/' || r == '@' || r == ':') {
			needsQuoting = true
			break
		}
	}

	if !needsQuoting {
		return value
	}

	escaped := ""
	for _, r := range value {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}

	return "'" + escaped + "'"
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(d.Host),
		d.Port,
		quoteDSNValue(d.User),
		quoteDSNValue(d.Password),
		quoteDSNValue(d.DBName),
		quoteDSNValue(d.SSLMode),
	)
}

// URL returns the database connection URL in postgres:// format
func (d *DatabaseConfig) URL() string {
	userInfo := url.UserPassword(d.User, d.Password)

	// net.JoinHostPort wraps IPv6 addresses in brackets
	host := net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))

	u := &url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     host,
		Path:     "/" + d.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s&search_path=public", url.QueryEscape(d.SSLMode)),
	}

	return u.String()
}
