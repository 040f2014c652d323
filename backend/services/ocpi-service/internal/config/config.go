package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "ocpihub/backend/libs/config"
	"ocpihub/backend/services/ocpi-service/internal/archive"
	"ocpihub/backend/services/ocpi-service/internal/auth"
)

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Port           string   `yaml:"port" env:"OCPI_HTTP_PORT"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"OCPI_HTTP_ALLOWED_ORIGINS"`
}

// DatabaseConfig selects the PostgreSQL resource store. An empty DSN keeps resources in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"OCPI_POSTGRES_DSN"`
}

// RedisConfig selects the Redis command store. An empty address keeps commands in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"OCPI_REDIS_ADDR"`
	Password string `yaml:"password" env:"OCPI_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"OCPI_REDIS_DB"`
}

// JWTConfig signs and verifies bearer access tokens.
type JWTConfig struct {
	Secret           string `yaml:"secret" env:"OCPI_JWT_SECRET"`
	ExpiresInMinutes int    `yaml:"expiresInMinutes" env:"OCPI_JWT_EXPIRES_IN_MINUTES"`
}

// OCPIConfig holds protocol behaviour.
type OCPIConfig struct {
	BaseURL          string        `yaml:"baseUrl" env:"OCPI_BASE_URL"`
	AllowDowngrades  *bool         `yaml:"allowDowngrades" env:"OCPI_ALLOW_DOWNGRADES"`
	CommandTTL       time.Duration `yaml:"commandTtl" env:"OCPI_COMMAND_TTL"`
	CommandRetention time.Duration `yaml:"commandRetention" env:"OCPI_COMMAND_RETENTION"`
	CommandGCEvery   time.Duration `yaml:"commandGcInterval" env:"OCPI_COMMAND_GC_INTERVAL"`
	UpstreamTimeout  time.Duration `yaml:"upstreamTimeout" env:"OCPI_UPSTREAM_TIMEOUT"`
	UpstreamToken    string        `yaml:"upstreamToken" env:"OCPI_UPSTREAM_TOKEN"`
	CPOCommandsURL   string        `yaml:"cpoCommandsUrl" env:"OCPI_CPO_COMMANDS_URL"`
	CPOToken         string        `yaml:"cpoToken" env:"OCPI_CPO_TOKEN"`
}

// MonitorConfig tunes the websocket event stream.
type MonitorConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" env:"OCPI_MONITOR_PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"OCPI_MONITOR_WRITE_TIMEOUT"`
}

// Config defines ocpi service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	JWT         JWTConfig         `yaml:"jwt"`
	OCPI        OCPIConfig        `yaml:"ocpi"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Archive     archive.Options   `yaml:"archive"`
	Credentials []auth.Credential `yaml:"credentials" env:"-"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTP:  HTTPConfig{Port: "8090"},
		JWT:   JWTConfig{ExpiresInMinutes: 60},
		Redis: RedisConfig{},
		OCPI: OCPIConfig{
			CommandTTL:       30 * time.Second,
			CommandRetention: 5 * time.Minute,
			CommandGCEvery:   10 * time.Second,
			UpstreamTimeout:  30 * time.Second,
		},
		Monitor: MonitorConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration via shared helper. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()
	var err error
	if path == "" {
		err = libconfig.LoadConfig(cfg)
	} else {
		err = libconfig.LoadConfigFrom(path, cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWT.Secret) == "" && len(c.Credentials) == 0 {
		return errors.New("config: jwt secret or credentials required")
	}
	for i, cred := range c.Credentials {
		if cred.Name == "" || cred.TokenHash == "" {
			return fmt.Errorf("config: credentials[%d] needs name and tokenHash", i)
		}
	}
	if c.OCPI.CommandTTL < 0 || c.OCPI.CommandRetention < 0 || c.OCPI.UpstreamTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.OCPI.CommandRetention == 0 {
		return errors.New("config: ocpi.commandRetention must be positive")
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// TokenTTL returns the access token lifetime.
func (c *Config) TokenTTL() time.Duration {
	if c.JWT.ExpiresInMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.JWT.ExpiresInMinutes) * time.Minute
}
