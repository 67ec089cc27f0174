package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bugline.yml.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTTL       time.Duration `yaml:"access_ttl"`
		RefreshTTL      time.Duration `yaml:"refresh_ttl"`
		MaxLoginFails   int           `yaml:"max_login_fails"`
		LockoutDuration time.Duration `yaml:"lockout_duration"`
		BcryptCost      int           `yaml:"bcrypt_cost"`
	} `yaml:"auth"`
	RateLimit struct {
		LoginPerMinute int `yaml:"login_per_minute"`
	} `yaml:"rate_limit"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is a subscriber notified of recorded events.
type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Kinds  []string `yaml:"kinds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be in 1..65535")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("config.auth.access_ttl must be positive")
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("config.auth.refresh_ttl must exceed access_ttl")
	}
	if c.Auth.MaxLoginFails <= 0 {
		return fmt.Errorf("config.auth.max_login_fails must be positive")
	}
	if c.Auth.LockoutDuration <= 0 {
		return fmt.Errorf("config.auth.lockout_duration must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("config.auth.bcrypt_cost must be in 4..31")
	}
	if c.RateLimit.LoginPerMinute <= 0 {
		return fmt.Errorf("config.rate_limit.login_per_minute must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bugline.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Auth.JWTSecret = ""
	cfg.Auth.AccessTTL = 15 * time.Minute
	cfg.Auth.RefreshTTL = 7 * 24 * time.Hour
	cfg.Auth.MaxLoginFails = 5
	cfg.Auth.LockoutDuration = 15 * time.Minute
	cfg.Auth.BcryptCost = 12
	cfg.RateLimit.LoginPerMinute = 10
	return &cfg
}

// GenerateDefault returns default config YAML with the given secret.
func GenerateDefault(secret string) string {
	return fmt.Sprintf(defaultTemplate, secret)
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing fields fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  host: 127.0.0.1
  port: 8080

auth:
  jwt_secret: %s
  access_ttl: 15m
  refresh_ttl: 168h
  max_login_fails: 5
  lockout_duration: 15m
  bcrypt_cost: 12

rate_limit:
  login_per_minute: 10

webhooks: []
`
