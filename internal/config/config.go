// Package config provides YAML-based configuration loading for Waypoint.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported apps and store drivers.
const (
	AppFieldTrack = "fieldtrack"
	AppTravel     = "travel"

	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DefaultLookupTimeout bounds the remote field-agent lookup.
const DefaultLookupTimeout = 10 * time.Second

// DefaultRefreshCron is the token refresh check schedule.
const DefaultRefreshCron = "*/5 * * * *"

// Config is the top-level Waypoint configuration, loaded from waypoint.yaml.
type Config struct {
	App         string            `yaml:"app"`
	Store       StoreConfig       `yaml:"store"`
	Backend     BackendConfig     `yaml:"backend"`
	Auth        AuthConfig        `yaml:"auth"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// StoreConfig selects where the on-device key/value store lives.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig holds connection settings for a shared MySQL-compatible store.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// BackendConfig points at the managed backend.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// AuthConfig configures the OAuth2 token source.
type AuthConfig struct {
	TokenURL    string `yaml:"token_url"`
	LogoutURL   string `yaml:"logout_url"`
	ClientID    string `yaml:"client_id"`
	RefreshCron string `yaml:"refresh_cron"`
}

// DiagnosticsConfig configures the local diagnostics HTTP server.
type DiagnosticsConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WithBaseURL returns a copy of c pointed at a different backend. Auth
// endpoints that were derived from the old base URL follow the new one.
func (c *Config) WithBaseURL(baseURL string) *Config {
	out := *c
	baseURL = strings.TrimRight(baseURL, "/")
	if out.Auth.TokenURL == out.Backend.BaseURL+"/auth/v1/token" {
		out.Auth.TokenURL = baseURL + "/auth/v1/token"
	}
	if out.Auth.LogoutURL == out.Backend.BaseURL+"/auth/v1/logout" {
		out.Auth.LogoutURL = baseURL + "/auth/v1/logout"
	}
	out.Backend.BaseURL = baseURL
	return &out
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "waypoint.db"
	}
	if c.Store.MySQL.Host == "" {
		c.Store.MySQL.Host = "127.0.0.1"
	}
	if c.Store.MySQL.Port == 0 {
		c.Store.MySQL.Port = 3306
	}
	if c.Store.MySQL.Database == "" && c.App != "" {
		c.Store.MySQL.Database = "waypoint_" + c.App
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.LookupTimeout <= 0 {
		c.Backend.LookupTimeout = DefaultLookupTimeout
	}
	if c.Auth.TokenURL == "" && c.Backend.BaseURL != "" {
		c.Auth.TokenURL = c.Backend.BaseURL + "/auth/v1/token"
	}
	if c.Auth.LogoutURL == "" && c.Backend.BaseURL != "" {
		c.Auth.LogoutURL = c.Backend.BaseURL + "/auth/v1/logout"
	}
	if c.Auth.ClientID == "" && c.App != "" {
		c.Auth.ClientID = "waypoint-" + c.App
	}
	if c.Auth.RefreshCron == "" {
		c.Auth.RefreshCron = DefaultRefreshCron
	}
	if c.Diagnostics.Port == 0 {
		c.Diagnostics.Port = 8088
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.App {
	case "":
		errs = append(errs, "app is required")
	case AppFieldTrack, AppTravel:
	default:
		errs = append(errs, fmt.Sprintf("app %q is not one of %s, %s", c.App, AppFieldTrack, AppTravel))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of %s, %s", c.Store.Driver, DriverSQLite, DriverMySQL))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	if _, err := cron.ParseStandard(c.Auth.RefreshCron); err != nil {
		errs = append(errs, fmt.Sprintf("auth.refresh_cron %q: %v", c.Auth.RefreshCron, err))
	}
	if c.Diagnostics.Port < 0 || c.Diagnostics.Port > 65535 {
		errs = append(errs, fmt.Sprintf("diagnostics.port %d out of range", c.Diagnostics.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
