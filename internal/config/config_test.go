package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
app: fieldtrack

store:
  driver: mysql
  path: /data/waypoint.db
  mysql:
    host: 10.0.0.5
    port: 3307
    database: waypoint_dev

backend:
  base_url: https://api.example.com/
  api_key: anon-key
  lookup_timeout: 3s

auth:
  token_url: https://auth.example.com/token
  logout_url: https://auth.example.com/logout
  client_id: field-app
  refresh_cron: "*/10 * * * *"

diagnostics:
  port: 9090
`

const minimalYAML = `
app: travel
backend:
  base_url: https://api.example.com
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App != AppFieldTrack {
		t.Errorf("App = %q, want %q", cfg.App, AppFieldTrack)
	}
	if cfg.Store.Driver != DriverMySQL {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, DriverMySQL)
	}
	if cfg.Store.Path != "/data/waypoint.db" {
		t.Errorf("Store.Path = %q, want /data/waypoint.db", cfg.Store.Path)
	}
	if cfg.Store.MySQL.Host != "10.0.0.5" || cfg.Store.MySQL.Port != 3307 {
		t.Errorf("Store.MySQL = %+v, want 10.0.0.5:3307", cfg.Store.MySQL)
	}
	if cfg.Store.MySQL.Database != "waypoint_dev" {
		t.Errorf("Store.MySQL.Database = %q, want waypoint_dev", cfg.Store.MySQL.Database)
	}
	if cfg.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("Backend.BaseURL = %q, want trailing slash trimmed", cfg.Backend.BaseURL)
	}
	if cfg.Backend.APIKey != "anon-key" {
		t.Errorf("Backend.APIKey = %q, want anon-key", cfg.Backend.APIKey)
	}
	if cfg.Backend.LookupTimeout != 3*time.Second {
		t.Errorf("Backend.LookupTimeout = %v, want 3s", cfg.Backend.LookupTimeout)
	}
	if cfg.Auth.TokenURL != "https://auth.example.com/token" {
		t.Errorf("Auth.TokenURL = %q", cfg.Auth.TokenURL)
	}
	if cfg.Auth.LogoutURL != "https://auth.example.com/logout" {
		t.Errorf("Auth.LogoutURL = %q", cfg.Auth.LogoutURL)
	}
	if cfg.Auth.ClientID != "field-app" {
		t.Errorf("Auth.ClientID = %q, want field-app", cfg.Auth.ClientID)
	}
	if cfg.Auth.RefreshCron != "*/10 * * * *" {
		t.Errorf("Auth.RefreshCron = %q", cfg.Auth.RefreshCron)
	}
	if cfg.Diagnostics.Port != 9090 {
		t.Errorf("Diagnostics.Port = %d, want 9090", cfg.Diagnostics.Port)
	}
}

func TestParse_MinimalConfig_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, DriverSQLite)
	}
	if cfg.Store.Path != "waypoint.db" {
		t.Errorf("Store.Path = %q, want waypoint.db", cfg.Store.Path)
	}
	if cfg.Store.MySQL.Database != "waypoint_travel" {
		t.Errorf("Store.MySQL.Database = %q, want waypoint_travel", cfg.Store.MySQL.Database)
	}
	if cfg.Backend.LookupTimeout != DefaultLookupTimeout {
		t.Errorf("Backend.LookupTimeout = %v, want %v", cfg.Backend.LookupTimeout, DefaultLookupTimeout)
	}
	if cfg.Auth.TokenURL != "https://api.example.com/auth/v1/token" {
		t.Errorf("Auth.TokenURL = %q, want derived from base_url", cfg.Auth.TokenURL)
	}
	if cfg.Auth.LogoutURL != "https://api.example.com/auth/v1/logout" {
		t.Errorf("Auth.LogoutURL = %q, want derived from base_url", cfg.Auth.LogoutURL)
	}
	if cfg.Auth.ClientID != "waypoint-travel" {
		t.Errorf("Auth.ClientID = %q, want waypoint-travel", cfg.Auth.ClientID)
	}
	if cfg.Auth.RefreshCron != DefaultRefreshCron {
		t.Errorf("Auth.RefreshCron = %q, want %q", cfg.Auth.RefreshCron, DefaultRefreshCron)
	}
	if cfg.Diagnostics.Port != 8088 {
		t.Errorf("Diagnostics.Port = %d, want 8088", cfg.Diagnostics.Port)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "empty document",
			yaml: "{}",
			want: []string{"app is required", "backend.base_url is required"},
		},
		{
			name: "unknown app",
			yaml: "app: chat\nbackend: {base_url: https://x}",
			want: []string{`app "chat" is not one of`},
		},
		{
			name: "unknown driver",
			yaml: "app: travel\nstore: {driver: postgres}\nbackend: {base_url: https://x}",
			want: []string{`store.driver "postgres"`},
		},
		{
			name: "bad cron",
			yaml: "app: travel\nbackend: {base_url: https://x}\nauth: {refresh_cron: \"every minute\"}",
			want: []string{"auth.refresh_cron"},
		},
		{
			name: "port out of range",
			yaml: "app: travel\nbackend: {base_url: https://x}\ndiagnostics: {port: 70000}",
			want: []string{"diagnostics.port 70000 out of range"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not contain %q", err.Error(), w)
				}
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("app: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App != AppTravel {
		t.Errorf("App = %q, want %q", cfg.App, AppTravel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want config: read prefix", err.Error())
	}
}

func TestWithBaseURL(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	moved := cfg.WithBaseURL("https://staging.example.com/")
	if moved.Backend.BaseURL != "https://staging.example.com" {
		t.Errorf("BaseURL = %q", moved.Backend.BaseURL)
	}
	if moved.Auth.TokenURL != "https://staging.example.com/auth/v1/token" {
		t.Errorf("derived TokenURL = %q, want to follow base url", moved.Auth.TokenURL)
	}
	if cfg.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("original config mutated: %q", cfg.Backend.BaseURL)
	}

	full, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	movedFull := full.WithBaseURL("https://staging.example.com")
	if movedFull.Auth.TokenURL != "https://auth.example.com/token" {
		t.Errorf("explicit TokenURL = %q, want unchanged", movedFull.Auth.TokenURL)
	}
}
