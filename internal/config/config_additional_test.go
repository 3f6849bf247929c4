package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadReadError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Load(missing)
	if err == nil {
		t.Fatal("Load(missing) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "read config") {
		t.Fatalf("Load(missing) error = %v, want read config error", err)
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("storage: [\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load(invalid yaml) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("Load(invalid yaml) error = %v, want parse config error", err)
	}
}

func TestLoadInvalidEnvValuesDoNotOverrideDefaults(t *testing.T) {
	t.Setenv("FINDINGSTORE_COMPRESSION_LEVEL", "not-an-int")
	t.Setenv("FINDINGSTORE_OTEL_EXPORTER_OTLP_INSECURE", "not-a-bool")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backup.CompressionLevel != -1 {
		t.Fatalf("Backup.CompressionLevel = %d, want default -1", cfg.Backup.CompressionLevel)
	}
	if cfg.Tracing.Insecure {
		t.Fatal("Tracing.Insecure = true, want default false")
	}
}

func TestBusyTimeout(t *testing.T) {
	cfg := Default()
	if d, err := cfg.BusyTimeout(); err != nil || d != 0 {
		t.Fatalf("BusyTimeout() = %v, %v, want 0, nil", d, err)
	}
	cfg.Storage.BusyTimeout = "soon"
	if _, err := cfg.BusyTimeout(); err == nil || !strings.Contains(err.Error(), "storage.busy_timeout") {
		t.Fatalf("BusyTimeout() error = %v, want storage.busy_timeout error", err)
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty string", raw: "", want: nil},
		{name: "whitespace only", raw: "   ", want: nil},
		{name: "commas only", raw: " , ,, ", want: nil},
		{name: "values with whitespace", raw: "  alpha, , beta ,gamma  ", want: []string{"alpha", "beta", "gamma"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseCSV(tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("parseCSV(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Storage.ConnectionID = "https://sonar.example.com"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		nilCfg  bool
		wantErr string
	}{
		{name: "nil config", nilCfg: true, wantErr: "config is required"},
		{name: "missing connection id", mutate: func(c *Config) { c.Storage.ConnectionID = "" }, wantErr: "storage.connection_id must be configured"},
		{name: "missing root", mutate: func(c *Config) { c.Storage.Root = "" }, wantErr: "storage.root must be configured"},
		{name: "missing work dir", mutate: func(c *Config) { c.Storage.WorkDir = "" }, wantErr: "storage.work_dir must be configured"},
		{name: "bad busy timeout", mutate: func(c *Config) { c.Storage.BusyTimeout = "5 parsecs" }, wantErr: "storage.busy_timeout"},
		{name: "compression level out of range", mutate: func(c *Config) { c.Backup.CompressionLevel = 42 }, wantErr: "backup.compression_level"},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "valid config passes"},
		{name: "huffman only passes", mutate: func(c *Config) { c.Backup.CompressionLevel = -2 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cfg *Config
			if !tc.nilCfg {
				cfg = valid()
				if tc.mutate != nil {
					tc.mutate(cfg)
				}
			}
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
