package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Backup  BackupConfig  `yaml:"backup"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

type StorageConfig struct {
	Root         string `yaml:"root"`          // backups of every connection
	WorkDir      string `yaml:"work_dir"`      // working directories of open stores
	ConnectionID string `yaml:"connection_id"` // server URL or organization key
	BusyTimeout  string `yaml:"busy_timeout"`  // e.g. "5s"
}

type BackupConfig struct {
	CompressionLevel int    `yaml:"compression_level"`
	MirrorDir        string `yaml:"mirror_dir"` // optional second copy of every archive
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "text"
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// BusyTimeout parses Storage.BusyTimeout. An empty value selects the
// engine default.
func (c *Config) BusyTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Storage.BusyTimeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Storage.BusyTimeout)
	if err != nil {
		return 0, fmt.Errorf("storage.busy_timeout: %w", err)
	}
	return d, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must be configured")
	}
	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage.work_dir must be configured")
	}
	if c.Storage.ConnectionID == "" {
		return fmt.Errorf("storage.connection_id must be configured (example: FINDINGSTORE_CONNECTION_ID=https://sonar.example.com)")
	}
	if _, err := c.BusyTimeout(); err != nil {
		return err
	}
	if l := c.Backup.CompressionLevel; l != 0 && (l < gzip.HuffmanOnly || l > gzip.BestCompression) {
		return fmt.Errorf("backup.compression_level must be between %d and %d (got %d)", gzip.HuffmanOnly, gzip.BestCompression, l)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:    "data/storage",
			WorkDir: os.TempDir(),
		},
		Backup: BackupConfig{
			CompressionLevel: gzip.DefaultCompression,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "findingstore",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FINDINGSTORE_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("FINDINGSTORE_WORK_DIR"); v != "" {
		cfg.Storage.WorkDir = v
	}
	if v := os.Getenv("FINDINGSTORE_CONNECTION_ID"); v != "" {
		cfg.Storage.ConnectionID = strings.TrimSpace(v)
	}
	if v := os.Getenv("FINDINGSTORE_BUSY_TIMEOUT"); v != "" {
		cfg.Storage.BusyTimeout = v
	}
	if v := os.Getenv("FINDINGSTORE_COMPRESSION_LEVEL"); v != "" {
		if level, err := strconv.Atoi(v); err == nil {
			cfg.Backup.CompressionLevel = level
		}
	}
	if v := os.Getenv("FINDINGSTORE_MIRROR_DIR"); v != "" {
		cfg.Backup.MirrorDir = v
	}
	if v := os.Getenv("FINDINGSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FINDINGSTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FINDINGSTORE_OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("FINDINGSTORE_OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Insecure = insecure
		}
	}
	if v := os.Getenv("FINDINGSTORE_OTEL_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}
}

// ParseProjects splits a comma-separated list of project keys, dropping
// blanks.
func ParseProjects(v string) []string {
	return parseCSV(v)
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
