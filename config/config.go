/*
Package config loads the ledger server configuration from YAML.

PURPOSE:
  One file holds server, database, logging and audit settings plus the
  account classification tables the report builders use. Missing keys keep
  their defaults, so a file only needs what it changes.

EXAMPLE (ledger.yaml):
  server:
    port: 8080
    read_timeout: 15s
    cors_origins: ["http://localhost:3000"]
  database:
    path: ledger.db
  log:
    level: info
    format: json
  currency: SEK

SEE ALSO:
  - cmd/server/main.go: Flags override file values
  - report/builders.go: Layout
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/warp/ledger-engine/report"
)

// Config is the top-level ledger.yaml configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Audit    AuditConfig    `yaml:"audit"`
	Currency string         `yaml:"currency"`
	Reports  report.Layout  `yaml:"reports"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins,omitempty"`
}

// DatabaseConfig locates the SQLite file. ":memory:" keeps everything in RAM.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// AuditConfig sizes the asynchronous audit queue.
type AuditConfig struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{Path: "ledger.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Audit:    AuditConfig{Buffer: 256},
		Currency: "SEK",
		Reports:  report.DefaultLayout(),
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	if c.Audit.Buffer < 0 {
		errs = append(errs, fmt.Errorf("audit.buffer %d is negative", c.Audit.Buffer))
	}
	if len(c.Currency) != 3 || strings.ToUpper(c.Currency) != c.Currency {
		errs = append(errs, fmt.Errorf("currency %q: want an ISO 4217 code", c.Currency))
	}
	for _, s := range c.Reports.VAT {
		switch s.Kind {
		case report.VATBase, report.VATOutput, report.VATInput:
		default:
			errs = append(errs, fmt.Errorf("reports.vat box %s: unknown kind %q", s.Box, s.Kind))
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the zap logger described by c.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
