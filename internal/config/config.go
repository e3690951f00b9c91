// Package config holds updater runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds updater runtime configuration.
type Config struct {
	// PatchRootURL is the base URL serving version.txt and the patch bundles.
	PatchRootURL string

	// ClientDir is the game client directory patches are applied to. Only
	// one engine instance may own it at a time.
	ClientDir string

	// WorkDir holds downloaded bundles and their unpacked files.
	WorkDir string

	// DBPath is the path to the SQLite state database.
	DBPath string

	// DownloadTimeout bounds a single patch or metadata request.
	DownloadTimeout time.Duration

	// ExtractRetryAttempts and ExtractRetryDelay bound the retry loop
	// around each extracted file write. Client files can be transiently
	// locked by virus scanners or the running game; the policy is a
	// deployment tunable, not a fixed constant.
	ExtractRetryAttempts int
	ExtractRetryDelay    time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// DefaultConfig returns the default configuration, rooted in the current
// directory.
func DefaultConfig() *Config {
	return &Config{
		PatchRootURL:         "",
		ClientDir:            ".",
		WorkDir:              filepath.Join(".updater", "work"),
		DBPath:               filepath.Join(".updater", "state.db"),
		DownloadTimeout:      5 * time.Minute,
		ExtractRetryAttempts: 5,
		ExtractRetryDelay:    250 * time.Millisecond,
		LogLevel:             "info",
	}
}

// fileConfig is the YAML on-disk representation. Durations are strings in
// time.ParseDuration syntax. Absent keys keep their defaults.
type fileConfig struct {
	PatchRootURL         *string `yaml:"patch_root_url"`
	ClientDir            *string `yaml:"client_dir"`
	WorkDir              *string `yaml:"work_dir"`
	DBPath               *string `yaml:"db_path"`
	DownloadTimeout      *string `yaml:"download_timeout"`
	ExtractRetryAttempts *int    `yaml:"extract_retry_attempts"`
	ExtractRetryDelay    *string `yaml:"extract_retry_delay"`
	LogLevel             *string `yaml:"log_level"`
}

// Load reads the YAML file at path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.PatchRootURL, fc.PatchRootURL)
	setString(&cfg.ClientDir, fc.ClientDir)
	setString(&cfg.WorkDir, fc.WorkDir)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.ExtractRetryAttempts != nil {
		cfg.ExtractRetryAttempts = *fc.ExtractRetryAttempts
	}

	if fc.DownloadTimeout != nil {
		if cfg.DownloadTimeout, err = time.ParseDuration(*fc.DownloadTimeout); err != nil {
			return nil, fmt.Errorf("parse download_timeout: %w", err)
		}
	}
	if fc.ExtractRetryDelay != nil {
		if cfg.ExtractRetryDelay, err = time.ParseDuration(*fc.ExtractRetryDelay); err != nil {
			return nil, fmt.Errorf("parse extract_retry_delay: %w", err)
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.ExtractRetryAttempts < 1 {
		return fmt.Errorf("extract_retry_attempts must be at least 1, got %d", c.ExtractRetryAttempts)
	}
	if c.ExtractRetryDelay < 0 {
		return fmt.Errorf("extract_retry_delay must not be negative")
	}
	return nil
}

// EnsureDirs creates the work and state directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.WorkDir, filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
