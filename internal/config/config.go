// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Settings are the user-tunable knobs, loaded from config.yaml when it
// exists.
type Settings struct {
	// BackupRetentionDays controls how long backups survive cleanup.
	BackupRetentionDays int `yaml:"backup_retention_days"`
	// RollbackScanWindow bounds how many recent commands "undo last"
	// inspects for file changes.
	RollbackScanWindow int `yaml:"rollback_scan_window"`
	// AtomicRollback stages all restores and applies them together
	// instead of per-file best-effort.
	AtomicRollback bool `yaml:"atomic_rollback"`
	// Output caps per recorded command, in bytes.
	MaxOutputBytes      int `yaml:"max_output_bytes"`
	MaxErrorOutputBytes int `yaml:"max_error_output_bytes"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		BackupRetentionDays: 7,
		RollbackScanWindow:  20,
		AtomicRollback:      false,
		MaxOutputBytes:      100_000,
		MaxErrorOutputBytes: 10_000,
	}
}

// Config holds resolved paths and settings for one installation.
type Config struct {
	DataDir      string
	DatabasePath string
	BackupDir    string
	ConfigPath   string
	Settings     Settings
}

// Load resolves the installation paths, creates the owned directories and
// reads config.yaml when present.
func Load() (*Config, error) {
	dataDir, err := dataDir()
	if err != nil {
		return nil, err
	}
	return LoadAt(dataDir)
}

// LoadAt is Load rooted at an explicit data directory.
func LoadAt(dataDir string) (*Config, error) {
	backupDir := filepath.Join(dataDir, "backups")
	for _, dir := range []string{dataDir, backupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	c := &Config{
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "termrewind.db"),
		BackupDir:    backupDir,
		ConfigPath:   filepath.Join(dataDir, "config.yaml"),
		Settings:     DefaultSettings(),
	}

	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.Settings); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return c, nil
}

// dataDir resolves the platform data directory: LOCALAPPDATA on Windows,
// XDG_DATA_HOME elsewhere, each falling back to a home subdirectory.
func dataDir() (string, error) {
	if runtime.GOOS == "windows" {
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "TermRewind"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "AppData", "Local", "TermRewind"), nil
	}

	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "termrewind"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "termrewind"), nil
}
