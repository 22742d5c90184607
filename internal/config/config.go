// Package config loads the bootstrap configuration: the settings that
// must exist before the shared store is reachable. Everything tunable at
// runtime lives in the store, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/mediaflux/mailrelay/internal/imapclient"
	"github.com/mediaflux/mailrelay/internal/notify"
)

const (
	defaultPort          = 8080
	defaultActiveSleep   = 60
	defaultInactiveSleep = 300
	defaultMaxErrors     = 10
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	IMAP   imapclient.Config `yaml:"imap"`
	Store  StoreConfig       `yaml:"store"`
	Server ServerConfig      `yaml:"server"`
	Poller PollerConfig      `yaml:"poller"`
	Notify notify.Config     `yaml:"notify,omitempty"`
}

// StoreConfig selects the shared key-value backend. redis_url wins when
// both are set; sqlite_path is the single-host fallback.
type StoreConfig struct {
	RedisURL   string `yaml:"redis_url"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	IngestToken string `yaml:"ingest_token"` // bearer token for the push endpoint
	AdminToken  string `yaml:"admin_token"`  // bearer token for the admin API
	CSRFKey     string `yaml:"csrf_key"`     // 32 bytes, dashboard form protection
}

// PollerConfig paces the background loop.
type PollerConfig struct {
	ActiveSleepSec   int    `yaml:"active_sleep_sec"`
	InactiveSleepSec int    `yaml:"inactive_sleep_sec"`
	MaxErrors        int    `yaml:"max_errors"`
	LockFile         string `yaml:"lock_file"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".mailrelay", "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.IMAP.Port == 0 {
		cfg.IMAP.Port = 993
	}
	if cfg.IMAP.Folder == "" {
		cfg.IMAP.Folder = "INBOX"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Poller.ActiveSleepSec == 0 {
		cfg.Poller.ActiveSleepSec = defaultActiveSleep
	}
	if cfg.Poller.InactiveSleepSec == 0 {
		cfg.Poller.InactiveSleepSec = defaultInactiveSleep
	}
	if cfg.Poller.MaxErrors == 0 {
		cfg.Poller.MaxErrors = defaultMaxErrors
	}
	if cfg.Store.SQLitePath == "" && cfg.Store.RedisURL == "" {
		cfg.Store.SQLitePath = filepath.Join(filepath.Dir(path), "mailrelay.db")
	}
	if cfg.Poller.LockFile == "" {
		cfg.Poller.LockFile = filepath.Join(os.TempDir(), "mailrelay-poller.lock")
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if err := c.ValidateIMAP(); err != nil {
		return err
	}
	if c.Server.IngestToken == "" {
		return fmt.Errorf("server: ingest_token is required")
	}
	if c.Server.AdminToken == "" {
		return fmt.Errorf("server: admin_token is required")
	}
	return nil
}

// ValidateIMAP checks only what the poller needs; the HTTP surface can run
// without mailbox credentials.
func (c *Config) ValidateIMAP() error {
	if c.IMAP.Server == "" {
		return fmt.Errorf("imap: server is required")
	}
	if c.IMAP.Port == 0 {
		return fmt.Errorf("imap: port is required")
	}
	if c.IMAP.Email == "" {
		return fmt.Errorf("imap: email address is required")
	}
	if c.IMAP.Password == "" {
		return fmt.Errorf("imap: password (app password) is required")
	}
	return nil
}
