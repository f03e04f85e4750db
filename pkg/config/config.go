package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/claude-fleet/proxy/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all claude-fleet-proxy configuration, loaded from a JSON file.
// yaml.v3 is used as the decoder because JSON is a valid subset of YAML 1.2,
// so nested config can be unmarshaled without reaching for encoding/json.
type Config struct {
	Listen        string               `yaml:"listen" json:"listen"`
	AccountsPath  string               `yaml:"accounts_path" json:"accounts_path"`
	ProxyListPath string               `yaml:"proxy_list_path" json:"proxy_list_path"`

	Proxy models.ProxySettings `yaml:"proxy" json:"proxy"`

	// ProxyURL is a legacy top-level shortcut for a fixed proxy, migrated
	// into Proxy on first load.
	ProxyURL string `yaml:"proxy_url,omitempty" json:"proxy_url,omitempty"`

	RetryAttempts         int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryInterval         time.Duration `yaml:"retry_interval" json:"retry_interval"`
	OverloadRetryAttempts int           `yaml:"overload_retry_attempts" json:"overload_retry_attempts"`
	OverloadCooldown      time.Duration `yaml:"overload_cooldown" json:"overload_cooldown"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	PerAccountSessionCap  int           `yaml:"per_account_session_cap" json:"per_account_session_cap"`

	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`

	Audit models.AuditConfig `yaml:"audit" json:"audit"`

	HealthLogPath string `yaml:"health_log_path" json:"health_log_path"`
}

// Default returns a Config with sensible out-of-the-box defaults.
func Default() *Config {
	return &Config{
		Listen:        ":8089",
		AccountsPath:  "accounts.json",
		ProxyListPath: "proxies.txt",
		Proxy: models.ProxySettings{
			Mode:                    models.ProxyModeDisabled,
			RotationStrategy:        models.StrategySequential,
			RotationIntervalSeconds: 60,
			CooldownDurationSeconds: 300,
			FallbackStrategy:        models.StrategyRandom,
		},
		RetryAttempts:         3,
		RetryInterval:         time.Second,
		OverloadRetryAttempts: 5,
		OverloadCooldown:      30 * time.Second,
		MaxConcurrentRequests: 100,
		PerAccountSessionCap:  10,
		SessionTTL:            30 * time.Minute,
		Audit: models.AuditConfig{
			DBPath:        "audit.db",
			RetentionDays: 30,
		},
		HealthLogPath: "health.db",
	}
}

// Load reads a JSON config file, expands environment variables, and
// migrates the legacy top-level proxy_url shortcut.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if migrateLegacyProxyURL(cfg) {
		log.Printf("config: migrating legacy proxy_url to proxy.mode=fixed")
		if err := save(path, cfg); err != nil {
			log.Printf("config: failed to persist proxy_url migration: %v", err)
		}
	}

	return cfg, nil
}

// migrateLegacyProxyURL translates a legacy top-level proxy_url into the
// structured ProxySettings, clearing the legacy field once applied.
func migrateLegacyProxyURL(cfg *Config) bool {
	if cfg.ProxyURL == "" {
		return false
	}
	cfg.Proxy.Mode = models.ProxyModeFixed
	cfg.Proxy.FixedURL = cfg.ProxyURL
	cfg.ProxyURL = ""
	return true
}

// save rewrites the config file once, after a migration, using an atomic
// temp-file-then-rename so a crash mid-write cannot corrupt the file — the
// same discipline accounts.json persistence uses.
func save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
