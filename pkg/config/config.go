// Package config loads the sync core's environment configuration:
// service base URLs, the update signing public key, and the local data
// directory. A YAML file supplies defaults; environment variables
// override it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is every environment-supplied value the sync core needs at
// startup.
type Config struct {
	SyncBaseURL     string `yaml:"syncBaseUrl"`
	AuthBaseURL     string `yaml:"authBaseUrl"`
	RealtimeBaseURL string `yaml:"realtimeBaseUrl"`
	UpdateBaseURL   string `yaml:"updateBaseUrl"`

	// UpdateSigningPublicKeyPath points at the PEM file pinned for
	// update-package signature verification.
	UpdateSigningPublicKeyPath string `yaml:"updateSigningPublicKeyPath"`

	// DataDir is the root of the Local Store's bbolt database, the
	// Secret Store's file, and the update pipeline's staging/
	// backup directories.
	DataDir string `yaml:"dataDir"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Load reads path as YAML (if it exists; a missing file is not an error,
// it simply means every field comes from the environment/defaults) and
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		DataDir:  defaultDataDir(),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fine, fall through to environment-only configuration
		default:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.SyncBaseURL == "" {
		return nil, fmt.Errorf("config: SYNC_BASE_URL is required")
	}
	if cfg.AuthBaseURL == "" {
		return nil, fmt.Errorf("config: AUTH_BASE_URL is required")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYNC_BASE_URL"); v != "" {
		cfg.SyncBaseURL = v
	}
	if v := os.Getenv("AUTH_BASE_URL"); v != "" {
		cfg.AuthBaseURL = v
	}
	if v := os.Getenv("REALTIME_BASE_URL"); v != "" {
		cfg.RealtimeBaseURL = v
	}
	if v := os.Getenv("UPDATE_BASE_URL"); v != "" {
		cfg.UpdateBaseURL = v
	}
	if v := os.Getenv("UPDATE_SIGNING_PUBLIC_KEY_PATH"); v != "" {
		cfg.UpdateSigningPublicKeyPath = v
	}
	if v := os.Getenv("DENTAL_SUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DENTAL_SUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DENTAL_SUB_LOG_JSON"); v == "true" {
		cfg.LogJSON = true
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dental-sub"
	}
	return home + "/.dental-sub"
}

// LoadSigningPublicKey reads the PEM file referenced by
// UpdateSigningPublicKeyPath.
func (c *Config) LoadSigningPublicKey() ([]byte, error) {
	data, err := os.ReadFile(c.UpdateSigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read update signing public key: %w", err)
	}
	return data, nil
}
