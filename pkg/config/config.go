package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the user's default settings.
type Config struct {
	Output    string
	Timeout   time.Duration
	Verbose   bool
	LogLevel  string
	ConfigDir string
}

// FileConfig represents the structure of ~/.buildmagic/config.yaml
type FileConfig struct {
	Output   string `yaml:"output"`
	Timeout  int    `yaml:"timeout"`
	Verbose  bool   `yaml:"verbose"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from the config file and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir)
}

// LoadFrom loads configuration rooted at configDir.
func LoadFrom(configDir string) (*Config, error) {
	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Output:    getEnvOrDefault("BUILDMAGIC_OUTPUT", orDefault(fileConfig.Output, "tty")),
		Verbose:   fileConfig.Verbose,
		LogLevel:  getEnvOrDefault("BUILDMAGIC_LOG_LEVEL", orDefault(fileConfig.LogLevel, "warn")),
		ConfigDir: configDir,
	}

	seconds := fileConfig.Timeout
	if raw := os.Getenv("BUILDMAGIC_TIMEOUT"); raw != "" {
		seconds, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("BUILDMAGIC_TIMEOUT must be a number of seconds: %w", err)
		}
	}
	if seconds < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	cfg.Timeout = time.Duration(seconds) * time.Second

	return cfg, nil
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".buildmagic"), nil
}
