package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the gemctl configuration file (~/.gemstudio/config.yaml).
// Flags override anything read here.
type CLIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIVersion   string        `yaml:"api_version"`
	Model        string        `yaml:"model"`
	VideoModel   string        `yaml:"video_model"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FilePoll     time.Duration `yaml:"file_poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRPS       float64       `yaml:"max_rps"`
	DBPath       string        `yaml:"db_path"`
}

// DefaultCLIDir returns ~/.gemstudio.
func DefaultCLIDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".gemstudio"), nil
}

// LoadCLI reads path and fills unset fields with defaults. A missing file is
// not an error.
func LoadCLI(path string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	g := GeminiConfig{BaseURL: cfg.BaseURL, APIVersion: cfg.APIVersion, DefaultModel: cfg.Model, MaxRPS: cfg.MaxRPS}
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.PollInterval < minPollInterval || cfg.PollInterval > maxPollInterval {
		return nil, fmt.Errorf("%s: poll_interval must be between %s and %s, got %s", path, minPollInterval, maxPollInterval, cfg.PollInterval)
	}

	return cfg, nil
}

func (c *CLIConfig) applyDefaults(dir string) {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.VideoModel == "" {
		c.VideoModel = DefaultVideoModel
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FilePoll == 0 {
		c.FilePoll = DefaultFilePollInterval
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "state.db")
	}
}

// Gemini converts the file settings into the client configuration.
func (c *CLIConfig) Gemini() GeminiConfig {
	return GeminiConfig{
		BaseURL:        c.BaseURL,
		APIVersion:     c.APIVersion,
		DefaultModel:   c.Model,
		RequestTimeout: c.Timeout,
		MaxRPS:         c.MaxRPS,
	}
}
