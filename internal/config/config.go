package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	CRM struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		LocationID     string `yaml:"location_id"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"crm"`
	Dispatch struct {
		MaxAttempts         int `yaml:"max_attempts"`
		BaseIntervalSeconds int `yaml:"base_interval_seconds"`
		MaxIntervalSeconds  int `yaml:"max_interval_seconds"`
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"dispatch"`
	Payment struct {
		Endpoint           string `yaml:"endpoint"`
		APIKey             string `yaml:"api_key"`
		DepositAmountPence int    `yaml:"deposit_amount_pence"`
		Currency           string `yaml:"currency"`
		SuccessURL         string `yaml:"success_url"`
		CancelURL          string `yaml:"cancel_url"`
	} `yaml:"payment"`
	Commitment struct {
		BookCallURL string `yaml:"book_call_url"`
	} `yaml:"commitment"`
	Server struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// Default returns a config with the retry policy and deposit terms the flow
// ships with. CRM and payment credentials must come from the file or env.
func Default() *Config {
	var cfg Config
	cfg.CRM.TimeoutSeconds = 10
	cfg.Dispatch.MaxAttempts = 8
	cfg.Dispatch.BaseIntervalSeconds = 1
	cfg.Dispatch.MaxIntervalSeconds = 60
	cfg.Dispatch.PollIntervalSeconds = 10
	cfg.Payment.DepositAmountPence = 10000
	cfg.Payment.Currency = "gbp"
	cfg.Commitment.BookCallURL = "https://calendly.com/fileeasy/consultation"
	cfg.Server.Listen = "127.0.0.1:8480"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.BaseIntervalSeconds < 1 {
		return fmt.Errorf("dispatch.base_interval_seconds must be at least 1")
	}
	if c.Dispatch.MaxIntervalSeconds < c.Dispatch.BaseIntervalSeconds {
		return fmt.Errorf("dispatch.max_interval_seconds must not be below the base interval")
	}
	if c.Dispatch.PollIntervalSeconds < 1 {
		return fmt.Errorf("dispatch.poll_interval_seconds must be at least 1")
	}
	if c.Payment.DepositAmountPence < 0 {
		return fmt.Errorf("payment.deposit_amount_pence must not be negative")
	}
	if c.CRM.BaseURL == "" && c.CRM.APIKey != "" {
		return fmt.Errorf("crm.base_url is required when crm.api_key is set")
	}
	if c.Commitment.BookCallURL == "" {
		return fmt.Errorf("commitment.book_call_url is required")
	}
	return nil
}

// CRMTimeout returns the CRM HTTP timeout as a duration.
func (c *Config) CRMTimeout() time.Duration {
	if c.CRM.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.CRM.TimeoutSeconds) * time.Second
}

// BaseInterval returns the first retry backoff interval.
func (c *Config) BaseInterval() time.Duration {
	return time.Duration(c.Dispatch.BaseIntervalSeconds) * time.Second
}

// MaxInterval returns the backoff cap.
func (c *Config) MaxInterval() time.Duration {
	return time.Duration(c.Dispatch.MaxIntervalSeconds) * time.Second
}

// PollInterval returns the worker's periodic wake interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalSeconds) * time.Second
}
