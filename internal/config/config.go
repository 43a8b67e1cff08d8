package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bountyline/internal/domain"
)

// Config models bountyline.yml.
type Config struct {
	Marketplace struct {
		Owner                  string `yaml:"owner"`
		EscrowHolder           string `yaml:"escrow_holder"`
		DefaultReputationBonus int64  `yaml:"default_reputation_bonus"`
	} `yaml:"marketplace"`
	Delegation DelegationConfig `yaml:"delegation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type DelegationConfig struct {
	Enabled            bool     `yaml:"enabled"`
	MaxPayment         int64    `yaml:"max_payment"`
	MaxTotalPerProject int64    `yaml:"max_total_per_project"`
	AllowedPurposes    []string `yaml:"allowed_purposes"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var knownPurposes = map[string]bool{
	domain.PurposeDeposit:        true,
	domain.PurposeTaskCompletion: true,
	domain.PurposeManualPayout:   true,
	domain.PurposeRefund:         true,
}

var knownEvents = map[string]bool{
	string(domain.EventProjectCreated):      true,
	string(domain.EventProjectFunded):       true,
	string(domain.EventTaskSubmitted):       true,
	string(domain.EventAnnotationSubmitted): true,
	string(domain.EventAnnotationRejected):  true,
	string(domain.EventFundsReleased):       true,
	string(domain.EventProjectStateChanged): true,
	string(domain.EventEmergencyRefund):     true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Marketplace.Owner) == "" {
		return fmt.Errorf("config.marketplace.owner is required")
	}
	if strings.TrimSpace(c.Marketplace.EscrowHolder) == "" {
		return fmt.Errorf("config.marketplace.escrow_holder is required")
	}
	if c.Marketplace.EscrowHolder == c.Marketplace.Owner {
		return fmt.Errorf("config.marketplace.escrow_holder must differ from owner")
	}
	if c.Marketplace.DefaultReputationBonus < 0 {
		return fmt.Errorf("config.marketplace.default_reputation_bonus must not be negative")
	}
	if c.Delegation.MaxPayment < 0 || c.Delegation.MaxTotalPerProject < 0 {
		return fmt.Errorf("config.delegation limits must not be negative")
	}
	for _, p := range c.Delegation.AllowedPurposes {
		if !knownPurposes[p] {
			return fmt.Errorf("config.delegation.allowed_purposes has unknown purpose %s", p)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if !knownEvents[evt] {
				return fmt.Errorf("webhooks[%d] references unknown event %s", i, evt)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  owner: marketplace-owner
  escrow_holder: system:escrow
  default_reputation_bonus: 10

delegation:
  enabled: false
  max_payment: 0
  max_total_per_project: 0
  allowed_purposes: [deposit, task-completion, manual-payout, refund]

logging:
  level: info
  format: console
  file: ""
  max_size_mb: 50
  max_backups: 5
  max_age_days: 30

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []
`
