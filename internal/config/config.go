package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sortbox/internal/harvest"
)

// HarvestConfig holds the throttling profile of the harvester.
type HarvestConfig struct {
	TrancheCapacity  int           `mapstructure:"tranche_capacity" yaml:"tranche_capacity"`
	PageCapacity     int           `mapstructure:"page_capacity" yaml:"page_capacity"`
	ItemDelay        time.Duration `mapstructure:"item_delay" yaml:"item_delay"`
	PageDelay        time.Duration `mapstructure:"page_delay" yaml:"page_delay"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	ItemRetries      int           `mapstructure:"item_retries" yaml:"item_retries"`
	SecondsPerItem   float64       `mapstructure:"seconds_per_item" yaml:"seconds_per_item"`
	Filter           string        `mapstructure:"filter" yaml:"filter"`
}

// IMAPConfig locates an IMAP mailbox. The password is kept in the keyring.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	StartTLS bool   `mapstructure:"starttls" yaml:"starttls"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderConfig selects the mail backend.
type ProviderConfig struct {
	// Kind is "gmail" or "imap".
	Kind string     `mapstructure:"kind" yaml:"kind"`
	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// AIConfig holds the classifier settings. The API key is kept in the keyring.
type AIConfig struct {
	Kind      string `mapstructure:"kind" yaml:"kind"`
	Model     string `mapstructure:"model" yaml:"model"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level application configuration.
type Config struct {
	Harvest  HarvestConfig  `mapstructure:"harvest" yaml:"harvest"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Dir returns ~/.config/sortbox, the home of the config file, the database,
// the log and the OAuth client secret.
func Dir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "sortbox")
	}
	return filepath.Join(".", ".sortbox")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	d := harvest.DefaultConfig()
	v.SetDefault("harvest.tranche_capacity", d.TrancheCapacity)
	v.SetDefault("harvest.page_capacity", d.PageCapacity)
	v.SetDefault("harvest.item_delay", d.ItemDelay)
	v.SetDefault("harvest.page_delay", d.PageDelay)
	v.SetDefault("harvest.rate_limit_backoff", d.RateLimitBackoff)
	v.SetDefault("harvest.cooldown", d.Cooldown)
	v.SetDefault("harvest.call_timeout", d.CallTimeout)
	v.SetDefault("harvest.item_retries", d.ItemRetries)
	v.SetDefault("harvest.seconds_per_item", d.SecondsPerItem)
	v.SetDefault("harvest.filter", d.Filter)

	v.SetDefault("provider.kind", ProviderGmail)
	v.SetDefault("provider.imap.host", "")
	v.SetDefault("provider.imap.port", 993)
	v.SetDefault("provider.imap.username", "")
	v.SetDefault("provider.imap.tls", true)
	v.SetDefault("provider.imap.starttls", false)
	v.SetDefault("provider.imap.mailbox", "INBOX")

	v.SetDefault("ai.kind", "anthropic")
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")
	v.SetDefault("ai.batch_size", 25)
	v.SetDefault("ai.base_url", "")

	v.SetDefault("log.level", "info")
}

// Load reads the YAML config at path. A missing file yields the defaults.
// Environment variables such as SORTBOX_HARVEST_PAGE_DELAY override keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("sortbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects settings the harvester cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderGmail, ProviderIMAP:
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Harvest.TrancheCapacity <= 0 || c.Harvest.PageCapacity <= 0 {
		return errors.New("tranche_capacity and page_capacity must be positive")
	}
	if c.Harvest.ItemDelay < 0 || c.Harvest.PageDelay < 0 || c.Harvest.RateLimitBackoff < 0 || c.Harvest.Cooldown < 0 {
		return errors.New("harvest delays must not be negative")
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	h := cfg.Harvest
	v.Set("harvest.tranche_capacity", h.TrancheCapacity)
	v.Set("harvest.page_capacity", h.PageCapacity)
	v.Set("harvest.item_delay", h.ItemDelay.String())
	v.Set("harvest.page_delay", h.PageDelay.String())
	v.Set("harvest.rate_limit_backoff", h.RateLimitBackoff.String())
	v.Set("harvest.cooldown", h.Cooldown.String())
	v.Set("harvest.call_timeout", h.CallTimeout.String())
	v.Set("harvest.item_retries", h.ItemRetries)
	v.Set("harvest.seconds_per_item", h.SecondsPerItem)
	v.Set("harvest.filter", h.Filter)

	v.Set("provider.kind", cfg.Provider.Kind)
	v.Set("provider.imap.host", cfg.Provider.IMAP.Host)
	v.Set("provider.imap.port", cfg.Provider.IMAP.Port)
	v.Set("provider.imap.username", cfg.Provider.IMAP.Username)
	v.Set("provider.imap.tls", cfg.Provider.IMAP.TLS)
	v.Set("provider.imap.starttls", cfg.Provider.IMAP.StartTLS)
	v.Set("provider.imap.mailbox", cfg.Provider.IMAP.Mailbox)

	v.Set("ai.kind", cfg.AI.Kind)
	v.Set("ai.model", cfg.AI.Model)
	v.Set("ai.batch_size", cfg.AI.BatchSize)
	v.Set("ai.base_url", cfg.AI.BaseURL)

	v.Set("log.level", cfg.Log.Level)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Scheduler converts the harvest section to the scheduler's config.
func (h HarvestConfig) Scheduler() harvest.Config {
	return harvest.Config{
		TrancheCapacity:  h.TrancheCapacity,
		PageCapacity:     h.PageCapacity,
		ItemDelay:        h.ItemDelay,
		PageDelay:        h.PageDelay,
		RateLimitBackoff: h.RateLimitBackoff,
		Cooldown:         h.Cooldown,
		CallTimeout:      h.CallTimeout,
		ItemRetries:      h.ItemRetries,
		SecondsPerItem:   h.SecondsPerItem,
		Filter:           h.Filter,
	}
}
