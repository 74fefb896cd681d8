// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// AppName names the XDG directories and the env prefix.
const AppName = "sentinel"

// Config represents the application configuration.
type Config struct {
	GitHub        GitHubConfig        `mapstructure:"github"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Exports       ExportsConfig       `mapstructure:"exports"`
	HackerNews    HackerNewsConfig    `mapstructure:"hackernews"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
}

// GitHubConfig holds GitHub API configuration.
type GitHubConfig struct {
	Token     string        `mapstructure:"token"`
	RateLimit time.Duration `mapstructure:"rate_limit"` // minimum spacing between requests
	Burst     int           `mapstructure:"burst"`
	PerPage   int           `mapstructure:"per_page"`
	MaxPages  int           `mapstructure:"max_pages"`
	BaseURL   string        `mapstructure:"base_url"`
}

// LLMConfig selects the text-generation backend. An empty platform disables it.
type LLMConfig struct {
	Platform    string        `mapstructure:"platform"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StorageConfig holds subscription persistence configuration.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // file or sqlite
	Path        string `mapstructure:"path"`
	UpdateMatch string `mapstructure:"update_match"` // repo or owner_repo
}

// SchedulerConfig holds trigger and execution settings.
type SchedulerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	DailySpec      string        `mapstructure:"daily_spec"`
	WeeklySpec     string        `mapstructure:"weekly_spec"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	Timezone       string        `mapstructure:"timezone"`
}

// ExportsConfig holds report export settings.
type ExportsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Format  string `mapstructure:"format"` // md or json
}

// HackerNewsConfig holds the digest source and optional schedule.
type HackerNewsConfig struct {
	FeedURL  string `mapstructure:"feed_url"`
	Limit    int    `mapstructure:"limit"`
	Schedule string `mapstructure:"schedule"`
}

// NotificationsConfig lists delivery targets for scheduled reports.
type NotificationsConfig struct {
	WebhookURL      string  `mapstructure:"webhook_url"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DataDir is the default directory for state and reports.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("github.token", "")
	v.SetDefault("github.rate_limit", time.Second)
	v.SetDefault("github.burst", 5)
	v.SetDefault("github.per_page", 100)
	v.SetDefault("github.max_pages", 10)
	v.SetDefault("github.base_url", "")

	v.SetDefault("llm.platform", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.update_match", "repo")

	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.rescan_interval", 5*time.Minute)
	v.SetDefault("scheduler.daily_spec", "0 9 * * *")
	v.SetDefault("scheduler.weekly_spec", "0 9 * * 1")
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_backoff", 2*time.Second)
	v.SetDefault("scheduler.task_timeout", 10*time.Minute)
	v.SetDefault("scheduler.timezone", "Local")

	v.SetDefault("exports.enabled", true)
	v.SetDefault("exports.path", filepath.Join(DataDir(), "reports"))
	v.SetDefault("exports.format", "md")

	v.SetDefault("hackernews.feed_url", "https://hnrss.org/frontpage")
	v.SetDefault("hackernews.limit", 30)
	v.SetDefault("hackernews.schedule", "")

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.telegram_chat_ids", []int64{})

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads configuration from file and environment variables. A missing
// config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read environment variables
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultStoragePath(driver string) string {
	if driver == "sqlite" {
		return filepath.Join(DataDir(), "subscriptions.db")
	}
	return filepath.Join(DataDir(), "subscriptions.json")
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	var problems []error

	switch c.LLM.Platform {
	case "", "openai", "ollama":
	default:
		problems = append(problems, fmt.Errorf("llm.platform %q is not supported", c.LLM.Platform))
	}
	if c.LLM.Platform == "openai" && c.LLM.APIKey == "" {
		problems = append(problems, errors.New("llm.api_key is required for the openai platform"))
	}

	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		problems = append(problems, fmt.Errorf("storage.driver %q must be file or sqlite", c.Storage.Driver))
	}
	switch c.Storage.UpdateMatch {
	case "repo", "owner_repo":
	default:
		problems = append(problems, fmt.Errorf("storage.update_match %q must be repo or owner_repo", c.Storage.UpdateMatch))
	}

	if c.Scheduler.Concurrency < 1 {
		problems = append(problems, errors.New("scheduler.concurrency must be at least 1"))
	}
	if c.Scheduler.RetryAttempts < 1 {
		problems = append(problems, errors.New("scheduler.retry_attempts must be at least 1"))
	}
	if c.Scheduler.RescanInterval <= 0 {
		problems = append(problems, errors.New("scheduler.rescan_interval must be positive"))
	}
	for key, spec := range map[string]string{
		"scheduler.daily_spec":  c.Scheduler.DailySpec,
		"scheduler.weekly_spec": c.Scheduler.WeeklySpec,
		"hackernews.schedule":   c.HackerNews.Schedule,
	} {
		if spec == "" && key == "hackernews.schedule" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			problems = append(problems, fmt.Errorf("%s %q: %w", key, spec, err))
		}
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err)
	}

	switch c.Exports.Format {
	case "md", "json":
	default:
		problems = append(problems, fmt.Errorf("exports.format %q must be md or json", c.Exports.Format))
	}

	return errors.Join(problems...)
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Scheduler.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
