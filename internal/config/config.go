package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"pairbot/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app" toml:"app"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Discord   DiscordConfig   `yaml:"discord" toml:"discord"`
	Telegram  TelegramConfig  `yaml:"telegram" toml:"telegram"`
	Earnings  EarningsConfig  `yaml:"earnings" toml:"earnings"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Reconcile ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Schedule  ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Rating    RatingConfig    `yaml:"rating" toml:"rating"`
}

type AppConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Environment string `yaml:"environment" toml:"environment"`
	Version     string `yaml:"version" toml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" toml:"level"`
	Format   string `yaml:"format" toml:"format"`
	Output   string `yaml:"output" toml:"output"`
	FilePath string `yaml:"file_path" toml:"file_path"`
}

type DatabaseConfig struct {
	// Driver is sqlite3 or pgx.
	Driver       string `yaml:"driver" toml:"driver"`
	Path         string `yaml:"path" toml:"path"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

type RedisConfig struct {
	Address   string `yaml:"address" toml:"address"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	PoolSize  int    `yaml:"pool_size" toml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

type DiscordConfig struct {
	BotToken       string  `yaml:"bot_token" toml:"bot_token"`
	PublicKey      string  `yaml:"public_key" toml:"public_key"`
	GuildID        string  `yaml:"guild_id" toml:"guild_id"`
	CategoryID     string  `yaml:"category_id" toml:"category_id"`
	AdminChannelID string  `yaml:"admin_channel_id" toml:"admin_channel_id"`
	APIBaseURL     string  `yaml:"api_base_url" toml:"api_base_url"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	VoiceBitrate   int     `yaml:"voice_bitrate" toml:"voice_bitrate"`
}

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" toml:"bot_token"`
	AdminChatID int64  `yaml:"admin_chat_id" toml:"admin_chat_id"`
}

type EarningsConfig struct {
	URL       string        `yaml:"url" toml:"url"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
	QueueSize int           `yaml:"queue_size" toml:"queue_size"`
}

type APIConfig struct {
	Enabled        bool    `yaml:"enabled" toml:"enabled"`
	Port           int     `yaml:"port" toml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
}

type ReconcileConfig struct {
	EarlyGrace         time.Duration `yaml:"early_grace" toml:"early_grace"`
	VoiceLead          time.Duration `yaml:"voice_lead" toml:"voice_lead"`
	ExtensionWindow    time.Duration `yaml:"extension_window" toml:"extension_window"`
	ExtensionIncrement time.Duration `yaml:"extension_increment" toml:"extension_increment"`
	MissedRatingGrace  time.Duration `yaml:"missed_rating_grace" toml:"missed_rating_grace"`
	DedupTTL           time.Duration `yaml:"dedup_ttl" toml:"dedup_ttl"`
	Timezone           string        `yaml:"timezone" toml:"timezone"`
}

type ScheduleConfig struct {
	Provisioning time.Duration `yaml:"provisioning" toml:"provisioning"`
	Extension    time.Duration `yaml:"extension" toml:"extension"`
	Teardown     time.Duration `yaml:"teardown" toml:"teardown"`
	Cleanup      time.Duration `yaml:"cleanup" toml:"cleanup"`
	SafetyNet    time.Duration `yaml:"safety_net" toml:"safety_net"`
	HealthProbe  time.Duration `yaml:"health_probe" toml:"health_probe"`
}

type RatingConfig struct {
	MergeWindow  time.Duration `yaml:"merge_window" toml:"merge_window"`
	OuterTimeout time.Duration `yaml:"outer_timeout" toml:"outer_timeout"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional, containers pass variables through the environment
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// expand environment variables before parsing
	expandedData := os.ExpandEnv(string(data))

	var config Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		if _, err := toml.Decode(expandedData, &config); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Discord.BotToken == "" || c.Discord.BotToken == "YOUR_BOT_TOKEN_HERE" {
		return errors.New("discord bot token is required")
	}
	if c.Discord.GuildID == "" {
		return errors.New("discord guild id is required")
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "pgx":
		if c.Database.DSN == "" {
			return errors.New("database dsn is required for pgx driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.API.Enabled && c.Discord.PublicKey == "" {
		return errors.New("discord public key is required when api is enabled")
	}
	if c.Telegram.BotToken != "" && c.Telegram.AdminChatID == 0 {
		return errors.New("telegram admin_chat_id is required when telegram bot token is set")
	}
	if _, err := time.LoadLocation(c.Reconcile.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Reconcile.Timezone, err)
	}

	return c.Reconcile.validate()
}

func (r ReconcileConfig) validate() error {
	if r.EarlyGrace < 0 {
		return errors.New("reconcile.early_grace must not be negative")
	}
	if r.ExtensionWindow >= r.MissedRatingGrace {
		return errors.New("reconcile.extension_window must be shorter than missed_rating_grace")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pairbot"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "pairbot"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RateLimitRPS == 0 {
		c.API.RateLimitRPS = 20
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = 40
	}

	if c.Discord.APIBaseURL == "" {
		c.Discord.APIBaseURL = "https://discord.com/api/v10"
	}
	if c.Discord.RateLimitRPS == 0 {
		c.Discord.RateLimitRPS = 5
	}
	if c.Discord.RateLimitBurst == 0 {
		c.Discord.RateLimitBurst = 5
	}
	if c.Discord.VoiceBitrate == 0 {
		c.Discord.VoiceBitrate = models.DefaultVoiceBitrate
	}

	if c.Earnings.Timeout == 0 {
		c.Earnings.Timeout = 10 * time.Second
	}
	if c.Earnings.QueueSize == 0 {
		c.Earnings.QueueSize = models.EarningsQueueSize
	}

	// rule windows
	if c.Reconcile.VoiceLead == 0 {
		c.Reconcile.VoiceLead = models.DefaultVoiceLead
	}
	if c.Reconcile.ExtensionWindow == 0 {
		c.Reconcile.ExtensionWindow = models.DefaultExtensionWindow
	}
	if c.Reconcile.ExtensionIncrement == 0 {
		c.Reconcile.ExtensionIncrement = models.DefaultExtensionIncrement
	}
	if c.Reconcile.MissedRatingGrace == 0 {
		c.Reconcile.MissedRatingGrace = models.DefaultMissedRatingGrace
	}
	if c.Reconcile.DedupTTL == 0 {
		c.Reconcile.DedupTTL = models.DefaultDedupTTL
	}
	if c.Reconcile.Timezone == "" {
		c.Reconcile.Timezone = models.DefaultTimezone
	}

	// scheduler periods
	if c.Schedule.Provisioning == 0 {
		c.Schedule.Provisioning = models.DefaultProvisioningInterval
	}
	if c.Schedule.Extension == 0 {
		c.Schedule.Extension = models.DefaultExtensionInterval
	}
	if c.Schedule.Teardown == 0 {
		c.Schedule.Teardown = models.DefaultTeardownInterval
	}
	if c.Schedule.Cleanup == 0 {
		c.Schedule.Cleanup = models.DefaultCleanupInterval
	}
	if c.Schedule.SafetyNet == 0 {
		c.Schedule.SafetyNet = models.DefaultSafetyNetInterval
	}
	if c.Schedule.HealthProbe == 0 {
		c.Schedule.HealthProbe = models.DefaultHealthProbeInterval
	}

	if c.Rating.MergeWindow == 0 {
		c.Rating.MergeWindow = models.DefaultRatingMergeWindow
	}
	if c.Rating.OuterTimeout == 0 {
		c.Rating.OuterTimeout = models.DefaultRatingOuterTimeout
	}
}

// Location returns the zone used to render times in channel names and messages.
func (r ReconcileConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
