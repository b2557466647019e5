package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cooldown   CooldownConfig   `mapstructure:"cooldown"`
	Bandwidth  BandwidthConfig  `mapstructure:"bandwidth"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ProxyConfig struct {
	Name          string   `mapstructure:"name"`
	Version       string   `mapstructure:"version"`
	URL           string   `mapstructure:"url"`
	Admin         string   `mapstructure:"admin"`
	Development   bool     `mapstructure:"development"`
	Models        []string `mapstructure:"models"`
	Banner        string   `mapstructure:"banner"`
	BannerVersion int      `mapstructure:"banner_version"`
	PrefillFile   string   `mapstructure:"prefill_file"`
}

type IdentityConfig struct {
	Salt string `mapstructure:"salt"`
}

type StorageConfig struct {
	Type        string        `mapstructure:"type"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CooldownConfig struct {
	// Policy is a comma-separated list of duration[:bandwidth] steps,
	// e.g. "30:60, 60:75, 90:90". Empty means no cooldown.
	Policy string `mapstructure:"policy"`
}

type BandwidthConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	ServiceID string        `mapstructure:"service_id"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	Warning   int           `mapstructure:"warning"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// Enable environment variable substitution
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Set environment variable overrides
	viper.SetEnvPrefix("") // No prefix
	viper.BindEnv("identity.salt", "XUID_SECRET")
	viper.BindEnv("cooldown.policy", "COOLDOWN")
	viper.BindEnv("storage.type", "STORAGE_TYPE")
	viper.BindEnv("storage.redis.addr", "REDIS_HOST", "REDIS_PORT")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")
	viper.BindEnv("bandwidth.api_key", "RENDER_API_KEY")
	viper.BindEnv("bandwidth.service_id", "RENDER_SERVICE_ID")
	viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := viper.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	// Load additional supported models from environment variables
	if extraModels := os.Getenv("PROXY_MODELS"); extraModels != "" {
		for _, model := range strings.Split(extraModels, ",") {
			model = strings.TrimSpace(model)
			if model != "" {
				config.Proxy.Models = append(config.Proxy.Models, model)
			}
		}
	}

	// Validate required fields
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Storage.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "memory" && !cfg.Proxy.Development {
		return fmt.Errorf("memory storage is only allowed in development")
	}
	if cfg.Identity.Salt == "" && !cfg.Proxy.Development {
		return fmt.Errorf("identity salt is required in production")
	}
	if cfg.Storage.LockTimeout <= 0 {
		cfg.Storage.LockTimeout = 60 * time.Second
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 60 * time.Second
	}
	if cfg.Bandwidth.CacheTTL <= 0 {
		cfg.Bandwidth.CacheTTL = 5 * time.Minute
	}
	return nil
}
