package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ProviderConfig struct {
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type DetectionConfig struct {
	SimilarityThreshold     float64 `mapstructure:"similarity_threshold"`
	ConfidenceThreshold     float64 `mapstructure:"confidence_threshold"`
	MaxDetectionRetries     int     `mapstructure:"max_detection_retries"`
	MatchLowConfidence      bool    `mapstructure:"match_low_confidence"`
	CacheDurationMinutes    int     `mapstructure:"cache_duration_minutes"`
	CacheCapacity           int     `mapstructure:"cache_capacity"`
	MaxConcurrentDetections int     `mapstructure:"max_concurrent_detections"`
	RequestTimeoutSeconds   int     `mapstructure:"request_timeout_seconds"`
	PlateRefreshSeconds     int     `mapstructure:"plate_refresh_seconds"`
}

type SMSConfig struct {
	URL             string `mapstructure:"url"`
	APIKey          string `mapstructure:"api_key"`
	Sender          string `mapstructure:"sender"`
	RetryAttempts   int    `mapstructure:"retry_attempts"`
	CooldownMinutes int    `mapstructure:"cooldown_minutes"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// Config is loaded once at startup and passed into components explicitly.
// Nothing reads configuration from ambient state after that.
type Config struct {
	HTTP      HTTPConfig       `mapstructure:"http"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Detection DetectionConfig  `mapstructure:"detection"`
	Providers []ProviderConfig `mapstructure:"providers"`
	SMS       SMSConfig        `mapstructure:"sms"`
	LogLevel  string           `mapstructure:"log_level"`
}

func (c DetectionConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheDurationMinutes) * time.Minute
}

func (c DetectionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c DetectionConfig) PlateRefreshInterval() time.Duration {
	return time.Duration(c.PlateRefreshSeconds) * time.Second
}

func (c SMSConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("detection.similarity_threshold", 0.75)
	v.SetDefault("detection.confidence_threshold", 0.6)
	v.SetDefault("detection.max_detection_retries", 3)
	v.SetDefault("detection.match_low_confidence", true)
	v.SetDefault("detection.cache_duration_minutes", 30)
	v.SetDefault("detection.cache_capacity", 512)
	v.SetDefault("detection.max_concurrent_detections", 5)
	v.SetDefault("detection.request_timeout_seconds", 30)
	v.SetDefault("detection.plate_refresh_seconds", 60)

	v.SetDefault("sms.sender", "PlateAlert")
	v.SetDefault("sms.retry_attempts", 2)
	v.SetDefault("sms.cooldown_minutes", 10)
	v.SetDefault("sms.timeout_seconds", 10)
}

// Load reads config.yaml from the given path (or the working directory) and
// applies PLATEALERT_* environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLATEALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Detection.SimilarityThreshold <= 0 || c.Detection.SimilarityThreshold > 1 {
		return fmt.Errorf("detection.similarity_threshold must be in (0,1]")
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in [0,1]")
	}
	if c.Detection.MaxConcurrentDetections <= 0 {
		return fmt.Errorf("detection.max_concurrent_detections must be positive")
	}
	if c.Detection.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("detection.request_timeout_seconds must be positive")
	}
	return nil
}
