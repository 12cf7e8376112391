package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "STORAGEFLOW"

type Config struct {
	ListenAddr   string          `mapstructure:"listen_addr"`
	BasePath     string          `mapstructure:"base_path"`
	Log          LogConfig       `mapstructure:"log"`
	Provider     string          `mapstructure:"provider"`
	S3           S3Config        `mapstructure:"s3"`
	GCS          GCSConfig       `mapstructure:"gcs"`
	Disk         DiskConfig      `mapstructure:"disk"`
	PresignTTL   time.Duration   `mapstructure:"presign_ttl"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Sweep        SweepConfig     `mapstructure:"sweep"`
	OTLPEndpoint string          `mapstructure:"otlp_endpoint"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables a rotated log file next to the console output.
	File string `mapstructure:"file"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BaseURL         string `mapstructure:"base_url"`
	Endpoint        string `mapstructure:"endpoint"`
	ACL             string `mapstructure:"acl"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	BaseURL         string `mapstructure:"base_url"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type DiskConfig struct {
	Dir       string `mapstructure:"dir"`
	PublicURL string `mapstructure:"public_url"`
	Secret    string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	// RPS is the number of mutating requests a client may send per second.
	// Zero disables rate limiting.
	RPS float64       `mapstructure:"rps"`
	TTL time.Duration `mapstructure:"ttl"`
}

type SweepConfig struct {
	// Interval between sweeps of abandoned multipart uploads. Zero disables
	// the sweeper.
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_path", "/api/v1/storage")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("provider", "disk")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.base_url", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.acl", "")

	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.base_url", "")
	v.SetDefault("gcs.credentials_file", "")

	v.SetDefault("disk.dir", "./data")
	v.SetDefault("disk.public_url", "http://localhost:8080/files")
	v.SetDefault("disk.secret", "")

	v.SetDefault("presign_ttl", 10*time.Minute)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.ttl", time.Hour)
	v.SetDefault("sweep.interval", time.Duration(0))
	v.SetDefault("sweep.ttl", 24*time.Hour)
	v.SetDefault("otlp_endpoint", "")
}

// LoadConfig reads the YAML file at path, if any, and applies
// STORAGEFLOW_* environment overrides, e.g. STORAGEFLOW_S3_BUCKET for
// s3.bucket.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base_path %q must start with /", c.BasePath)
	}
	if c.RateLimit.RPS < 0 {
		return errors.New("rate_limit.rps must not be negative")
	}
	if c.Sweep.Interval > 0 && c.Sweep.TTL <= 0 {
		return errors.New("sweep.ttl must be positive when the sweeper is enabled")
	}
	return nil
}
