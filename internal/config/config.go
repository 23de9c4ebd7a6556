package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TrustedProxies may set X-Forwarded-For. The resolved client IP is the
	// admission and blacklist key.
	TrustedProxies []string
}

type LoggingConfig struct {
	Level string
}

type PostgresConfig struct {
	DSN              string
	MaxOpen          int
	MaxIdle          int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	BucketOriginals string
	UseSSL          bool
	Region          string
	PresignTTL      time.Duration
}

type SecurityConfig struct {
	JWTAccessSecret   string
	JWTAccessTTL      time.Duration
	AdminUser         string
	AdminPasswordHash string
	SignatureSecret   string
}

type UploadConfig struct {
	MaxBytes       int64
	AllowedFormats []string
}

type AdmissionStatsConfig struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

type AdmissionConfig struct {
	MaxPerWindow    int
	Window          time.Duration
	AllowConcurrent bool
	IdleTTL         time.Duration
	JanitorSchedule string
	Stats           AdmissionStatsConfig
}

type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Name     string
	RPS      float64
	Burst    int
}

type ModerationConfig struct {
	Enabled         bool
	AutoEnforce     bool
	PollInterval    time.Duration
	BackoffInterval time.Duration
	MaxRetries      int
	ProviderTimeout time.Duration
	ThresholdBlock  float64
	Provider        ProviderConfig
}

type NotifyConfig struct {
	Stream string
	MaxLen int64
}

type BlacklistConfig struct {
	Key string
}

type AppConfig struct {
	Environment      string
	Logging          LoggingConfig
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Upload           UploadConfig
	Admission        AdmissionConfig
	Moderation       ModerationConfig
	Notify           NotifyConfig
	Blacklist        BlacklistConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("NODEIMAGE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the queue and admission gate cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Admission.MaxPerWindow <= 0 {
		errs = append(errs, errors.New("admission.maxperwindow must be positive"))
	}
	if c.Admission.Window <= 0 {
		errs = append(errs, errors.New("admission.window must be positive"))
	}
	if c.Moderation.PollInterval <= 0 {
		errs = append(errs, errors.New("moderation.pollinterval must be positive"))
	}
	if c.Moderation.BackoffInterval <= 0 {
		errs = append(errs, errors.New("moderation.backoffinterval must be positive"))
	}
	if c.Moderation.MaxRetries < 1 {
		errs = append(errs, errors.New("moderation.maxretries must be at least 1"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.maxbytes must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.statementtimeout", "15s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.bucketoriginals", "nodeimage-originals")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.presignttl", "15m")

	v.SetDefault("security.jwtaccessttl", "15m")
	v.SetDefault("security.adminuser", "admin")

	v.SetDefault("upload.maxbytes", 20<<20)
	v.SetDefault("upload.allowedformats", []string{"jpeg", "png", "gif", "webp", "avif"})

	v.SetDefault("admission.maxperwindow", 10)
	v.SetDefault("admission.window", "1m")
	v.SetDefault("admission.allowconcurrent", false)
	v.SetDefault("admission.idlettl", "10m")
	v.SetDefault("admission.janitorschedule", "0 */2 * * * *")
	v.SetDefault("admission.stats.enabled", false)
	v.SetDefault("admission.stats.prefix", "admission:stats")
	v.SetDefault("admission.stats.ttl", "24h")

	v.SetDefault("moderation.enabled", true)
	v.SetDefault("moderation.autoenforce", true)
	v.SetDefault("moderation.pollinterval", "5s")
	v.SetDefault("moderation.backoffinterval", "60s")
	v.SetDefault("moderation.maxretries", 3)
	v.SetDefault("moderation.providertimeout", "30s")
	v.SetDefault("moderation.thresholdblock", 0.92)
	v.SetDefault("moderation.provider.name", "nsfw-http")
	v.SetDefault("moderation.provider.rps", 2.0)
	v.SetDefault("moderation.provider.burst", 1)

	v.SetDefault("notify.stream", "moderation:alerts")
	v.SetDefault("notify.maxlen", 10000)

	v.SetDefault("blacklist.key", "moderation:blacklist")
}
