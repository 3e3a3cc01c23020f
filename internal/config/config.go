package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Auth    AuthConfig
	Images  ImagesConfig
	Sites   SitesConfig
	Anomaly AnomalyConfig
	Lock    LockConfig
	Audit   AuditConfig
	Log     LogConfig
}

type HTTPConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

type RedisConfig struct {
	URL          string
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Brokers        []string
	MovementsTopic string `mapstructure:"movements_topic"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ImagesConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	SigningKey string        `mapstructure:"signing_key"`
	URLTTL     time.Duration `mapstructure:"url_ttl"`
	CacheSize  int           `mapstructure:"cache_size"`
}

type SitesConfig struct {
	Allowed []string
}

type AnomalyConfig struct {
	DefaultMinHours int           `mapstructure:"default_min_hours"`
	ScanMinHours    int           `mapstructure:"scan_min_hours"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
}

type LockConfig struct {
	TTL            time.Duration
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type AuditConfig struct {
	KafkaTopic string `mapstructure:"kafka_topic"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type LogConfig struct {
	Level   string
	Console bool
}

// Load reads config.yaml (if present) from the working directory or the given path,
// then overlays ANPR_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Env values for list keys arrive as a single comma separated string.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Sites.Allowed = splitList(cfg.Sites.Allowed)
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("db.dsn", "host=localhost user=anpr password=anpr dbname=anpr port=5432 sslmode=disable")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("db.slow_query", 200*time.Millisecond)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.movements_topic", "anpr.movements")
	v.SetDefault("kafka.consumer_group", "anpr-reconciler")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("images.base_url", "http://localhost:9000/images")
	v.SetDefault("images.signing_key", "")
	v.SetDefault("images.url_ttl", 15*time.Minute)
	v.SetDefault("images.cache_size", 4096)

	v.SetDefault("sites.allowed", []string{})

	v.SetDefault("anomaly.default_min_hours", 24)
	v.SetDefault("anomaly.scan_min_hours", 24)
	v.SetDefault("anomaly.scan_interval", 10*time.Minute)

	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.acquire_timeout", 5*time.Second)

	v.SetDefault("audit.kafka_topic", "anpr.corrections")
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Anomaly.DefaultMinHours <= 0 {
		return fmt.Errorf("invalid anomaly.default_min_hours %d", c.Anomaly.DefaultMinHours)
	}
	if c.Anomaly.ScanInterval <= 0 {
		return fmt.Errorf("invalid anomaly.scan_interval %s", c.Anomaly.ScanInterval)
	}
	if c.Lock.TTL <= 0 || c.Lock.AcquireTimeout <= 0 {
		return errors.New("lock.ttl and lock.acquire_timeout must be positive")
	}
	return nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
