package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service  string `mapstructure:"service"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`

	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Tx       TxConfig       `mapstructure:"tx"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Checkout CheckoutConfig `mapstructure:"checkout"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	LongTTL           time.Duration `mapstructure:"long_ttl"`
	InvalidateTimeout time.Duration `mapstructure:"invalidate_timeout"`
	OpTimeout         time.Duration `mapstructure:"op_timeout"`
}

type TxConfig struct {
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Retries     int           `mapstructure:"retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type StripeConfig struct {
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	SuccessURL    string        `mapstructure:"success_url"`
	CancelURL     string        `mapstructure:"cancel_url"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type CheckoutConfig struct {
	// PendingMinTTL is the least remaining lifetime a pending payment
	// session needs to be handed out again.
	PendingMinTTL time.Duration `mapstructure:"pending_min_ttl"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "enrollment-service")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("mongo.database", "coursehive")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.long_ttl", 24*time.Hour)
	v.SetDefault("cache.invalidate_timeout", 5*time.Second)
	v.SetDefault("cache.op_timeout", 2*time.Second)

	v.SetDefault("tx.max_duration", 120*time.Second)
	v.SetDefault("tx.retries", 2)
	v.SetDefault("tx.retry_delay", time.Second)

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.success_url", "http://localhost:5173/checkout/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("stripe.cancel_url", "http://localhost:5173/checkout/cancel")
	v.SetDefault("stripe.session_ttl", time.Hour)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "enrollment.events")
	v.SetDefault("kafka.group_id", "enrollment-notifier")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("checkout.pending_min_ttl", time.Minute)
	v.SetDefault("sweeper.interval", 15*time.Minute)
}

// Load reads defaults, then the optional YAML file at path, then the
// environment (MONGO_URI, STRIPE_SECRET_KEY, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the HTTP service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Env) == "" {
		errs = append(errs, errors.New("env is required, it prefixes every cache key"))
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("stripe.secret_key is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}
	if c.Tx.Retries < 0 {
		errs = append(errs, errors.New("tx.retries must not be negative"))
	}
	return errors.Join(errs...)
}
