package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	CRDBDSN       string        `env:"CRDB_DSN"`
	MongoURI      string        `env:"MONGO_URI"`
	MongoDatabase string        `env:"MONGO_DATABASE" envDefault:"espazza"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RabbitURL     string        `env:"RABBIT_URL"`
	JWTSecret     string        `env:"JWT_SECRET"`
	OTLPEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampling  float64       `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
	Environment   string        `env:"APP_ENV" envDefault:"development"`
	PendingTTL    time.Duration `env:"PENDING_TTL" envDefault:"30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"100"`

	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`

	Yoco   Yoco   `envPrefix:"YOCO_"`
	PayPal PayPal `envPrefix:"PAYPAL_"`
	SMTP   SMTP   `envPrefix:"SMTP_"`
}

type Yoco struct {
	APIBaseURL       string        `env:"API_BASE_URL" envDefault:"https://payments.yoco.com"`
	SecretKey        string        `env:"SECRET_KEY"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
}

type PayPal struct {
	BaseAPIURL   string `env:"BASE_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	WebhookID    string `env:"WEBHOOK_ID"`
}

type SMTP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM" envDefault:"no-reply@espazza.co.za"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.CRDBDSN == "" {
		return nil, errors.New("CRDB_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

// YocoEnabled reports whether the card processor has credentials.
func (c *Config) YocoEnabled() bool {
	return c.Yoco.SecretKey != "" && c.Yoco.WebhookSecret != ""
}

func (c *Config) PayPalEnabled() bool {
	return c.PayPal.ClientID != "" && c.PayPal.ClientSecret != "" && c.PayPal.WebhookID != ""
}
