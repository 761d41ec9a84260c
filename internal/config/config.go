package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	pkgconfig "github.com/Skotchmaster/online_pharmacy/pkg/config"
)

const EnvDevelopment = "development"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer

	ServiceName    string `env:"SERVICE_NAME" envDefault:"order"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	JWTSecret      string `env:"JWT_SECRET"`
	KafkaBrokers   string `env:"KAFKA_BROKERS"`
	Currency       string `env:"CURRENCY" envDefault:"USD"`

	RateLimitPerMinute int64 `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	Gateway   Gateway   `envPrefix:"GATEWAY_"`
	BrainTree Braintree `envPrefix:"BRAINTREE_"`
	Webhook   Webhook   `envPrefix:"WEBHOOK_"`
	Workers   Workers
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"production"`
}

type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"SERVER_PORT" envDefault:"8080"`
}

type Gateway struct {
	Provider string        `env:"PROVIDER" envDefault:"rest"`
	BaseURL  string        `env:"BASE_URL"`
	APIKey   string        `env:"API_KEY"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type Braintree struct {
	Environment string `env:"ENVIRONMENT" envDefault:"sandbox"`
	MerchantID  string `env:"MERCHANT_ID"`
	PublicKey   string `env:"PUBLIC_KEY"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

type Webhook struct {
	Secret    string        `env:"SECRET"`
	Tolerance time.Duration `env:"TOLERANCE" envDefault:"5m"`
	DedupTTL  time.Duration `env:"DEDUP_TTL" envDefault:"72h"`
}

type Workers struct {
	ReconcileInterval        time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileAfter           time.Duration `env:"RECONCILE_AFTER" envDefault:"5m"`
	ReservationSweepInterval time.Duration `env:"RESERVATION_SWEEP_INTERVAL" envDefault:"1m"`
	ReservationTTL           time.Duration `env:"RESERVATION_TTL" envDefault:"15m"`
	CompensationAttempts     int           `env:"COMPENSATION_ATTEMPTS" envDefault:"5"`
}

func (c *Config) Development() bool {
	return c.Environment.Name == EnvDevelopment
}

func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + c.HTTP.Port
}

func (c *Config) Brokers() []string {
	return pkgconfig.CSV(c.KafkaBrokers)
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}
	return Parse()
}

func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing required env DATABASE_URL"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env JWT_SECRET"))
	}
	// unsigned webhooks are accepted nowhere but on a developer machine
	if c.Webhook.Secret == "" && !c.Development() {
		errs = append(errs, errors.New("missing required env WEBHOOK_SECRET"))
	}

	switch c.Gateway.Provider {
	case "rest":
		if c.Gateway.BaseURL == "" {
			errs = append(errs, errors.New("missing required env GATEWAY_BASE_URL"))
		}
	case "braintree":
		if c.BrainTree.MerchantID == "" || c.BrainTree.PublicKey == "" || c.BrainTree.PrivateKey == "" {
			errs = append(errs, errors.New("missing BRAINTREE_MERCHANT_ID, BRAINTREE_PUBLIC_KEY or BRAINTREE_PRIVATE_KEY"))
		}
	case "fake":
		if !c.Development() {
			errs = append(errs, errors.New("GATEWAY_PROVIDER=fake is only allowed in development"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.Gateway.Provider))
	}

	if c.Workers.CompensationAttempts < 1 {
		errs = append(errs, errors.New("COMPENSATION_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}
