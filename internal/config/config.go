package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string
	JWTSecret   string
	Currency    string

	MinAmount       decimal.Decimal
	AmountTolerance decimal.Decimal

	Gateway   GatewayConfig
	Reconcile ReconcileConfig
	Webhook   WebhookConfig
}

type GatewayConfig struct {
	Mode        string
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
	RPS         float64
}

type ReconcileConfig struct {
	WithdrawalInterval time.Duration
	SweepInterval      time.Duration
	Grace              time.Duration
	Lookback           time.Duration
	OrphanAfter        time.Duration
	Batch              int
}

type WebhookConfig struct {
	Secret  string
	Workers int
	Queue   int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("CURRENCY", "NGN")
	v.SetDefault("MIN_AMOUNT", "100.00")
	v.SetDefault("AMOUNT_TOLERANCE", "0.01")
	v.SetDefault("GATEWAY_MODE", "live")
	v.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("GATEWAY_RPS", 10)
	v.SetDefault("RECONCILE_WITHDRAWAL_INTERVAL", "5m")
	v.SetDefault("RECONCILE_SWEEP_INTERVAL", "1h")
	v.SetDefault("RECONCILE_GRACE", "5m")
	v.SetDefault("RECONCILE_LOOKBACK", "24h")
	v.SetDefault("RECONCILE_ORPHAN_AFTER", "24h")
	v.SetDefault("RECONCILE_BATCH", 50)
	v.SetDefault("WEBHOOK_WORKERS", 4)
	v.SetDefault("WEBHOOK_QUEUE", 256)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBSource:    v.GetString("DB_SOURCE"),
		StoreDriver: v.GetString("STORE_DRIVER"),
		Port:        v.GetString("SERVER_PORT"),
		Env:         v.GetString("ENVIRONMENT"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		Currency:    v.GetString("CURRENCY"),
		Gateway: GatewayConfig{
			Mode:        v.GetString("GATEWAY_MODE"),
			SecretKey:   v.GetString("PAYSTACK_SECRET_KEY"),
			BaseURL:     v.GetString("PAYSTACK_BASE_URL"),
			CallbackURL: v.GetString("PAYSTACK_CALLBACK_URL"),
			Timeout:     v.GetDuration("GATEWAY_TIMEOUT"),
			RPS:         v.GetFloat64("GATEWAY_RPS"),
		},
		Reconcile: ReconcileConfig{
			WithdrawalInterval: v.GetDuration("RECONCILE_WITHDRAWAL_INTERVAL"),
			SweepInterval:      v.GetDuration("RECONCILE_SWEEP_INTERVAL"),
			Grace:              v.GetDuration("RECONCILE_GRACE"),
			Lookback:           v.GetDuration("RECONCILE_LOOKBACK"),
			OrphanAfter:        v.GetDuration("RECONCILE_ORPHAN_AFTER"),
			Batch:              v.GetInt("RECONCILE_BATCH"),
		},
		Webhook: WebhookConfig{
			Secret:  v.GetString("WEBHOOK_SECRET"),
			Workers: v.GetInt("WEBHOOK_WORKERS"),
			Queue:   v.GetInt("WEBHOOK_QUEUE"),
		},
	}

	var err error
	if cfg.MinAmount, err = decimal.NewFromString(v.GetString("MIN_AMOUNT")); err != nil {
		return nil, fmt.Errorf("MIN_AMOUNT: %w", err)
	}
	if cfg.AmountTolerance, err = decimal.NewFromString(v.GetString("AMOUNT_TOLERANCE")); err != nil {
		return nil, fmt.Errorf("AMOUNT_TOLERANCE: %w", err)
	}
	if cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret = cfg.Gateway.SecretKey
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.Gateway.Mode {
	case "live":
		if c.Gateway.SecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required in live gateway mode")
		}
	case "sandbox":
	default:
		return fmt.Errorf("GATEWAY_MODE must be live or sandbox, got %q", c.Gateway.Mode)
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET or PAYSTACK_SECRET_KEY is required")
	}
	if c.AmountTolerance.IsNegative() {
		return fmt.Errorf("AMOUNT_TOLERANCE must not be negative")
	}
	if !c.MinAmount.IsPositive() {
		return fmt.Errorf("MIN_AMOUNT must be positive")
	}
	if c.Reconcile.WithdrawalInterval <= 0 || c.Reconcile.SweepInterval <= 0 {
		return fmt.Errorf("reconciliation intervals must be positive")
	}
	if c.Reconcile.Batch <= 0 || c.Webhook.Workers <= 0 || c.Webhook.Queue <= 0 {
		return fmt.Errorf("RECONCILE_BATCH, WEBHOOK_WORKERS and WEBHOOK_QUEUE must be positive")
	}
	return nil
}
