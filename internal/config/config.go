package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret    string `envconfig:"AUTH_SECRET"`
	TokenTTLHours int    `envconfig:"TOKEN_TTL_HOURS" default:"24"`

	// TaxRatePercent is the store-wide tax rate applied at checkout,
	// expressed as a percentage (10 means 10%).
	TaxRatePercent  float64 `envconfig:"TAX_RATE_PERCENT" default:"10"`
	CatalogCacheTTL int     `envconfig:"CATALOG_CACHE_TTL_SECONDS" default:"30"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.TokenTTLHours < 1 {
		cfg.TokenTTLHours = 24
	}
	if cfg.TaxRatePercent < 0 || cfg.TaxRatePercent > 100 {
		return Config{}, fmt.Errorf("TAX_RATE_PERCENT out of range: %v", cfg.TaxRatePercent)
	}
	if cfg.CatalogCacheTTL < 1 {
		cfg.CatalogCacheTTL = 30
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// TaxRate returns the configured rate as a fraction, e.g. 0.10 for 10%.
func (c Config) TaxRate() decimal.Decimal {
	return decimal.NewFromFloat(c.TaxRatePercent).Div(decimal.NewFromInt(100))
}
