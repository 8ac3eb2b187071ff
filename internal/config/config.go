// Package config содержит логику чтения конфигурации сервиса симброкер.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса симброкер.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	// Учётные данные провайдеров. Адаптер считается включённым, если
	// для него задан ключ API.
	SMSLiveBaseURL string `env:"SMSLIVE_BASE_URL"`
	SMSLiveAPIKey  string `env:"SMSLIVE_API_KEY"`

	VirtlineBaseURL   string `env:"VIRTLINE_BASE_URL"`
	VirtlineAPIKey    string `env:"VIRTLINE_API_KEY"`
	VirtlineAPISecret string `env:"VIRTLINE_API_SECRET"`

	ESIMFoxBaseURL string `env:"ESIMFOX_BASE_URL"`
	ESIMFoxAPIKey  string `env:"ESIMFOX_API_KEY"`

	SMMBoxBaseURL string `env:"SMMBOX_BASE_URL"`
	SMMBoxAPIKey  string `env:"SMMBOX_API_KEY"`

	// DefaultProvider используется политикой выбора "default".
	DefaultProvider string `env:"DEFAULT_PROVIDER" envDefault:"smslive"`

	// MarkupPercent — торговая наценка поверх закупочной цены, в процентах.
	MarkupPercent float64 `env:"MARKUP_PERCENT" envDefault:"30"`
	// FXRate — курс пересчёта валюты провайдера в локальную валюту.
	FXRate float64 `env:"FX_RATE" envDefault:"1"`

	// RemoteRetries — число повторов удалённого вызова при временных сбоях.
	RemoteRetries int `env:"REMOTE_RETRIES" envDefault:"3"`
	// RemoteTimeout — таймаут одного удалённого вызова.
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"10s"`
	// PriceCacheTTL — время жизни кэша агрегированных цен.
	PriceCacheTTL time.Duration `env:"PRICE_CACHE_TTL" envDefault:"5m"`
	// ReconcileInterval — период фоновой сверки статусов заказов.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`

	AuthSecret string `env:"AUTH_SECRET" envDefault:"simbroker-secret"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDefaultProvider := cfg.DefaultProvider

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DefaultProvider, "p", "smslive", "default provider name")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDefaultProvider != "" {
		cfg.DefaultProvider = envDefaultProvider
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.MarkupPercent < 0 {
		return nil, fmt.Errorf("markup percent must be non-negative, got %v", cfg.MarkupPercent)
	}
	if cfg.FXRate <= 0 {
		return nil, fmt.Errorf("fx rate must be positive, got %v", cfg.FXRate)
	}

	return cfg, nil
}
