package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"OUTREACH_DB_URI" envDefault:"./outreach.sqlite"`

	LogLevel string `env:"OUTREACH_LOG_LEVEL" envDefault:"info"`

	DispatchInterval  time.Duration `env:"OUTREACH_DISPATCH_INTERVAL" envDefault:"30s"`
	ReconcileInterval time.Duration `env:"OUTREACH_RECONCILE_INTERVAL" envDefault:"120s"`
	SendPacing        time.Duration `env:"OUTREACH_SEND_PACING" envDefault:"2s"`

	ReconcileWindow time.Duration `env:"OUTREACH_RECONCILE_WINDOW" envDefault:"720h"` // 30 days
	FollowUpAfter   time.Duration `env:"OUTREACH_FOLLOW_UP_AFTER" envDefault:"168h"`  // 7 days
	FollowUpDelay   time.Duration `env:"OUTREACH_FOLLOW_UP_DELAY" envDefault:"24h"`

	BusinessHoursStart int `env:"OUTREACH_BUSINESS_HOURS_START" envDefault:"8"`
	BusinessHoursEnd   int `env:"OUTREACH_BUSINESS_HOURS_END" envDefault:"18"`

	// Providers whose webmail rewrites reply subjects aggressively enough to
	// need the loosened matching rule.
	LoosenedProviders []string `env:"OUTREACH_LOOSENED_PROVIDERS" envSeparator:"," envDefault:"hostinger"`

	NatsURI string `env:"OUTREACH_NATS_URI"`

	APIPort         int    `env:"OUTREACH_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"OUTREACH_API_AUTO_TLS" envDefault:"false"`
	APIAutoTLSHost  string `env:"OUTREACH_API_AUTO_TLS_HOST"`
	MetricsUser     string `env:"OUTREACH_METRICS_BASIC_AUTH_USER"`
	MetricsPassword string `env:"OUTREACH_METRICS_BASIC_AUTH_PASS"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
