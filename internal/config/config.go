package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Hostname string `env:"BULLETIN_HOSTNAME" envDefault:"localhost"`

	DbURI string `env:"BULLETIN_DB_URI" envDefault:"./bulletin.sqlite"`

	// Delivery worker pool. Workers bounds how many sends are in flight at
	// once and should respect the SMTP relay's rate limits.
	Workers      int           `env:"BULLETIN_WORKERS" envDefault:"10"`
	PollInterval time.Duration `env:"BULLETIN_POLL_INTERVAL" envDefault:"10s"`
	LeaseTimeout time.Duration `env:"BULLETIN_LEASE_TIMEOUT" envDefault:"5m"`
	MaxAttempts  int           `env:"BULLETIN_MAX_ATTEMPTS" envDefault:"3"`

	SMTPHost string `env:"BULLETIN_SMTP_HOST" envDefault:"localhost"`
	SMTPPort int    `env:"BULLETIN_SMTP_PORT" envDefault:"25"`
	SMTPUser string `env:"BULLETIN_SMTP_USER"`
	SMTPPass string `env:"BULLETIN_SMTP_PASS"`
	From     string `env:"BULLETIN_FROM" envDefault:"newsletter@localhost"`

	APIPort int `env:"BULLETIN_API_PORT" envDefault:"8080"`

	MetricsPollUser string `env:"BULLETIN_METRICS_BASIC_AUTH_USER"`
	MetricsPollPass string `env:"BULLETIN_METRICS_BASIC_AUTH_PASS"`

	LogLevel string `env:"BULLETIN_LOG_LEVEL" envDefault:"info"`
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
