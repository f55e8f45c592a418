package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8090"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	ProviderBaseURL string        `env:"PROVIDER_BASE_URL"`
	ProviderAPIKey  string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	SMTPAddr     string `env:"SMTP_ADDR"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"noreply@incomeclarity.local"`

	ArchiveBucket   string `env:"ARCHIVE_BUCKET"`
	ArchiveEndpoint string `env:"ARCHIVE_ENDPOINT"`
	ArchiveRegion   string `env:"ARCHIVE_REGION" envDefault:"auto"`
	ArchiveKeyID    string `env:"ARCHIVE_KEY_ID"`
	ArchiveSecret   string `env:"ARCHIVE_SECRET"`

	TempDir string `env:"TEMP_DIR" envDefault:"/tmp/income-clarity"`

	BatchSize            int           `env:"BATCH_SIZE" envDefault:"25"`
	BatchConcurrency     int           `env:"BATCH_CONCURRENCY" envDefault:"4"`
	BatchDelay           time.Duration `env:"BATCH_DELAY" envDefault:"2s"`
	SyncFreshness        time.Duration `env:"SYNC_FRESHNESS" envDefault:"24h"`
	SuccessRateThreshold float64       `env:"SUCCESS_RATE_THRESHOLD" envDefault:"0.9"`
}

// Load reads the environment (and a .env file in development) into a
// Config. Validation of required values happens here, not at use sites.
func Load() (Config, error) {
	_ = godotenv.Load() // best effort; real env always wins
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ProviderConfigured reports whether the aggregation provider
// credentials are present. The health surface exposes this.
func (c Config) ProviderConfigured() bool {
	return c.ProviderBaseURL != "" && c.ProviderAPIKey != ""
}
