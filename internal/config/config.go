package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process-level settings. Values are loaded once at startup;
// nothing else in the codebase reads the environment directly.
type Config struct {
	Addr        string `env:"HM_ADDR" envDefault:":8080"`
	Environment string `env:"HM_ENV" envDefault:"production"`

	DatabaseDSN string `env:"HM_PG_DSN,required"`
	RedisURL    string `env:"HM_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// JWTSecret signs access tokens. Rotating the key requires a restart,
	// not a code change.
	JWTSecret      string        `env:"HM_JWT_SECRET,required"`
	AccessTokenTTL time.Duration `env:"HM_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTLDays int           `env:"HM_REFRESH_TOKEN_DAYS" envDefault:"30"`
	DeviceTTLDays  int           `env:"HM_TRUSTED_DEVICE_DAYS" envDefault:"180"`

	// EncryptionKey protects host credentials at rest; hex-encoded 32 bytes.
	EncryptionKey string `env:"HM_ENCRYPTION_KEY,required"`

	AllowedOrigins []string `env:"HM_ALLOWED_ORIGINS" envSeparator:","`

	UpstreamTimeout time.Duration `env:"HM_UPSTREAM_TIMEOUT" envDefault:"10s"`

	RateBurst  int `env:"HM_RATE_BURST" envDefault:"20"`
	RatePerSec int `env:"HM_RATE_PER_SEC" envDefault:"10"`

	SMTPHost     string `env:"HM_SMTP_HOST"`
	SMTPPort     int    `env:"HM_SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"HM_SMTP_USER"`
	SMTPPassword string `env:"HM_SMTP_PASSWORD"`
	SMTPFrom     string `env:"HM_SMTP_FROM" envDefault:"noreply@iotzator.com"`
	ResetURLBase string `env:"HM_RESET_URL_BASE" envDefault:"https://homematrix.iotzator.com/reset-password"`
}

var loadEnvOnce sync.Once

// Load parses the environment into a Config. A .env file is honored when
// present so local development does not need exported variables.
func Load() (Config, error) {
	loadEnvOnce.Do(func() {
		_ = godotenv.Load()
	})
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.JWTSecret) < 32 {
		return errors.New("HM_JWT_SECRET must be at least 32 bytes")
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return errors.New("HM_ENCRYPTION_KEY must be 32 hex-encoded bytes")
	}
	if c.RefreshTTLDays <= 0 || c.DeviceTTLDays <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	return nil
}

// EncryptionKeyBytes returns the decoded at-rest key. validate has already
// checked the encoding, so failures here cannot happen after Load.
func (c Config) EncryptionKeyBytes() []byte {
	key, _ := hex.DecodeString(c.EncryptionKey)
	return key
}
