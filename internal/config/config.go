package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// MigrationsDir is read by the migrate command.
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	// TimeZone is the single zone every calendar's dates and times live in.
	TimeZone string `mapstructure:"TIMEZONE"`

	PIIEncryptionKey string `mapstructure:"PII_ENCRYPTION_KEY"`
	PIIKeyVersion    int    `mapstructure:"PII_KEY_VERSION"`
	PIIPreviousKeys  string `mapstructure:"PII_PREVIOUS_KEYS"`
	PIIHashSecret    string `mapstructure:"PII_HASH_SECRET"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaBookingTopic string   `mapstructure:"KAFKA_BOOKING_TOPIC"`

	ReminderSchedule  string `mapstructure:"REMINDER_SCHEDULE"`
	ReminderLeadHours int    `mapstructure:"REMINDER_LEAD_HOURS"`

	BookingConflictRetries int `mapstructure:"BOOKING_CONFLICT_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "TIMEZONE",
	"PII_ENCRYPTION_KEY", "PII_KEY_VERSION", "PII_PREVIOUS_KEYS", "PII_HASH_SECRET",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS",
	"KAFKA_BROKERS", "KAFKA_BOOKING_TOPIC",
	"REMINDER_SCHEDULE", "REMINDER_LEAD_HOURS", "BOOKING_CONFLICT_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("PII_KEY_VERSION", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KAFKA_BOOKING_TOPIC", "scheduling.bookings")
	v.SetDefault("REMINDER_SCHEDULE", "*/15 * * * *")
	v.SetDefault("REMINDER_LEAD_HOURS", 24)
	v.SetDefault("BOOKING_CONFLICT_RETRIES", 5)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList accepts both a decoded slice and a raw comma-separated value,
// since env vars arrive as a single string.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 0 {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads the configured scheduling time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// PreviousKeys parses PII_PREVIOUS_KEYS, a comma-separated list of
// "version:hexkey" pairs.
func (c *Config) PreviousKeys() (map[int]string, error) {
	out := make(map[int]string)
	for _, pair := range splitList(nil, c.PIIPreviousKeys) {
		ver, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("PII_PREVIOUS_KEYS entry %q is not version:key", pair)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(ver, "v"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("PII_PREVIOUS_KEYS entry %q has invalid version", pair)
		}
		if n == c.PIIKeyVersion {
			return nil, fmt.Errorf("PII_PREVIOUS_KEYS repeats current version %d", n)
		}
		out[n] = key
	}
	return out, nil
}

// Validate checks that the configuration is safe to run. Production requires
// encryption, a hash secret distinct from the encryption key, and a token
// signing key.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.PIIEncryptionKey == "" {
			return fmt.Errorf("PII_ENCRYPTION_KEY is required in production")
		}
		if c.PIIHashSecret == "" {
			return fmt.Errorf("PII_HASH_SECRET is required in production")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
	}

	if c.PIIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PIIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PII_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PII_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
		if c.PIIHashSecret != "" && c.PIIHashSecret == c.PIIEncryptionKey {
			return fmt.Errorf("PII_HASH_SECRET must differ from PII_ENCRYPTION_KEY")
		}
	}
	if c.PIIKeyVersion < 1 {
		return fmt.Errorf("PII_KEY_VERSION must be positive, got %d", c.PIIKeyVersion)
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.ReminderSchedule); err != nil {
		return fmt.Errorf("REMINDER_SCHEDULE %q: %w", c.ReminderSchedule, err)
	}
	if c.ReminderLeadHours < 1 {
		return fmt.Errorf("REMINDER_LEAD_HOURS must be positive, got %d", c.ReminderLeadHours)
	}
	if c.BookingConflictRetries < 1 {
		return fmt.Errorf("BOOKING_CONFLICT_RETRIES must be positive, got %d", c.BookingConflictRetries)
	}
	return nil
}
