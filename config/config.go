// Package config loads petcare account settings from YAML, a .env file and
// PETCARE_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/ledger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PETCARE_"

// Ledger kinds.
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Config is the full set of account settings.
type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Account struct {
		SettleDelay     time.Duration `yaml:"settle_delay"`
		RegistrationTTL time.Duration `yaml:"registration_ttl"`
		DemoEmail       string        `yaml:"demo_email"`
		PhoneRegion     string        `yaml:"phone_region"`
	} `yaml:"account"`

	Ledger struct {
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"ledger"`

	Identity struct {
		SigningKey          string        `yaml:"signing_key"`
		Issuer              string        `yaml:"issuer"`
		TokenTTL            time.Duration `yaml:"token_ttl"`
		RequireConfirmation bool          `yaml:"require_confirmation"`
		BcryptCost          int           `yaml:"bcrypt_cost"`
		Device              string        `yaml:"device"`
	} `yaml:"identity"`

	Audit struct {
		Kafka struct {
			Brokers  []string `yaml:"brokers"`
			Topic    string   `yaml:"topic"`
			ClientID string   `yaml:"client_id"`
		} `yaml:"kafka"`
	} `yaml:"audit"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

var _ account.Config = (*Config)(nil)

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadEnvFile loads variables from a .env file without overriding variables
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Validate checks the settings needed to run.
func (c *Config) Validate() error {
	var redisRules []validation.Rule
	if c.Ledger.Kind == LedgerRedis {
		redisRules = append(redisRules, validation.Required)
	}

	return validation.Errors{
		"app.env": validation.Validate(c.App.Env, validation.In("dev", "prod")),
		"database.driver": validation.Validate(c.Database.Driver,
			validation.Required, validation.In("sqlite", "sqlite3", "postgres", "pgx", "postgresql")),
		"database.dsn":      validation.Validate(c.Database.DSN, validation.Required),
		"ledger.kind":       validation.Validate(c.Ledger.Kind, validation.In(LedgerMemory, LedgerRedis)),
		"ledger.redis.addr": validation.Validate(c.Ledger.Redis.Addr, redisRules...),
		"account.settle_delay": validation.Validate(int64(c.Account.SettleDelay), validation.Min(int64(0))),
		"identity.token_ttl":   validation.Validate(int64(c.Identity.TokenTTL), validation.Min(int64(time.Minute))),
	}.Filter()
}

// GetSettleDelay implements account.Config.
func (c *Config) GetSettleDelay() time.Duration { return c.Account.SettleDelay }

// GetRegistrationTTL implements account.Config.
func (c *Config) GetRegistrationTTL() time.Duration { return c.Account.RegistrationTTL }

// GetDemoEmail implements account.Config.
func (c *Config) GetDemoEmail() string { return c.Account.DemoEmail }

// GetPhoneRegion implements account.Config.
func (c *Config) GetPhoneRegion() string { return c.Account.PhoneRegion }

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "file:petcare.db?cache=shared"
	}
	if c.Account.SettleDelay == 0 {
		c.Account.SettleDelay = account.DefaultSettleDelay
	}
	if c.Account.RegistrationTTL == 0 {
		c.Account.RegistrationTTL = ledger.DefaultTTL
	}
	if c.Account.DemoEmail == "" {
		c.Account.DemoEmail = account.DemoEmail
	}
	if c.Account.PhoneRegion == "" {
		c.Account.PhoneRegion = account.DefaultPhoneRegion
	}
	if c.Ledger.Kind == "" {
		c.Ledger.Kind = LedgerMemory
	}
	if c.Ledger.Redis.Prefix == "" {
		c.Ledger.Redis.Prefix = "petcare:registration:"
	}
	if c.Identity.Issuer == "" {
		c.Identity.Issuer = "petcare"
	}
	if c.Identity.TokenTTL == 0 {
		c.Identity.TokenTTL = 24 * time.Hour
	}
	if c.Identity.Device == "" {
		c.Identity.Device = "default"
	}
	if c.Audit.Kafka.Topic == "" {
		c.Audit.Kafka.Topic = "petcare.account.activity"
	}
}

// applyEnvOverrides replaces file values with PETCARE_* variables.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}

	if v, ok := getEnvStr("DB_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := getEnvStr("DB_DSN"); ok {
		c.Database.DSN = v
	}

	if v, ok := getEnvDur("SETTLE_DELAY"); ok {
		c.Account.SettleDelay = v
	}
	if v, ok := getEnvDur("REGISTRATION_TTL"); ok {
		c.Account.RegistrationTTL = v
	}
	if v, ok := getEnvStr("DEMO_EMAIL"); ok {
		c.Account.DemoEmail = v
	}
	if v, ok := getEnvStr("PHONE_REGION"); ok {
		c.Account.PhoneRegion = strings.ToUpper(v)
	}

	if v, ok := getEnvStr("LEDGER_KIND"); ok {
		c.Ledger.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Ledger.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Ledger.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Ledger.Redis.DB = v
	}

	if v, ok := getEnvStr("SIGNING_KEY"); ok {
		c.Identity.SigningKey = v
	}
	if v, ok := getEnvDur("TOKEN_TTL"); ok {
		c.Identity.TokenTTL = v
	}
	if v, ok := getEnvBool("REQUIRE_CONFIRMATION"); ok {
		c.Identity.RequireConfirmation = v
	}
	if v, ok := getEnvInt("BCRYPT_COST"); ok {
		c.Identity.BcryptCost = v
	}
	if v, ok := getEnvStr("DEVICE"); ok {
		c.Identity.Device = v
	}

	if v, ok := getEnvCSV("KAFKA_BROKERS"); ok {
		c.Audit.Kafka.Brokers = v
	}
	if v, ok := getEnvStr("KAFKA_TOPIC"); ok {
		c.Audit.Kafka.Topic = v
	}
	if v, ok := getEnvBool("METRICS_ENABLED"); ok {
		c.Metrics.Enabled = v
	}
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}
