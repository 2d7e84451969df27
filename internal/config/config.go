// Package config loads the daemon configuration from defaults, an optional
// YAML file, a .env file and USSD_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/bridge"
	"github.com/celerix-dev/ussd-whisperer/internal/dispatch"
	"github.com/celerix-dev/ussd-whisperer/internal/engine"
	"github.com/celerix-dev/ussd-whisperer/internal/logging"
	"github.com/celerix-dev/ussd-whisperer/internal/notify"
	"github.com/celerix-dev/ussd-whisperer/internal/vault"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. USSD_HTTP_PORT.
const EnvPrefix = "USSD"

// Config is the full daemon configuration.
type Config struct {
	DataDir    string `mapstructure:"data_dir" validate:"required"`
	Port       string `mapstructure:"port" validate:"required,numeric"`
	HTTPPort   string `mapstructure:"http_port" validate:"required,numeric"`
	DisableTLS bool   `mapstructure:"disable_tls"`
	SeedFile   string `mapstructure:"seed_file"`
	// SecretKey decrypts values sealed with "ussdctl seal".
	SecretKey string `mapstructure:"secret_key"`

	Store  engine.Config      `mapstructure:"store"`
	Bridge bridge.Config      `mapstructure:"bridge"`
	Runner dispatch.Config    `mapstructure:"runner"`
	Redis  notify.RedisConfig `mapstructure:"redis"`
	Log    logging.Config     `mapstructure:"log"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("port", "7001")
	v.SetDefault("http_port", "7002")
	v.SetDefault("disable_tls", false)
	v.SetDefault("seed_file", "")
	v.SetDefault("secret_key", "")

	v.SetDefault("store.driver", engine.DriverFile)
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.connect_timeout", 10*time.Second)
	v.SetDefault("store.postgres.channel", "ussd_changes")

	v.SetDefault("bridge.mode", bridge.ModeAuto)
	v.SetDefault("bridge.adb_path", "adb")
	v.SetDefault("bridge.serial", "")
	v.SetDefault("bridge.endpoint", "")
	v.SetDefault("bridge.token", "")
	v.SetDefault("bridge.timeout", time.Duration(0))
	v.SetDefault("bridge.failure_rate", 0.0)
	v.SetDefault("bridge.results", []string{})

	v.SetDefault("runner.auto_run", true)
	v.SetDefault("runner.record_delay", dispatch.DefaultRecordDelay)
	v.SetDefault("runner.step_delay", 2*time.Second)
	v.SetDefault("runner.recover_stale", true)
	v.SetDefault("runner.order", "created_at_desc")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "ussd:notifications")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration. file may be empty; a missing .env file is
// ignored.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.revealSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// revealSecrets decrypts the sealed secret fields in place.
func (c *Config) revealSecrets() error {
	var key []byte
	if c.SecretKey != "" {
		k, err := vault.ParseKey(c.SecretKey)
		if err != nil {
			return fmt.Errorf("invalid secret_key: %w", err)
		}
		key = k
	}
	for name, field := range map[string]*string{
		"store.postgres.url": &c.Store.Postgres.URL,
		"bridge.token":       &c.Bridge.Token,
		"redis.password":     &c.Redis.Password,
	} {
		plain, err := vault.Reveal(*field, key)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Driver == engine.DriverPostgres && c.Store.Postgres.URL == "" {
		return errors.New("invalid config: store.postgres.url is required with the postgres driver")
	}
	if c.Bridge.Mode == bridge.ModeHTTP && c.Bridge.Endpoint == "" {
		return errors.New("invalid config: bridge.endpoint is required in http mode")
	}
	return nil
}
