package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BROKERAGE"

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DBConfig struct {
	// DSN selects Postgres; empty runs on the in-memory store
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type LedgerConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// AdminConfig is the administrator created by seeding. An empty Password
// skips it.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type WSConfig struct {
	// Origin is the allowed websocket origin, "*" allows any
	Origin string `mapstructure:"origin"`
}

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	DB     DBConfig     `mapstructure:"db"`
	JWT    JWTConfig    `mapstructure:"jwt"`
	Log    LogConfig    `mapstructure:"log"`
	Ledger LedgerConfig `mapstructure:"ledger"`
	WS     WSConfig     `mapstructure:"ws"`
	Admin  AdminConfig  `mapstructure:"admin"`
	Seed   bool         `mapstructure:"seed"`
}

// Load reads defaults, then the optional YAML file at path (or
// BROKERAGE_CONFIG), then BROKERAGE_* environment variables. A .env file in
// the working directory is loaded into the environment first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.migrate", true)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("ledger.max_retries", 5)
	v.SetDefault("ledger.retry_backoff", "10ms")
	v.SetDefault("ws.origin", "*")
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "")
	v.SetDefault("seed", false)
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("%s_JWT_SECRET is required", envPrefix)
	}
	if c.JWT.TTL <= 0 {
		return fmt.Errorf("jwt ttl must be positive")
	}
	if c.Ledger.MaxRetries <= 0 {
		return fmt.Errorf("ledger max retries must be positive")
	}
	if c.Ledger.RetryBackoff < 0 {
		return fmt.Errorf("ledger retry backoff must not be negative")
	}
	return nil
}
