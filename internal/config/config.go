package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabaseURL     string        `toml:"database_url"`
	Port            string        `toml:"port"`
	DBPrefix        string        `toml:"db_prefix"`
	DocumentsDir    string        `toml:"documents_dir"`
	QueryTimeout    time.Duration `toml:"query_timeout"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	RateLimit       int           `toml:"rate_limit"`
	AdminPassword   string        `toml:"admin_password"`
	Debug           bool          `toml:"debug"`
}

// Default returns the configuration used for keys set nowhere.
func Default() Config {
	return Config{
		Port:            "8080",
		DBPrefix:        "fm",
		DocumentsDir:    "./documents",
		QueryTimeout:    10 * time.Second,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit:       600,
		AdminPassword:   "admin",
	}
}

// Load reads configuration from the .env file, the TOML file named by
// FM_CONFIG and environment variables, later sources overriding earlier ones.
func Load() (Config, error) {
	// Load .env file if it exists (silently ignore if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("FM_CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes a TOML file over cfg. Durations are written as strings
// such as "10s".
func LoadFile(path string, cfg *Config) error {
	next := *cfg
	md, err := toml.DecodeFile(path, &next)
	if err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("invalid config file %s: unknown key %s", path, undecoded[0])
	}
	*cfg = next
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DATABASE_URL":      &cfg.DatabaseURL,
		"PORT":              &cfg.Port,
		"FM_DB_PREFIX":      &cfg.DBPrefix,
		"FM_DOCUMENTS_DIR":  &cfg.DocumentsDir,
		"FM_ADMIN_PASSWORD": &cfg.AdminPassword,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FM_QUERY_TIMEOUT":    &cfg.QueryTimeout,
		"FM_READ_TIMEOUT":     &cfg.ReadTimeout,
		"FM_WRITE_TIMEOUT":    &cfg.WriteTimeout,
		"FM_SHUTDOWN_TIMEOUT": &cfg.ShutdownTimeout,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("FM_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FM_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = n
	}
	if v := os.Getenv("FM_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FM_DEBUG: %w", err)
		}
		cfg.Debug = b
	}
	return nil
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.DBPrefix == "" {
		return fmt.Errorf("FM_DB_PREFIX must not be empty")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("FM_RATE_LIMIT must be positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("FM_QUERY_TIMEOUT must be positive")
	}
	return nil
}
