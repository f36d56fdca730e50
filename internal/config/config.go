package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUIZ_REDIS_ADDR.
const EnvPrefix = "QUIZ"

type Config struct {
	Server struct {
		Port string `yaml:"port" split_words:"true"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr" split_words:"true"`
		Password string `yaml:"password" split_words:"true"`
		DB       int    `yaml:"db" split_words:"true"`
		TTL      string `yaml:"ttl" split_words:"true"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" split_words:"true"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl" split_words:"true"`
	} `yaml:"quiz"`
	Session struct {
		RetryAttempts   int    `yaml:"retryAttempts" split_words:"true"`
		RetryBackoff    string `yaml:"retryBackoff" split_words:"true"`
		ConflictRetries int    `yaml:"conflictRetries" split_words:"true"`
		PINAttempts     int    `yaml:"pinAttempts" split_words:"true"`
		HistorySize     int    `yaml:"historySize" split_words:"true"`
		RefreshInterval string `yaml:"refreshInterval" split_words:"true"`
		IdleTTL         string `yaml:"idleTTL" split_words:"true"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level" split_words:"true"`
		Format string `yaml:"format" split_words:"true"`
	} `yaml:"log"`
}

// Load reads YAML config from path, then applies QUIZ_* environment overrides.
// A missing file is not an error; environment and defaults still apply.
// Variables from a .env file in the working directory are loaded first.
func Load(path string) (Config, error) {
	cfg := Config{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
