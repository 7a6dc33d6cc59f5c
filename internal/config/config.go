package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Listen  string
	Storage StorageConfig
	Auth    AuthConfig
	Backup  BackupConfig
	Log     LogConfig
}

type StorageConfig struct {
	Backend     string
	DatabaseURL string
	BadgerDir   string
}

type AuthConfig struct {
	Window         time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

type BackupConfig struct {
	MaxBlobBytes int
}

type LogConfig struct {
	Level slog.Level
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:8420",
		Storage: StorageConfig{
			Backend:   BackendMemory,
			BadgerDir: "data/ledger",
		},
		Auth: AuthConfig{
			Window:         300 * time.Second,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Backup: BackupConfig{MaxBlobBytes: 4096},
		Log:    LogConfig{Level: slog.LevelInfo},
	}
}

// File is the YAML shape. Unset fields keep their defaults.
type File struct {
	Listen  string `yaml:"listen"`
	Storage struct {
		Backend     string `yaml:"backend"`
		DatabaseURL string `yaml:"databaseURL"`
		BadgerDir   string `yaml:"badgerDir"`
	} `yaml:"storage"`
	Auth struct {
		Window         time.Duration `yaml:"window"`
		RateLimitRPS   *float64      `yaml:"rateLimitRPS"`
		RateLimitBurst *int          `yaml:"rateLimitBurst"`
	} `yaml:"auth"`
	Backup struct {
		MaxBlobBytes int `yaml:"maxBlobBytes"`
	} `yaml:"backup"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadFromPath reads configPath, or the first default location that
// exists when configPath is empty, then applies TRUSTCHAIN_* overrides.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"go-backend/configs/config.yaml", "configs/config.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, err
			}
			continue
		}
		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		break
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src File) error {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.DatabaseURL != "" {
		dst.Storage.DatabaseURL = src.Storage.DatabaseURL
	}
	if src.Storage.BadgerDir != "" {
		dst.Storage.BadgerDir = src.Storage.BadgerDir
	}
	if src.Auth.Window != 0 {
		dst.Auth.Window = src.Auth.Window
	}
	if src.Auth.RateLimitRPS != nil {
		dst.Auth.RateLimitRPS = *src.Auth.RateLimitRPS
	}
	if src.Auth.RateLimitBurst != nil {
		dst.Auth.RateLimitBurst = *src.Auth.RateLimitBurst
	}
	if src.Backup.MaxBlobBytes != 0 {
		dst.Backup.MaxBlobBytes = src.Backup.MaxBlobBytes
	}
	if src.Log.Level != "" {
		if err := dst.Log.Level.UnmarshalText([]byte(src.Log.Level)); err != nil {
			return err
		}
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if v := env("TRUSTCHAIN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := env("TRUSTCHAIN_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := env("TRUSTCHAIN_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := env("TRUSTCHAIN_BADGER_DIR"); v != "" {
		cfg.Storage.BadgerDir = v
	}
	if v := env("TRUSTCHAIN_AUTH_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRUSTCHAIN_AUTH_WINDOW: %w", err)
		}
		cfg.Auth.Window = d
	}
	if v := env("TRUSTCHAIN_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TRUSTCHAIN_RATE_LIMIT_RPS: %w", err)
		}
		cfg.Auth.RateLimitRPS = f
	}
	if v := env("TRUSTCHAIN_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRUSTCHAIN_RATE_LIMIT_BURST: %w", err)
		}
		cfg.Auth.RateLimitBurst = n
	}
	if v := env("TRUSTCHAIN_LOG_LEVEL"); v != "" {
		if err := cfg.Log.Level.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("TRUSTCHAIN_LOG_LEVEL: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.databaseURL is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendBadger && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badgerDir is required for the %s backend", BackendBadger)
	}
	if c.Auth.Window < time.Second {
		return fmt.Errorf("auth.window must be at least 1s")
	}
	if c.Backup.MaxBlobBytes < 94 {
		return fmt.Errorf("backup.maxBlobBytes must hold one backup envelope")
	}
	return nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
