package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/librewatch/linkup"
	"github.com/librewatch/linkup/store"
)

// config mirrors the optional JSON config file. Flag and environment values
// take precedence over file values.
type config struct {
	Email       string      `json:"email"`
	Password    string      `json:"password"`
	BaseURL     string      `json:"baseUrl"`
	Unit        string      `json:"unit"`
	HighMgPerDl float64     `json:"highMgPerDl"`
	LowMgPerDl  float64     `json:"lowMgPerDl"`
	Store       storeConfig `json:"store"`
}

type storeConfig struct {
	// Kind selects the cache backend: memory, file, or redis.
	Kind  string      `json:"kind"`
	Dir   string      `json:"dir"`
	Redis redisConfig `json:"redis"`
}

type redisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TLS      bool   `json:"tls"`
	Prefix   string `json:"prefix"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// commonOpts holds the flags shared by every subcommand.
type commonOpts struct {
	email      string
	password   string
	configPath string
	baseURL    string
	unit       string
	storeKind  string
	storeDir   string
	redisAddr  string
	verbose    bool
}

func addCommonFlags(fs *flag.FlagSet, o *commonOpts) {
	fs.StringVar(&o.email, "email", os.Getenv("LINKUP_EMAIL"), "Account email; or set LINKUP_EMAIL")
	fs.StringVar(&o.password, "password", os.Getenv("LINKUP_PASSWORD"), "Account password; or set LINKUP_PASSWORD")
	fs.StringVar(&o.configPath, "config", os.Getenv("LINKUP_CONFIG"), "Path to JSON config file; or set LINKUP_CONFIG")
	fs.StringVar(&o.baseURL, "base-url", "", "Gateway base URL (default "+linkup.DefaultBaseURL+")")
	fs.StringVar(&o.unit, "unit", "", "Display unit: mg/dL or mmol/L (default mg/dL)")
	fs.StringVar(&o.storeKind, "store", "", "Cache backend: memory, file, or redis (default file)")
	fs.StringVar(&o.storeDir, "dir", "", "Cache directory for the file backend (default user cache dir)")
	fs.StringVar(&o.redisAddr, "redis-addr", "", "Redis host:port for the redis backend")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
}

// resolve merges flags (and their env fallbacks) over the config file and
// fills the remaining defaults.
func (o *commonOpts) resolve() (*config, error) {
	cfg := &config{}
	if strings.TrimSpace(o.configPath) != "" {
		loaded, err := loadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.email != "" {
		cfg.Email = o.email
	}
	if o.password != "" {
		cfg.Password = o.password
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.unit != "" {
		cfg.Unit = o.unit
	}
	if o.storeKind != "" {
		cfg.Store.Kind = o.storeKind
	}
	if o.storeDir != "" {
		cfg.Store.Dir = o.storeDir
	}
	if o.redisAddr != "" {
		cfg.Store.Redis.Addr = o.redisAddr
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "file"
	}
	if cfg.Unit == "" {
		cfg.Unit = "mg/dL"
	}
	return cfg, nil
}

// buildClient assembles the cache backend and the client from a resolved
// config. The returned closer releases backend resources (redis pools).
func buildClient(cfg *config, logger *slog.Logger) (*linkup.Client, func() error, error) {
	var backend linkup.Store
	closer := func() error { return nil }

	switch strings.ToLower(cfg.Store.Kind) {
	case "memory":
		backend = store.NewMemory()
	case "file":
		dir := cfg.Store.Dir
		if dir == "" {
			base, err := os.UserCacheDir()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve cache dir: %w", err)
			}
			dir = filepath.Join(base, "linkup")
		}
		fs, err := store.NewFile(dir)
		if err != nil {
			return nil, nil, err
		}
		backend = fs
	case "redis":
		rs, err := store.NewRedis(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			UseTLS:   cfg.Store.Redis.TLS,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = rs
		closer = rs.Close
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q (want memory, file, or redis)", cfg.Store.Kind)
	}

	opts := []linkup.Option{
		linkup.WithStore(backend),
		linkup.WithLogger(logger),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, linkup.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HighMgPerDl > 0 || cfg.LowMgPerDl > 0 {
		high := cfg.HighMgPerDl
		if high <= 0 {
			high = linkup.DefaultHighThreshold
		}
		low := cfg.LowMgPerDl
		if low <= 0 {
			low = linkup.DefaultLowThreshold
		}
		opts = append(opts, linkup.WithGlucoseThresholds(high, low))
	}

	client, err := linkup.New(cfg.Email, cfg.Password, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return client, closer, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
