package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cast"
)

const cacheFileName = "store.portalCache"

type Config struct {
	Env             string
	LogLevel        string
	HTTPAddr        string
	MetricsAddr     string
	CacheDir        string
	CacheEnabled    bool
	ModelDir        string
	GPUFlagPath     string
	ModelLoadLimit  int
	IdleMinutes     int
	IdleCheckSpec   string
	HubURL          string
	RunnerCommand   string
	FFmpegBin       string
	FFprobeBin      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisTTL        time.Duration
	AssetWatch      bool
	EndpointTimeout time.Duration
}

// CacheFile is the persisted store document.
func (c *Config) CacheFile() string {
	return filepath.Join(c.CacheDir, cacheFileName)
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:           os.Getenv("PORTAL_ENV"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		HTTPAddr:      os.Getenv("PORTAL_HTTP_ADDR"),
		CacheDir:      os.Getenv("CACHE_DIR"),
		ModelDir:      os.Getenv("MODEL_DIR"),
		GPUFlagPath:   os.Getenv("GPU_DIR"),
		IdleCheckSpec: os.Getenv("IDLE_CHECK_SPEC"),
		HubURL:        os.Getenv("HUB_URL"),
		RunnerCommand: os.Getenv("PORTAL_RUNNER"),
		FFmpegBin:     os.Getenv("FFMPEG_BIN"),
		FFprobeBin:    os.Getenv("FFPROBE_BIN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":9449"
	}
	if v, ok := os.LookupEnv("PORTAL_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	} else {
		cfg.MetricsAddr = ":9450"
	}
	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		cfg.CacheDir = filepath.Join(base, "portal")
	}
	if cfg.ModelDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve MODEL_DIR: %w", err)
		}
		cfg.ModelDir = filepath.Join(home, ".portal", "models")
	}
	if cfg.GPUFlagPath == "" {
		cfg.GPUFlagPath = filepath.Join(cfg.CacheDir, "gpu.flag")
	}
	if cfg.IdleCheckSpec == "" {
		cfg.IdleCheckSpec = "@every 1m"
	}
	if cfg.HubURL == "" {
		cfg.HubURL = "https://api.datature.io"
	}
	if cfg.RunnerCommand == "" {
		cfg.RunnerCommand = "portal-runner"
	}
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}

	var err error
	cfg.CacheEnabled, err = boolEnv("CACHE_OPTION", true)
	if err != nil {
		return nil, err
	}
	cfg.AssetWatch, err = boolEnv("ASSET_WATCH", true)
	if err != nil {
		return nil, err
	}
	cfg.ModelLoadLimit = 1
	if v := os.Getenv("MODEL_LOAD_LIMIT"); v != "" {
		cfg.ModelLoadLimit, err = cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MODEL_LOAD_LIMIT: %w", err)
		}
		if cfg.ModelLoadLimit < 1 {
			return nil, fmt.Errorf("invalid MODEL_LOAD_LIMIT: must be at least 1")
		}
	}
	cfg.IdleMinutes = 300
	if v := os.Getenv("IDLE_MINUTES"); v != "" {
		cfg.IdleMinutes, err = cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("invalid IDLE_MINUTES: %w", err)
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	cfg.RedisTTL = 24 * time.Hour
	if v := os.Getenv("REDIS_TTL"); v != "" {
		cfg.RedisTTL, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_TTL: %w", err)
		}
	}
	cfg.EndpointTimeout = 30 * time.Second
	if v := os.Getenv("ENDPOINT_TIMEOUT"); v != "" {
		cfg.EndpointTimeout, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ENDPOINT_TIMEOUT: %w", err)
		}
	}
	return cfg, nil
}

func boolEnv(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}
