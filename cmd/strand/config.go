package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all strand server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string  `json:"db_path"`
	LogLevel       string  `json:"log_level"`
	PoolSize       int     `json:"pool_size"`
	RunBudgetLimit float64 `json:"run_budget_limit"`  // per-run cost cap; 0 = unlimited
	WindowLimit    float64 `json:"window_limit"`      // process-wide rolling cap; 0 = unlimited
	WindowSpan     string  `json:"window_span"`       // rolling window duration, e.g. "1h"
	HTTPTimeout    string  `json:"http_timeout"`      // core/http request timeout
	Scheduler      bool    `json:"scheduler"`         // enable the cron scheduler
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(strandDir(), "strand.db"),
		LogLevel:    "info",
		PoolSize:    10,
		WindowSpan:  "1h",
		HTTPTimeout: "30s",
		Scheduler:   true,
	}
}

func strandDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strand"
	}
	return filepath.Join(home, ".strand")
}

func settingsPath() string {
	return filepath.Join(strandDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STRAND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STRAND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STRAND_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STRAND_RUN_BUDGET_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RunBudgetLimit = f
		}
	}
	if v := os.Getenv("STRAND_WINDOW_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.WindowLimit = f
		}
	}
	if v := os.Getenv("STRAND_WINDOW_SPAN"); v != "" {
		cfg.WindowSpan = v
	}
	if v := os.Getenv("STRAND_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}
	if v := os.Getenv("STRAND_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back on bad input.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
