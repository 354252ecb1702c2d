package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.True(t, cfg.Scheduler)
	assert.Zero(t, cfg.RunBudgetLimit)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("STRAND_DB_PATH", "/tmp/strand-test.db")
	t.Setenv("STRAND_LOG_LEVEL", "debug")
	t.Setenv("STRAND_POOL_SIZE", "3")
	t.Setenv("STRAND_RUN_BUDGET_LIMIT", "2.5")
	t.Setenv("STRAND_SCHEDULER", "false")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/strand-test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 2.5, cfg.RunBudgetLimit)
	assert.False(t, cfg.Scheduler)
}

func TestLoadConfigIgnoresBadNumbers(t *testing.T) {
	t.Setenv("STRAND_POOL_SIZE", "many")
	t.Setenv("STRAND_WINDOW_LIMIT", "lots")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Zero(t, cfg.WindowLimit)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 45*time.Second, duration("45s", time.Hour))
	assert.Equal(t, time.Hour, duration("bogus", time.Hour))
	assert.Equal(t, time.Hour, duration("-5m", time.Hour))
}
