package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/worker"
)

// serviceConfig is everything a worker process needs to start.
type serviceConfig struct {
	Listen   string
	ScriptDB string
	LogLevel string
	Worker   worker.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Listen:   ":7420",
		LogLevel: "info",
		Worker: worker.Config{
			Threads:           4,
			Isolation:         worker.IsolationShared,
			TickSlice:         10 * time.Millisecond,
			InvocationCeiling: time.Second,
			DrainTimeout:      15 * time.Second,
			HealthInterval:    10 * time.Second,
			Engine: engine.Config{
				MemoryLimitPages:   512, // 32 MiB per guest
				MemoryCeilingBytes: 1 << 30,
			},
		},
	}
}

// worker.toml key mapping, overlaid on the defaults.
type fileConfig struct {
	Listen              string `toml:"listen"`
	ScriptDB            string `toml:"script_db"`
	LogLevel            string `toml:"log_level"`
	Threads             int    `toml:"threads"`
	Isolation           string `toml:"isolation"`
	TickSliceMillis     int    `toml:"tick_slice_ms"`
	InvocationCeilingMS int    `toml:"invocation_ceiling_ms"`
	DrainTimeoutSecs    int    `toml:"drain_timeout_s"`
	HealthIntervalSecs  int    `toml:"health_interval_s"`
	MemoryLimitPages    int    `toml:"memory_limit_pages"`
	MemoryCeilingMB     int    `toml:"memory_ceiling_mb"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load worker config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("script_db") {
		cfg.ScriptDB = strings.TrimSpace(raw.ScriptDB)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("threads") {
		cfg.Worker.Threads = raw.Threads
	}
	if meta.IsDefined("isolation") {
		switch mode := worker.IsolationMode(strings.TrimSpace(raw.Isolation)); mode {
		case worker.IsolationShared, worker.IsolationDedicated:
			cfg.Worker.Isolation = mode
		default:
			return serviceConfig{}, fmt.Errorf("unknown isolation mode %q", raw.Isolation)
		}
	}
	if meta.IsDefined("tick_slice_ms") {
		cfg.Worker.TickSlice = time.Duration(raw.TickSliceMillis) * time.Millisecond
	}
	if meta.IsDefined("invocation_ceiling_ms") {
		cfg.Worker.InvocationCeiling = time.Duration(raw.InvocationCeilingMS) * time.Millisecond
	}
	if meta.IsDefined("drain_timeout_s") {
		cfg.Worker.DrainTimeout = time.Duration(raw.DrainTimeoutSecs) * time.Second
	}
	if meta.IsDefined("health_interval_s") {
		cfg.Worker.HealthInterval = time.Duration(raw.HealthIntervalSecs) * time.Second
	}
	if meta.IsDefined("memory_limit_pages") {
		cfg.Worker.Engine.MemoryLimitPages = uint32(raw.MemoryLimitPages)
	}
	if meta.IsDefined("memory_ceiling_mb") {
		cfg.Worker.Engine.MemoryCeilingBytes = uint64(raw.MemoryCeilingMB) << 20
	}
	return cfg, nil
}
