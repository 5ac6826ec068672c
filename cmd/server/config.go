package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/astromechza/todosync/pkg/protocol"
	"github.com/astromechza/todosync/pkg/server"
)

type fileConfig struct {
	Addr             string `toml:"addr"`
	DBPath           string `toml:"db_path"`
	IDMode           string `toml:"id_mode"`
	Refresh          string `toml:"refresh"`
	SimulatedLatency string `toml:"simulated_latency"`
}

type config struct {
	Addr             string
	DBPath           string
	IDMode           protocol.IDMode
	Refresh          server.RefreshMode
	SimulatedLatency time.Duration
}

func defaultConfig() config {
	return config{
		Addr:    "localhost:8080",
		DBPath:  "todos.sqlite3",
		IDMode:  protocol.IDModeClient,
		Refresh: server.RefreshOrigin,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("id_mode") {
		mode, err := protocol.ParseIDMode(strings.TrimSpace(raw.IDMode))
		if err != nil {
			return config{}, fmt.Errorf("parse id_mode: %w", err)
		}
		cfg.IDMode = mode
		if mode == protocol.IDModeServer && !meta.IsDefined("refresh") {
			// provisional client ids need the refresh ack to reconcile
			cfg.Refresh = server.RefreshAll
		}
	}
	if meta.IsDefined("refresh") {
		switch mode := server.RefreshMode(strings.TrimSpace(raw.Refresh)); mode {
		case server.RefreshNone, server.RefreshOrigin, server.RefreshAll:
			cfg.Refresh = mode
		default:
			return config{}, fmt.Errorf("unknown refresh mode %q", raw.Refresh)
		}
	}
	if meta.IsDefined("simulated_latency") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SimulatedLatency))
		if err != nil {
			return config{}, fmt.Errorf("parse simulated_latency: %w", err)
		}
		cfg.SimulatedLatency = d
	}
	// server-assigned ids are only reconciled into every replica by the full
	// snapshot push, so any weaker refresh mode would leave other clients
	// holding provisional ids forever
	if cfg.IDMode == protocol.IDModeServer && cfg.Refresh != server.RefreshAll {
		return config{}, fmt.Errorf("id_mode %q requires refresh %q, got %q", cfg.IDMode, server.RefreshAll, cfg.Refresh)
	}
	return cfg, nil
}
