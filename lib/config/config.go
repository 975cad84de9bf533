// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Flux components.
//
// Configuration comes from a single YAML file named by the FLUX_CONFIG
// environment variable or a --config flag. Absent a file, compiled-in
// defaults apply. Two environment variables override the file for the
// values most commonly set per deployment: FLUX_LISTEN_ADDR for the
// broker and FLUX_BROKER_URL for the client engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the broker daemon and the
// transfer CLI.
type Config struct {
	// Broker configures the signaling broker daemon.
	Broker BrokerConfig `yaml:"broker"`

	// Client configures the client-side transfer engine.
	Client ClientConfig `yaml:"client"`
}

// BrokerConfig holds the broker daemon settings. The TTL and window
// values are protocol constants by default; they are configurable so
// tests and constrained deployments can shorten them.
type BrokerConfig struct {
	// ListenAddr is the host:port the websocket listener binds.
	ListenAddr string `yaml:"listen_addr"`

	// CodeTTL is how long a rendezvous code stays valid.
	CodeTTL time.Duration `yaml:"code_ttl"`

	// LockTTL is how long a connection lock stays redeemable.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// RateWindow and RateLimit bound join attempts per client key:
	// at most RateLimit attempts per fixed RateWindow.
	RateWindow time.Duration `yaml:"rate_window"`
	RateLimit  int           `yaml:"rate_limit"`

	// LockoutThreshold consecutive failed code validations lock a
	// client key out for LockoutDuration.
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutDuration  time.Duration `yaml:"lockout_duration"`

	// SweepInterval is how often the broker evicts expired codes,
	// locks, and idle abuse-control entries.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ClientConfig holds the transfer engine settings.
type ClientConfig struct {
	// BrokerURL is the websocket URL of the signaling broker,
	// e.g. "ws://localhost:8787/ws".
	BrokerURL string `yaml:"broker_url"`

	// ChunkSize is the number of file bytes per chunk before
	// compression.
	ChunkSize int `yaml:"chunk_size"`

	// Compression enables per-chunk gzip for files inside the
	// compression size window.
	Compression bool `yaml:"compression"`

	// ICEServers lists STUN/TURN URLs for peer connection
	// establishment. Empty means host candidates only.
	ICEServers []string `yaml:"ice_servers"`

	// Trickle controls whether ICE candidates are signaled as they
	// are discovered (true) or batched into the session description
	// after gathering completes (false).
	Trickle bool `yaml:"trickle"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ListenAddr:       "127.0.0.1:8787",
			CodeTTL:          5 * time.Minute,
			LockTTL:          5 * time.Minute,
			RateWindow:       time.Minute,
			RateLimit:        10,
			LockoutThreshold: 3,
			LockoutDuration:  5 * time.Minute,
			SweepInterval:    time.Minute,
		},
		Client: ClientConfig{
			BrokerURL:   "ws://127.0.0.1:8787/ws",
			ChunkSize:   16 * 1024,
			Compression: true,
			Trickle:     true,
		},
	}
}

// Load reads the config file named by flagPath, or by FLUX_CONFIG when
// flagPath is empty, layered over Default(). When neither names a file,
// the defaults are returned as-is. Environment overrides are applied
// last.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("FLUX_CONFIG")
	}

	loaded := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if addr := os.Getenv("FLUX_LISTEN_ADDR"); addr != "" {
		loaded.Broker.ListenAddr = addr
	}
	if url := os.Getenv("FLUX_BROKER_URL"); url != "" {
		loaded.Client.BrokerURL = url
	}

	if err := loaded.validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

func (c *Config) validate() error {
	if c.Client.ChunkSize <= 0 {
		return fmt.Errorf("client.chunk_size must be positive, got %d", c.Client.ChunkSize)
	}
	if c.Broker.RateLimit <= 0 {
		return fmt.Errorf("broker.rate_limit must be positive, got %d", c.Broker.RateLimit)
	}
	if c.Broker.LockoutThreshold <= 0 {
		return fmt.Errorf("broker.lockout_threshold must be positive, got %d", c.Broker.LockoutThreshold)
	}
	return nil
}
