// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Default values for host flags.
const (
	defaultPluginsDir       = "plugins"
	defaultMetricsAddr      = "127.0.0.1:9100"
	defaultLogFormat        = "json"
	defaultLogLevel         = "info"
	defaultHandshakeTimeout = 10 * time.Second
	defaultLuaExecTimeout   = 5 * time.Second
)

// hostConfig holds configuration for the run command.
type hostConfig struct {
	PluginsDir       string
	MetricsAddr      string
	LogFormat        string
	LogLevel         string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	LuaExecTimeout   time.Duration
	RemoteCA         string
}

// Validate checks that the configuration is valid.
func (cfg *hostConfig) Validate() error {
	if cfg.PluginsDir == "" {
		return oops.In("config").New("plugins-dir is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return oops.In("config").Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	for name, d := range map[string]time.Duration{
		"request-timeout":   cfg.RequestTimeout,
		"handshake-timeout": cfg.HandshakeTimeout,
		"lua-exec-timeout":  cfg.LuaExecTimeout,
	} {
		if d < 0 {
			return oops.In("config").Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}

// registerHostFlags declares the flags that back hostConfig.
func registerHostFlags(fs *pflag.FlagSet) {
	fs.String("plugins-dir", defaultPluginsDir, "directory containing one sub-directory per plugin")
	fs.String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", defaultLogFormat, "log format (json or text)")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.Duration("request-timeout", 0, "fail host-to-plugin requests after this long (0 = never)")
	fs.Duration("handshake-timeout", defaultHandshakeTimeout, "time one plugin may take to load and answer the handshake")
	fs.Duration("lua-exec-timeout", defaultLuaExecTimeout, "time a Lua handler may run for one message (0 = unbounded)")
	fs.String("remote-ca", "", "PEM bundle trusted for wss:// plugins (empty = system roots)")
}

// loadConfig merges the optional YAML file at path with fs. Flags set on the
// command line win over the file; the file wins over flag defaults.
func loadConfig(fs *pflag.FlagSet, path string) (*hostConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "load config file")
		}
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.In("config").Wrapf(err, "load flags")
	}

	cfg := &hostConfig{
		PluginsDir:       k.String("plugins-dir"),
		MetricsAddr:      k.String("metrics-addr"),
		LogFormat:        k.String("log-format"),
		LogLevel:         k.String("log-level"),
		RequestTimeout:   k.Duration("request-timeout"),
		HandshakeTimeout: k.Duration("handshake-timeout"),
		LuaExecTimeout:   k.Duration("lua-exec-timeout"),
		RemoteCA:         k.String("remote-ca"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
