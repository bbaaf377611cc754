// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

const (
	defaultConfigFile = "relay.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "RELAY_"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the relay.yaml document.
type Config struct {
	Relay relay.Config `yaml:",inline"`
	Log   LogConfig    `yaml:"log"`
}

// LogConfig selects log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
	Quiet  bool   `yaml:"quiet"`
}

func defaultConfig() Config {
	return Config{
		Relay: relay.Config{Telemetry: telemetry.DefaultConfig()},
		Log:   LogConfig{Level: "info"},
	}
}

// =============================================================================
// Loading
// =============================================================================

// loadConfig reads the YAML file, the dotenv file and RELAY_* variables.
//
// # Inputs
//
//   - path: YAML file. A missing file is an error only when explicit.
//   - envFile: dotenv file. Missing files are ignored.
//   - explicit: Whether path came from --config.
//
// # Outputs
//
//   - Config: Defaults overlaid with every source found.
//   - error: Unreadable or malformed files, or malformed variables.
func loadConfig(path, envFile string, explicit bool) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_* variables.
func applyEnv(cfg *Config) error {
	var errs []error
	r := &cfg.Relay

	r.Host = getEnvString("HOST", r.Host)
	r.Port = getEnvInt("PORT", r.Port, &errs)
	r.WSPort = getEnvInt("WS_PORT", r.WSPort, &errs)
	r.DataDir = getEnvString("DATA_DIR", r.DataDir)
	r.BackendURL = getEnvString("BACKEND_URL", r.BackendURL)
	r.BackendPath = getEnvString("BACKEND_PATH", r.BackendPath)
	r.ClientID = getEnvString("CLIENT_ID", r.ClientID)
	r.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", r.ReconnectDelay, &errs)
	r.MaxSaved = getEnvInt("MAX_SAVED", r.MaxSaved, &errs)
	r.StrictStartup = getEnvBool("STRICT_STARTUP", r.StrictStartup, &errs)
	r.GinMode = getEnvString("GIN_MODE", r.GinMode)
	r.UIDir = getEnvString("UI_DIR", r.UIDir)
	r.Editor.Command = getEnvString("EDITOR_COMMAND", r.Editor.Command)
	if args := os.Getenv(envPrefix + "EDITOR_ARGS"); args != "" {
		r.Editor.Args = strings.Fields(args)
	}

	cfg.Log.Level = getEnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Dir = getEnvString("LOG_DIR", cfg.Log.Dir)
	cfg.Log.Format = getEnvString("LOG_FORMAT", cfg.Log.Format)

	return errors.Join(errs...)
}

// loggingConfig converts the log section for pkg/logging.
func (c Config) loggingConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.Config{}, err
	}
	var format logging.Format
	switch strings.ToLower(c.Log.Format) {
	case "", "auto":
		format = logging.FormatAuto
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	default:
		return logging.Config{}, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: "relay",
		Format:  format,
		Quiet:   c.Log.Quiet,
	}, nil
}

// =============================================================================
// Environment Helpers
// =============================================================================

// getEnvString returns RELAY_<key> or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns RELAY_<key> as int or a default.
func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return defaultValue
	}
	return d
}
