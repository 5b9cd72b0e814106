// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package config holds the process settings and the two declarative
// documents driving the acquisition engine: the source list and the
// storage/transport configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values for process settings.
const (
	DefaultAPIPort         = 8090
	DefaultMaxDataPoints   = 10000
	DefaultRetentionDays   = 7
	DefaultInboxSize       = 1024
	DefaultStopGracePeriod = 5 * time.Second
	DefaultNamespace       = "fieldgate"
)

// Settings is the read-once process configuration, resolved from defaults,
// an optional settings file and FIELDGATE_* environment variables.
type Settings struct {
	v *viper.Viper
}

// NewSettings builds the settings registry with every knob bound to its
// environment variable and default.
func NewSettings() *Settings {
	v := viper.New()
	v.SetEnvPrefix("FIELDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvAndSetDefault(v, "log_level", "info")
	bindEnvAndSetDefault(v, "log_file", "")
	bindEnvAndSetDefault(v, "api_port", DefaultAPIPort)
	bindEnvAndSetDefault(v, "api_key", "")
	bindEnvAndSetDefault(v, "conf_path", "conf.d")
	bindEnvAndSetDefault(v, "mapping_catalog", "conf.d/mappings.json")
	bindEnvAndSetDefault(v, "max_data_points", DefaultMaxDataPoints)
	bindEnvAndSetDefault(v, "retention_days", DefaultRetentionDays)
	bindEnvAndSetDefault(v, "inbox_size", DefaultInboxSize)
	bindEnvAndSetDefault(v, "stop_grace_period", DefaultStopGracePeriod)
	bindEnvAndSetDefault(v, "namespace", DefaultNamespace)
	bindEnvAndSetDefault(v, "watch_config", false)

	return &Settings{v: v}
}

func bindEnvAndSetDefault(v *viper.Viper, key string, val interface{}) {
	v.SetDefault(key, val)
	v.BindEnv(key) //nolint:errcheck
}

// LoadFile merges an optional settings file into the registry. A missing
// file is not an error.
func (s *Settings) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	s.v.SetConfigFile(path)
	if err := s.v.MergeInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		return err
	}
	return nil
}

// LogLevel returns the configured log level.
func (s *Settings) LogLevel() string { return s.v.GetString("log_level") }

// LogFile returns the optional log file path.
func (s *Settings) LogFile() string { return s.v.GetString("log_file") }

// APIPort returns the control-plane listen port.
func (s *Settings) APIPort() int { return s.v.GetInt("api_port") }

// APIKey returns the optional control-plane API key.
func (s *Settings) APIKey() string { return s.v.GetString("api_key") }

// ConfPath returns the directory holding the declarative documents.
func (s *Settings) ConfPath() string { return s.v.GetString("conf_path") }

// MappingCatalogPath returns the mapping catalog file location.
func (s *Settings) MappingCatalogPath() string { return s.v.GetString("mapping_catalog") }

// MaxDataPoints returns the buffer ring bound.
func (s *Settings) MaxDataPoints() int { return s.v.GetInt("max_data_points") }

// RetentionDays returns the buffer wall-clock retention.
func (s *Settings) RetentionDays() int { return s.v.GetInt("retention_days") }

// InboxSize returns the bounded depth of the engine event inboxes.
func (s *Settings) InboxSize() int { return s.v.GetInt("inbox_size") }

// StopGracePeriod returns the supervisor stop deadline.
func (s *Settings) StopGracePeriod() time.Duration { return s.v.GetDuration("stop_grace_period") }

// Namespace returns the bus subject namespace.
func (s *Settings) Namespace() string { return s.v.GetString("namespace") }

// WatchConfig reports whether filesystem watching of the declarative
// documents is enabled.
func (s *Settings) WatchConfig() bool { return s.v.GetBool("watch_config") }

// Set overrides a setting, used by tests.
func (s *Settings) Set(key string, val interface{}) { s.v.Set(key, val) }
