// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package config

import (
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Persistent store modes. Cache-only stores are never flushed on sink
// recovery; buffer-capable stores must support per-entry deletes.
const (
	StoreModeCache  = "cache"
	StoreModeBuffer = "buffer"
	StoreModeBoth   = "both"
)

// StorageConfig bounds the data buffer and optionally points it at a
// persistent backing store.
type StorageConfig struct {
	MaxDataPoints int              `yaml:"maxDataPoints" json:"maxDataPoints"`
	RetentionDays int              `yaml:"retentionDays" json:"retentionDays"`
	Persistent    *PersistentStore `yaml:"persistent,omitempty" json:"persistent,omitempty"`
}

// PersistentStore configures the optional external backing of the buffer.
type PersistentStore struct {
	Type string `yaml:"type" json:"type"` // "file"
	Path string `yaml:"path" json:"path"`
	Mode string `yaml:"mode" json:"mode"`
}

// BusConfig configures the message-bus sink.
type BusConfig struct {
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	URL              string            `yaml:"url" json:"url"`
	Namespace        string            `yaml:"namespace" json:"namespace"`
	SubjectOverrides map[string]string `yaml:"subjectOverrides,omitempty" json:"subjectOverrides,omitempty"`
	Format           string            `yaml:"format" json:"format"`
}

// BrokerConfig configures the MQTT broker sink.
type BrokerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	URL       string `yaml:"url" json:"url"`
	BaseTopic string `yaml:"baseTopic" json:"baseTopic"`
	ClientID  string `yaml:"clientId" json:"clientId"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	QoS       byte   `yaml:"qos" json:"qos"`
	Retain    bool   `yaml:"retain" json:"retain"`
	Format    string `yaml:"format" json:"format"`
}

// HTTPPushAuth configures push-endpoint authentication.
type HTTPPushAuth struct {
	Type     string `yaml:"type" json:"type"` // "none", "basic", "bearer"
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Token    string `yaml:"token" json:"token"`
}

// HTTPPushConfig configures the batched HTTP push sink.
type HTTPPushConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url"`
	Method        string        `yaml:"method" json:"method"`
	BatchSize     int           `yaml:"batchSize" json:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval" json:"flushInterval"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	Auth          HTTPPushAuth  `yaml:"auth" json:"auth"`
	Format        string        `yaml:"format" json:"format"`
}

// TransportConfig lists the configured sinks.
type TransportConfig struct {
	Bus      *BusConfig      `yaml:"bus,omitempty" json:"bus,omitempty"`
	Broker   *BrokerConfig   `yaml:"broker,omitempty" json:"broker,omitempty"`
	HTTPPush *HTTPPushConfig `yaml:"httpPush,omitempty" json:"httpPush,omitempty"`
}

// OutputFormats toggles the wire encodings offered to sinks.
type OutputFormats struct {
	JSON    bool `yaml:"json" json:"json"`
	Compact bool `yaml:"compact" json:"compact"`
}

// StorageDocument is the on-disk storage + transport configuration.
type StorageDocument struct {
	Storage       StorageConfig   `yaml:"storage" json:"storage"`
	Transport     TransportConfig `yaml:"transport" json:"transport"`
	OutputFormats *OutputFormats  `yaml:"outputFormats,omitempty" json:"outputFormats,omitempty"`
}

func (d StorageDocument) withDefaults() StorageDocument {
	if d.Storage.MaxDataPoints <= 0 {
		d.Storage.MaxDataPoints = DefaultMaxDataPoints
	}
	if d.Storage.RetentionDays <= 0 {
		d.Storage.RetentionDays = DefaultRetentionDays
	}
	if d.Transport.HTTPPush != nil {
		if d.Transport.HTTPPush.Method == "" {
			d.Transport.HTTPPush.Method = "POST"
		}
		if d.Transport.HTTPPush.BatchSize <= 0 {
			d.Transport.HTTPPush.BatchSize = 50
		}
		if d.Transport.HTTPPush.FlushInterval <= 0 {
			d.Transport.HTTPPush.FlushInterval = 10 * time.Second
		}
		if d.Transport.HTTPPush.Timeout <= 0 {
			d.Transport.HTTPPush.Timeout = 30 * time.Second
		}
		if d.Transport.HTTPPush.Auth.Type == "" {
			d.Transport.HTTPPush.Auth.Type = "none"
		}
	}
	return d
}

// Validate checks the structural invariants of the document.
func (d StorageDocument) Validate() error {
	if p := d.Storage.Persistent; p != nil {
		if p.Type != "file" {
			return validationErrorf("unknown persistent store type %q", p.Type)
		}
		if p.Path == "" {
			return validationErrorf("persistent store is missing a path")
		}
		switch p.Mode {
		case StoreModeCache, StoreModeBuffer, StoreModeBoth, "":
		default:
			return validationErrorf("unknown persistent store mode %q", p.Mode)
		}
	}
	if b := d.Transport.Bus; b != nil && b.Enabled && b.URL == "" {
		return validationErrorf("bus sink is enabled but has no url")
	}
	if b := d.Transport.Broker; b != nil && b.Enabled {
		if b.URL == "" {
			return validationErrorf("broker sink is enabled but has no url")
		}
		if b.QoS > 2 {
			return validationErrorf("broker sink qos must be 0, 1 or 2")
		}
	}
	if h := d.Transport.HTTPPush; h != nil && h.Enabled {
		if h.URL == "" {
			return validationErrorf("httpPush sink is enabled but has no url")
		}
		switch h.Auth.Type {
		case "none", "basic", "bearer":
		default:
			return validationErrorf("unknown httpPush auth type %q", h.Auth.Type)
		}
	}
	return nil
}

// ParseStorageDocument decodes and validates a YAML storage document.
func ParseStorageDocument(data []byte) (StorageDocument, error) {
	var doc StorageDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return StorageDocument{}, validationErrorf("cannot parse storage config: %v", err)
	}
	doc = doc.withDefaults()
	if err := doc.Validate(); err != nil {
		return StorageDocument{}, err
	}
	return doc, nil
}
