// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package config

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/spf13/cast"
)

// Retry policy defaults applied when a source omits them.
const (
	DefaultMaxAttempts  = 10
	DefaultInitialDelay = 5 * time.Second
)

// ValidationError reports an invalid document or source spec. It maps to
// HTTP 400 on the control plane.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// RetryPolicy drives the supervisor reconnect backoff: the delay on attempt
// n is InitialDelay * 2^(n-1).
type RetryPolicy struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts  int           `yaml:"maxAttempts" json:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay" json:"initialDelay"`
}

// SourceSpec is the declarative description of one connector to run.
type SourceSpec struct {
	ID          string                 `yaml:"id" json:"id"`
	Type        string                 `yaml:"type" json:"type"`
	Enabled     bool                   `yaml:"enabled" json:"enabled"`
	AutoMapping bool                   `yaml:"autoMapping" json:"autoMapping"`
	Config      map[string]interface{} `yaml:"config" json:"config"`
	RetryPolicy RetryPolicy            `yaml:"retryPolicy" json:"retryPolicy"`
}

// SourcesDocument is the on-disk source list.
type SourcesDocument struct {
	Sources []SourceSpec `yaml:"sources" json:"sources"`
}

// withDefaults normalizes the retry policy and the config tree.
func (s SourceSpec) withDefaults() SourceSpec {
	// an absent retryPolicy block means "do retry with the defaults"
	if s.RetryPolicy == (RetryPolicy{}) {
		s.RetryPolicy.Enabled = true
	}
	if s.RetryPolicy.MaxAttempts <= 0 {
		s.RetryPolicy.MaxAttempts = DefaultMaxAttempts
	}
	if s.RetryPolicy.InitialDelay <= 0 {
		s.RetryPolicy.InitialDelay = DefaultInitialDelay
	}
	s.Config = normalizeTree(s.Config)
	return s
}

// Validate checks the structural invariants of a spec. The type tag itself
// is validated against the driver catalog when the connector is built.
func (s SourceSpec) Validate() error {
	if s.ID == "" {
		return validationErrorf("source is missing an id")
	}
	if s.Type == "" {
		return validationErrorf("source %q is missing a type", s.ID)
	}
	if s.RetryPolicy.MaxAttempts < 0 {
		return validationErrorf("source %q: retryPolicy.maxAttempts cannot be negative", s.ID)
	}
	return nil
}

// Digest returns a stable hash of the spec, used to detect mutations during
// reconciliation without restarting unchanged sources.
func (s SourceSpec) Digest() string {
	h := fnv.New64a()
	h.Write([]byte(s.ID))
	h.Write([]byte(s.Type))
	h.Write([]byte(strconv.FormatBool(s.Enabled)))
	h.Write([]byte(strconv.FormatBool(s.AutoMapping)))
	h.Write([]byte(fmt.Sprintf("%v/%v/%v", s.RetryPolicy.Enabled, s.RetryPolicy.MaxAttempts, s.RetryPolicy.InitialDelay)))
	writeTreeDigest(h, s.Config)
	return strconv.FormatUint(h.Sum64(), 16)
}

func writeTreeDigest(h interface{ Write([]byte) (int, error) }, tree map[string]interface{}) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		switch t := tree[k].(type) {
		case map[string]interface{}:
			writeTreeDigest(h, t)
		default:
			h.Write([]byte(fmt.Sprintf("%v", t)))
		}
	}
}

// Validate checks the whole document, including id uniqueness.
func (d SourcesDocument) Validate() error {
	seen := map[string]struct{}{}
	for _, s := range d.Sources {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return validationErrorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ParseSourcesDocument decodes and validates a YAML source list.
func ParseSourcesDocument(data []byte) (SourcesDocument, error) {
	var doc SourcesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SourcesDocument{}, validationErrorf("cannot parse source list: %v", err)
	}
	for i := range doc.Sources {
		doc.Sources[i] = doc.Sources[i].withDefaults()
	}
	if err := doc.Validate(); err != nil {
		return SourcesDocument{}, err
	}
	return doc, nil
}

// normalizeTree converts yaml.v2 interface-keyed maps into string-keyed
// ones so the config tree serializes as JSON on the control plane.
func normalizeTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeNode(v)
	}
	return out
}

func normalizeNode(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[cast.ToString(k)] = normalizeNode(e)
		}
		return out
	case map[string]interface{}:
		return normalizeTree(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeNode(e)
		}
		return out
	default:
		return v
	}
}
