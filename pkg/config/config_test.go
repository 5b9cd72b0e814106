// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourcesYAML = `
sources:
  - id: m1
    type: modbus
    enabled: true
    autoMapping: true
    config:
      connectionType: tcp
      host: 127.0.0.1
      port: 5020
      pollingInterval: 1000
  - id: b1
    type: mqtt
    enabled: false
    config:
      broker: tcp://localhost:1883
    retryPolicy:
      enabled: true
      maxAttempts: 3
      initialDelay: 2s
`

func TestParseSourcesDocument(t *testing.T) {
	doc, err := ParseSourcesDocument([]byte(sourcesYAML))
	require.NoError(t, err)
	require.Len(t, doc.Sources, 2)

	m1 := doc.Sources[0]
	assert.Equal(t, "m1", m1.ID)
	assert.True(t, m1.AutoMapping)
	assert.True(t, m1.RetryPolicy.Enabled, "absent retryPolicy defaults to enabled")
	assert.Equal(t, DefaultMaxAttempts, m1.RetryPolicy.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, m1.RetryPolicy.InitialDelay)

	b1 := doc.Sources[1]
	assert.Equal(t, 3, b1.RetryPolicy.MaxAttempts)
	assert.Equal(t, 2*time.Second, b1.RetryPolicy.InitialDelay)
}

func TestParseSourcesRejectsDuplicates(t *testing.T) {
	_, err := ParseSourcesDocument([]byte(`
sources:
  - id: s1
    type: http
  - id: s1
    type: mqtt
`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	a := SourceSpec{ID: "s", Type: "http", Config: map[string]interface{}{"a": 1, "b": map[string]interface{}{"x": true}}}
	b := SourceSpec{ID: "s", Type: "http", Config: map[string]interface{}{"b": map[string]interface{}{"x": true}, "a": 1}}
	assert.Equal(t, a.Digest(), b.Digest())

	c := a
	c.Config = map[string]interface{}{"a": 2, "b": map[string]interface{}{"x": true}}
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestParseStorageDocumentDefaults(t *testing.T) {
	doc, err := ParseStorageDocument([]byte(`
storage:
  maxDataPoints: 500
transport:
  httpPush:
    enabled: true
    url: http://push.example.com/ingest
`))
	require.NoError(t, err)
	assert.Equal(t, 500, doc.Storage.MaxDataPoints)
	assert.Equal(t, DefaultRetentionDays, doc.Storage.RetentionDays)
	assert.Equal(t, 50, doc.Transport.HTTPPush.BatchSize)
	assert.Equal(t, 10*time.Second, doc.Transport.HTTPPush.FlushInterval)
	assert.Equal(t, "none", doc.Transport.HTTPPush.Auth.Type)
}

func TestParseStorageRejectsBadSink(t *testing.T) {
	_, err := ParseStorageDocument([]byte(`
transport:
  bus:
    enabled: true
`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestManagerReloadRetainsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SourcesFileName), []byte(sourcesYAML), 0o644))

	m := NewManager(dir)
	require.NoError(t, m.LoadAll())
	require.Len(t, m.Sources().Sources, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, SourcesFileName), []byte("sources: [{id: ''}]"), 0o644))
	_, err := m.ReloadSources()
	require.Error(t, err)
	assert.Len(t, m.Sources().Sources, 2, "invalid file keeps the previous document")
}

func TestManagerMissingFilesMeanEmptyDefaults(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.LoadAll())
	assert.Empty(t, m.Sources().Sources)
	assert.Equal(t, DefaultMaxDataPoints, m.Storage().Storage.MaxDataPoints)
}

func TestManagerReplaceSourcesWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.LoadAll())

	doc := SourcesDocument{Sources: []SourceSpec{{ID: "s1", Type: "http", Enabled: true, Config: map[string]interface{}{"url": "http://x"}}}}
	require.NoError(t, m.ReplaceSources(doc))

	onDisk, err := os.ReadFile(filepath.Join(dir, SourcesFileName))
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "s1")

	reread := NewManager(dir)
	require.NoError(t, reread.LoadAll())
	require.Len(t, reread.Sources().Sources, 1)
}

func TestSettingsDefaultsAndEnv(t *testing.T) {
	t.Setenv("FIELDGATE_API_PORT", "9999")
	s := NewSettings()
	assert.Equal(t, 9999, s.APIPort())
	assert.Equal(t, "info", s.LogLevel())
	assert.Equal(t, DefaultStopGracePeriod, s.StopGracePeriod())
	assert.Equal(t, DefaultNamespace, s.Namespace())
}
