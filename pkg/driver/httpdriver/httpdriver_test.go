// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package httpdriver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/value"
)

func specFor(url string, extra map[string]interface{}) config.SourceSpec {
	cfg := map[string]interface{}{"url": url}
	for k, v := range extra {
		cfg[k] = v
	}
	return config.SourceSpec{ID: "h1", Type: "http", Config: cfg}
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(config.SourceSpec{ID: "h1", Type: "http", Config: map[string]interface{}{}})
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err))

	_, err = New(specFor("ftp://nope", nil))
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err))
}

func TestPollDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{"temperature":23.5,"running":true}}`))
	}))
	defer srv.Close()

	d, err := New(specFor(srv.URL, map[string]interface{}{
		"responsePath": "data",
		"headers":      map[string]interface{}{"Authorization": "Bearer abc"},
	}))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, d.Status().Connected)

	samples, err := d.(driver.Poller).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)

	temp, ok := value.ExtractPath(samples[0], "temperature")
	require.True(t, ok)
	f, _ := temp.AsFloat()
	assert.InDelta(t, 23.5, f, 1e-9)
}

func TestPollErrorStatusIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := New(specFor(srv.URL, nil))
	require.NoError(t, err)
	defer d.Close()

	_, perr := d.(driver.Poller).Poll(context.Background())
	require.Error(t, perr)
	assert.True(t, driver.IsProtocolError(perr), "the device answered, the connection is fine")
}

func TestPollNonJSONIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	d, err := New(specFor(srv.URL, nil))
	require.NoError(t, err)
	defer d.Close()

	_, perr := d.(driver.Poller).Poll(context.Background())
	require.Error(t, perr)
	assert.True(t, driver.IsProtocolError(perr))
}

func TestConnectFailsOnUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	d, err := New(specFor(srv.URL, nil))
	require.NoError(t, err)

	err = d.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, driver.IsProtocolError(err), "a dial failure is a transport error")
	assert.False(t, d.Status().Connected)
}

func TestMissingResponsePathIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"other": 1}`))
	}))
	defer srv.Close()

	d, err := New(specFor(srv.URL, map[string]interface{}{"responsePath": "data.items"}))
	require.NoError(t, err)
	defer d.Close()

	_, perr := d.(driver.Poller).Poll(context.Background())
	require.Error(t, perr)
	assert.True(t, driver.IsProtocolError(perr))
}
