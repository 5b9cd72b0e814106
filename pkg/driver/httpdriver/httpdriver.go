// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package httpdriver implements the HTTP polling driver.
package httpdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/value"
)

// Config is the protocol-specific configuration of an HTTP source.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	// Dotted path into the response selecting the sample subtree.
	ResponsePath string `json:"responsePath"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

func init() {
	driver.Register(driver.TypeHTTP, New)
}

// Driver polls a JSON endpoint and emits the decoded body as a raw sample.
type Driver struct {
	sourceID string
	cfg      Config
	client   *http.Client

	mu        sync.Mutex
	connected bool
}

// New validates the spec and builds the driver.
func New(spec config.SourceSpec) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: http driver needs a url", spec.ID)}
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: http driver url must be http(s)", spec.ID)}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	client := &http.Client{
		Timeout: driver.DefaultRequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   driver.DefaultConnectTimeout,
				KeepAlive: 20 * time.Second,
			}).DialContext,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     60 * time.Second,
		},
	}
	return &Driver{sourceID: spec.ID, cfg: cfg, client: client}, nil
}

// HasPointList is always true: an HTTP source addresses exactly the
// configured endpoint, there is nothing to discover.
func (d *Driver) HasPointList() bool { return true }

// Connect probes the endpoint once so unreachable targets enter the
// supervisor's reconnect cycle instead of failing on every poll.
func (d *Driver) Connect(ctx context.Context) error {
	if _, err := d.fetch(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Poll fetches the endpoint and returns the decoded sample.
func (d *Driver) Poll(ctx context.Context) ([]value.Value, error) {
	sample, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return []value.Value{sample}, nil
}

func (d *Driver) fetch(ctx context.Context) (value.Value, error) {
	var body io.Reader
	if d.cfg.Body != "" {
		body = strings.NewReader(d.cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.cfg.Method, d.cfg.URL, body)
	if err != nil {
		return value.Null(), err
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}
	if d.cfg.Username != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return value.Null(), err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return value.Null(), err
	}
	if resp.StatusCode >= 400 {
		return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("endpoint returned %s", resp.Status)}
	}

	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("response is not JSON: %w", err)}
	}
	sample := value.FromInterface(tree)
	if d.cfg.ResponsePath != "" {
		sub, ok := value.ExtractPath(sample, d.cfg.ResponsePath)
		if !ok {
			return value.Null(), &driver.ProtocolError{Err: fmt.Errorf("responsePath %q not found", d.cfg.ResponsePath)}
		}
		sample = sub
	}
	return sample, nil
}

// Status returns a transport-level snapshot.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.Status{Connected: d.connected, Endpoint: d.cfg.URL}
}

// Close releases idle connections.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.client.CloseIdleConnections()
	return nil
}
