// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
)

// HTTPPushSinkName identifies the HTTP push sink in buffered entries.
const HTTPPushSinkName = "httpPush"

// backlogFactor bounds the pending queue relative to the batch size.
// Beyond it Publish turns records away as retriable so they land in the
// recovery buffer instead of growing memory.
const backlogFactor = 10

// httpPushSink accumulates records and ships them as batches, either when
// the batch is full or when the flush timer fires. One request carries one
// batch; the request is the unit of success or failure.
type httpPushSink struct {
	cfg    config.HTTPPushConfig
	format telemetry.Format
	onUp   func(string)
	client *http.Client

	// flushMu serializes flushes: the ticker loop and the inline flush in
	// Publish must never ship and trim the same batch concurrently.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending []json.RawMessage
	healthy bool

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newHTTPPushSink(cfg config.HTTPPushConfig, onUp func(string)) *httpPushSink {
	format := telemetry.Format(cfg.Format)
	if format == "" {
		format = telemetry.FormatJSON
	}
	return &httpPushSink{
		cfg:    cfg,
		format: format,
		onUp:   onUp,
		client: &http.Client{Timeout: cfg.Timeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *httpPushSink) Name() string { return HTTPPushSinkName }

// Connect starts the flush loop. The endpoint is not probed; the first
// batch decides health.
func (s *httpPushSink) Connect(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.healthy = true
	s.mu.Unlock()
	go s.flushLoop()
	return nil
}

func (s *httpPushSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// Subject is constant: the endpoint takes every record.
func (s *httpPushSink) Subject(telemetry.Record) string { return s.cfg.URL }

// Publish enqueues the record. A full batch flushes inline so the caller
// learns about a down endpoint; a full backlog is a retriable refusal.
func (s *httpPushSink) Publish(_ context.Context, rec telemetry.Record, _ string) PublishResult {
	data, err := telemetry.Encode(rec, s.format)
	if err != nil {
		return fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
	}

	s.mu.Lock()
	if len(s.pending) >= s.cfg.BatchSize*backlogFactor {
		s.mu.Unlock()
		return retriable(fmt.Errorf("push backlog full (%d records)", s.cfg.BatchSize*backlogFactor))
	}
	s.pending = append(s.pending, data)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		if err := s.flush(); err != nil {
			return retriable(err)
		}
	}
	return ok()
}

// flush ships one batch. On a retriable failure the batch stays queued for
// the next attempt. Only one flush runs at a time; concurrent Publish
// calls may grow pending but never shrink it, so the trim below stays
// consistent with the snapshot.
func (s *httpPushSink) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	n := len(s.pending)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]json.RawMessage, n)
	copy(batch, s.pending[:n])
	s.mu.Unlock()

	err := s.ship(batch)

	s.mu.Lock()
	wasHealthy := s.healthy
	if err == nil {
		s.pending = append([]json.RawMessage(nil), s.pending[n:]...)
		s.healthy = true
	} else if isFatalPush(err) {
		// the endpoint rejected the payload for good; drop the batch
		s.pending = append([]json.RawMessage(nil), s.pending[n:]...)
		log.Errorf("push sink: batch of %d dropped: %v", n, err)
		err = nil
	} else {
		s.healthy = false
		log.Warnf("push sink: batch of %d not delivered, keeping it queued: %v", n, err)
	}
	nowHealthy := s.healthy
	s.mu.Unlock()

	if nowHealthy && !wasHealthy {
		s.onUp(HTTPPushSinkName)
	}
	return err
}

type fatalPushError struct{ status string }

func (e *fatalPushError) Error() string { return "endpoint rejected batch: " + e.status }

func isFatalPush(err error) bool {
	_, ok := err.(*fatalPushError)
	return ok
}

func (s *httpPushSink) ship(batch []json.RawMessage) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(s.cfg.Method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch s.cfg.Auth.Type {
	case "basic":
		req.SetBasicAuth(s.cfg.Auth.Username, s.cfg.Auth.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+s.cfg.Auth.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &fatalPushError{status: resp.Status}
	default:
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
}

func (s *httpPushSink) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Close flushes what it can and stops the loop.
func (s *httpPushSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
	s.client.CloseIdleConnections()
	return nil
}
