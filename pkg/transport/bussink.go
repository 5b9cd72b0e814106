// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/version"
)

// BusSinkName identifies the message-bus sink in buffered entries.
const BusSinkName = "bus"

const defaultNamespace = "fieldgate"

// busSink publishes every record to the message bus under
// <namespace>.telemetry.<sourceId>, overridable per source. The client
// reconnects forever in the background.
type busSink struct {
	cfg    config.BusConfig
	format telemetry.Format
	onUp   func(string)

	mu   sync.Mutex
	conn *nats.Conn
}

func newBusSink(cfg config.BusConfig, onUp func(string)) *busSink {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	format := telemetry.Format(cfg.Format)
	if format == "" {
		format = telemetry.FormatJSON
	}
	return &busSink{cfg: cfg, format: format, onUp: onUp}
}

func (s *busSink) Name() string { return BusSinkName }

func (s *busSink) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("fieldgate-agent/"+version.AgentVersion),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("bus sink: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Infof("bus sink: reconnected")
			s.onUp(BusSinkName)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to bus %s: %w", s.cfg.URL, err)
	}
	s.conn = conn
	if !conn.IsConnected() {
		return fmt.Errorf("bus %s is not reachable yet", s.cfg.URL)
	}
	return nil
}

// Subject derives the default subject for a record, honoring per-source
// overrides.
func (s *busSink) Subject(rec telemetry.Record) string {
	if override, ok := s.cfg.SubjectOverrides[rec.Metadata.SourceID]; ok {
		return override
	}
	return fmt.Sprintf("%s.telemetry.%s", s.cfg.Namespace, rec.Metadata.SourceID)
}

func (s *busSink) Publish(_ context.Context, rec telemetry.Record, subject string) PublishResult {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return retriable(errors.New("bus connection is down"))
	}
	if subject == "" {
		subject = s.Subject(rec)
	}
	data, err := telemetry.Encode(rec, s.format)
	if err != nil {
		return fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
	}
	if err := conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return fatal(err)
		}
		return retriable(err)
	}
	return ok()
}

func (s *busSink) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn.IsConnected()
}

func (s *busSink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return err
	}
	return nil
}
