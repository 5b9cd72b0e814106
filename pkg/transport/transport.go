// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package transport fans canonical records out to the configured sinks and
// tracks per-sink health. Records a sink could not take are reported back
// so the engine can buffer them for a recovery flush.
package transport

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
)

// Status classifies one publish outcome.
type Status int

// Publish outcomes.
const (
	StatusOK Status = iota
	StatusRetriable
	StatusFatal
)

// PublishResult is the outcome of offering one record to one sink.
type PublishResult struct {
	Status Status
	Err    error
}

func ok() PublishResult                 { return PublishResult{Status: StatusOK} }
func retriable(err error) PublishResult { return PublishResult{Status: StatusRetriable, Err: err} }
func fatal(err error) PublishResult     { return PublishResult{Status: StatusFatal, Err: err} }

// Sink is one transport endpoint. Publish with an empty subject lets the
// sink derive its own; recovery flushes pass the originally intended
// subject back in.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, rec telemetry.Record, subject string) PublishResult
	// Subject returns the subject Publish would derive for a record.
	Subject(rec telemetry.Record) string
	Healthy() bool
	Close() error
}

// Failure describes one record a sink could not take.
type Failure struct {
	Sink    string
	Subject string
	Err     error
}

// Manager owns the sink set.
type Manager struct {
	sinks []Sink

	mu     sync.RWMutex
	health map[string]bool

	recovered chan string
}

// NewManager builds the sinks a transport config enables. The recovered
// channel may be supplied by the caller so it survives a config swap; nil
// means the manager allocates its own.
func NewManager(cfg config.TransportConfig, recovered chan string) (*Manager, error) {
	if recovered == nil {
		recovered = make(chan string, 16)
	}
	m := &Manager{
		health:    map[string]bool{},
		recovered: recovered,
	}
	if b := cfg.Bus; b != nil && b.Enabled {
		m.sinks = append(m.sinks, newBusSink(*b, m.notifyUp))
	}
	if b := cfg.Broker; b != nil && b.Enabled {
		m.sinks = append(m.sinks, newBrokerSink(*b, m.notifyUp))
	}
	if h := cfg.HTTPPush; h != nil && h.Enabled {
		m.sinks = append(m.sinks, newHTTPPushSink(*h, m.notifyUp))
	}
	return m, nil
}

// Sinks returns the configured sink names.
func (m *Manager) Sinks() []string {
	out := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Connect dials every sink. A sink that cannot connect starts down and is
// recovered by its own reconnect machinery; startup proceeds.
func (m *Manager) Connect(ctx context.Context) {
	for _, s := range m.sinks {
		if err := s.Connect(ctx); err != nil {
			log.Warnf("sink %s: connect failed, will recover in background: %v", s.Name(), err)
			m.setHealth(s.Name(), false)
			continue
		}
		m.setHealth(s.Name(), true)
	}
}

// Publish offers one record to every sink and returns the retriable
// failures. Fatal rejections are logged and not returned; the record is
// not retried on that sink.
func (m *Manager) Publish(ctx context.Context, rec telemetry.Record) []Failure {
	var failures []Failure
	for _, s := range m.sinks {
		subject := s.Subject(rec)
		res := s.Publish(ctx, rec, "")
		switch res.Status {
		case StatusOK:
			m.setHealth(s.Name(), true)
		case StatusRetriable:
			m.setHealth(s.Name(), false)
			failures = append(failures, Failure{Sink: s.Name(), Subject: subject, Err: res.Err})
		case StatusFatal:
			log.Errorf("sink %s: record %s rejected permanently: %v", s.Name(), rec.ID, res.Err)
		}
	}
	return failures
}

// Republish retries one buffered record against the sink it was intended
// for, using the originally derived subject.
func (m *Manager) Republish(ctx context.Context, sinkName string, rec telemetry.Record, subject string) PublishResult {
	for _, s := range m.sinks {
		if s.Name() != sinkName {
			continue
		}
		res := s.Publish(ctx, rec, subject)
		m.setHealth(sinkName, res.Status == StatusOK)
		return res
	}
	// the sink was removed by a config swap; its backlog is obsolete
	return fatal(errSinkGone(sinkName))
}

type errSinkGone string

func (e errSinkGone) Error() string { return "sink " + string(e) + " is no longer configured" }

// Recovered delivers the name of each sink that transitioned from down to
// up. The engine listens on it to trigger recovery flushes.
func (m *Manager) Recovered() <-chan string { return m.recovered }

// Health returns a per-sink health snapshot.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}

func (m *Manager) setHealth(name string, up bool) {
	m.mu.Lock()
	was, seen := m.health[name]
	m.health[name] = up
	m.mu.Unlock()
	if up && seen && !was {
		m.notifyUp(name)
	}
}

// notifyUp signals a down-to-up transition without blocking the caller.
func (m *Manager) notifyUp(name string) {
	m.mu.Lock()
	m.health[name] = true
	m.mu.Unlock()
	select {
	case m.recovered <- name:
	default:
		// a flush for this sink is already pending
	}
}

// Close releases every sink.
func (m *Manager) Close() error {
	var errs *multierror.Error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
