// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package connector runs the per-source lifecycle state machine. One
// supervisor wraps one driver instance, owns its polling timer and its
// reconnect backoff, and forwards samples and state changes upward tagged
// with the source id.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/value"
)

// DefaultStopGracePeriod bounds how long Stop waits for the run loop
// before force-closing the driver.
const DefaultStopGracePeriod = 5 * time.Second

// consecutive per-sample protocol failures before the connection is
// considered broken
const protocolErrorThreshold = 10

// EventKind tags supervisor events.
type EventKind int

// Supervisor event kinds.
const (
	EventSample EventKind = iota
	EventStateChange
)

// Event is one upward notification from a supervisor to the engine.
type Event struct {
	SourceID   string
	SourceType string
	Kind       EventKind
	Sample     value.Value
	State      State
	Err        error
}

// Runtime is a read-only snapshot of a running source.
type Runtime struct {
	SourceID     string        `json:"sourceId"`
	SourceType   string        `json:"sourceType"`
	State        string        `json:"state"`
	LastActivity time.Time     `json:"lastActivity"`
	Samples      int64         `json:"samples"`
	Errors       int64         `json:"errors"`
	Connects     int64         `json:"connects"`
	Driver       driver.Status `json:"driver"`
}

// Deps carries the supervisor's collaborators.
type Deps struct {
	// Inbox receives every sample and state change. Sends block when the
	// inbox is full; the engine sizes it for backpressure.
	Inbox chan<- Event
	// OnConnected runs in the supervisor goroutine right after the state
	// machine reaches Connected and before acquisition starts. The engine
	// uses it to trigger discovery.
	OnConnected func(ctx context.Context, drv driver.Driver)
	Clock       clock.Clock
	StopGrace   time.Duration
}

// Supervisor owns one driver's lifecycle.
type Supervisor struct {
	spec config.SourceSpec
	drv  driver.Driver
	deps Deps

	mu           sync.RWMutex
	state        State
	lastActivity time.Time

	samples  atomic.Int64
	errors   atomic.Int64
	connects atomic.Int64

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// New builds a supervisor around an already-constructed driver.
func New(spec config.SourceSpec, drv driver.Driver, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.StopGrace <= 0 {
		deps.StopGrace = DefaultStopGracePeriod
	}
	return &Supervisor{
		spec:  spec,
		drv:   drv,
		deps:  deps,
		state: Initialized,
		done:  make(chan struct{}),
	}
}

// Spec returns the source spec this supervisor runs.
func (s *Supervisor) Spec() config.SourceSpec { return s.spec }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the runtime view the control plane serves.
func (s *Supervisor) Snapshot() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Runtime{
		SourceID:     s.spec.ID,
		SourceType:   s.spec.Type,
		State:        s.state.String(),
		LastActivity: s.lastActivity,
		Samples:      s.samples.Load(),
		Errors:       s.errors.Load(),
		Connects:     s.connects.Load(),
		Driver:       s.drv.Status(),
	}
}

// Start launches the run loop. A supervisor starts at most once; after
// Stop it must be recreated.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("source %q: supervisor already started", s.spec.ID)
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop cancels the run loop and waits for it bounded by the grace period,
// force-closing the driver when the deadline passes. It is idempotent and
// safe to call in any state.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if !started {
		s.setState(Stopped, nil)
		close(s.done)
		return nil
	}
	cancel()

	timer := s.deps.Clock.Timer(s.deps.StopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		log.Warnf("source %s: stop grace period expired, force-closing driver", s.spec.ID)
		if err := s.drv.Close(); err != nil {
			log.Debugf("source %s: force close: %v", s.spec.ID, err)
		}
		<-s.done
	}
	s.setState(Stopped, nil)
	return nil
}

// Write forwards a device write. Rejected unless the supervisor is
// Connected and the driver supports writes.
func (s *Supervisor) Write(ctx context.Context, target string, v value.Value) error {
	if s.State() != Connected {
		return fmt.Errorf("source %q is %s, writes need a connected source", s.spec.ID, s.State())
	}
	w, ok := s.drv.(driver.Writer)
	if !ok {
		return fmt.Errorf("source %q: driver %s does not support writes", s.spec.ID, s.spec.Type)
	}
	return w.Write(ctx, target, v)
}

// Discover forwards a one-shot catalog retrieval to the driver.
func (s *Supervisor) Discover(ctx context.Context) ([]driver.Point, error) {
	d, ok := s.drv.(driver.Discoverer)
	if !ok {
		return nil, fmt.Errorf("source %q: driver %s does not support discovery", s.spec.ID, s.spec.Type)
	}
	return d.Discover(ctx)
}

// newBackoff builds the reconnect ladder: delay n is initialDelay*2^(n-1).
// MaxInterval is lifted above the last reachable attempt so no step of the
// ladder is ever clamped.
func newBackoff(policy config.RetryPolicy) *backoff.ExponentialBackOff {
	ceiling := policy.InitialDelay
	for i := 1; i < policy.MaxAttempts && ceiling < time.Duration(1)<<61; i++ {
		ceiling *= 2
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

// run is the lifecycle state machine.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if err := s.drv.Close(); err != nil {
			log.Debugf("source %s: close: %v", s.spec.ID, err)
		}
	}()

	policy := s.spec.RetryPolicy
	bo := newBackoff(policy)
	attempts := 0

	for {
		s.setState(Connecting, nil)
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempts = 0
			bo.Reset()
			s.connects.Inc()
			s.touch()
			s.setState(Connected, nil)
			log.Infof("source %s: connected", s.spec.ID)

			if s.deps.OnConnected != nil {
				s.deps.OnConnected(ctx, s.drv)
			}

			err = s.acquire(ctx)
			if ctx.Err() != nil {
				return
			}
			s.setState(Disconnected, err)
			log.Warnf("source %s: disconnected: %v", s.spec.ID, err)
			if !policy.Enabled {
				s.setState(Failed, err)
				return
			}
		} else {
			s.errors.Inc()
			log.Warnf("source %s: connect failed: %v", s.spec.ID, err)
		}

		attempts++
		if attempts >= policy.MaxAttempts {
			log.Errorf("source %s: giving up after %d attempts", s.spec.ID, attempts)
			s.setState(Failed, err)
			return
		}

		s.setState(Reconnecting, err)
		delay := bo.NextBackOff()
		log.Infof("source %s: reconnect attempt %d/%d in %s", s.spec.ID, attempts+1, policy.MaxAttempts, delay)
		timer := s.deps.Clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	def := driver.DefaultConnectTimeout
	if _, ok := s.drv.(driver.Subscriber); ok {
		def = driver.DefaultSubscribeConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, driver.ConnectTimeout(s.spec, def))
	defer cancel()
	return s.drv.Connect(connectCtx)
}

// acquire moves samples until the connection breaks or the context ends.
// The returned error describes why the connection is considered broken.
func (s *Supervisor) acquire(ctx context.Context) error {
	if sub, ok := s.drv.(driver.Subscriber); ok {
		return s.acquireSubscription(ctx, sub)
	}
	if poller, ok := s.drv.(driver.Poller); ok {
		return s.acquirePolling(ctx, poller)
	}
	// connection-only driver, nothing to acquire
	<-ctx.Done()
	return ctx.Err()
}

func (s *Supervisor) acquireSubscription(ctx context.Context, sub driver.Subscriber) error {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			switch ev.Kind {
			case driver.EventSample:
				s.forwardSample(ctx, ev.Sample)
			case driver.EventError:
				s.errors.Inc()
				log.Debugf("source %s: driver error: %v", s.spec.ID, ev.Err)
			case driver.EventDisconnected:
				if ev.Err == nil {
					return fmt.Errorf("connection lost")
				}
				return ev.Err
			}
		}
	}
}

func (s *Supervisor) acquirePolling(ctx context.Context, poller driver.Poller) error {
	interval := driver.PollingInterval(s.spec, driver.DefaultPollingInterval)
	ticker := s.deps.Clock.Ticker(interval)
	defer ticker.Stop()

	protocolErrors := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, driver.DefaultRequestTimeout)
			samples, err := poller.Poll(pollCtx)
			cancel()
			if err != nil {
				s.errors.Inc()
				if driver.IsProtocolError(err) {
					protocolErrors++
					log.Debugf("source %s: dropped sample: %v", s.spec.ID, err)
					if protocolErrors >= protocolErrorThreshold {
						return fmt.Errorf("%d consecutive protocol errors, last: %w", protocolErrors, err)
					}
					continue
				}
				return err
			}
			protocolErrors = 0
			for _, sample := range samples {
				s.forwardSample(ctx, sample)
			}
		}
	}
}

// forwardSample blocks when the engine inbox is full; backpressure reaches
// the driver through the supervisor.
func (s *Supervisor) forwardSample(ctx context.Context, sample value.Value) {
	s.touch()
	s.samples.Inc()
	select {
	case s.deps.Inbox <- Event{SourceID: s.spec.ID, SourceType: s.spec.Type, Kind: EventSample, Sample: sample}:
	case <-ctx.Done():
	}
}

func (s *Supervisor) setState(next State, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	if s.deps.Inbox == nil {
		return
	}
	// state changes are delivered best-effort so a full inbox cannot
	// deadlock Stop
	select {
	case s.deps.Inbox <- Event{SourceID: s.spec.ID, SourceType: s.spec.Type, Kind: EventStateChange, State: next, Err: cause}:
	default:
		log.Debugf("source %s: inbox full, state change %s not delivered", s.spec.ID, next)
	}
}

func (s *Supervisor) touch() {
	s.mu.Lock()
	s.lastActivity = s.deps.Clock.Now()
	s.mu.Unlock()
}
