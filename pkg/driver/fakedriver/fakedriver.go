// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package fakedriver provides a scriptable in-memory driver for tests of
// the supervisor, engine and transport layers.
package fakedriver

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/value"
)

// Driver is a scriptable test double. Zero value is usable: every
// operation succeeds and Poll returns an empty object.
type Driver struct {
	mu sync.Mutex

	// ConnectErrs is consumed one per Connect call; nil entries succeed.
	ConnectErrs []error
	// PollResults is consumed one per Poll call; when exhausted, PollValue
	// is returned forever.
	PollResults []PollResult
	PollValue   value.Value

	// DiscoverPoints is returned by Discover.
	DiscoverPoints []driver.Point
	// PointList controls HasPointList.
	PointList bool

	// WriteErr is returned by Write.
	WriteErr error

	events    chan driver.Event
	connected bool

	ConnectCalls atomic.Int64
	PollCalls    atomic.Int64
	CloseCalls   atomic.Int64
	WriteCalls   atomic.Int64

	writesMu sync.Mutex
	writes   []Write
}

// PollResult scripts one Poll call.
type PollResult struct {
	Samples []value.Value
	Err     error
}

// Write records one Write call.
type Write struct {
	Target string
	Value  value.Value
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.Poller = (*Driver)(nil)
var _ driver.Subscriber = (*Driver)(nil)
var _ driver.Discoverer = (*Driver)(nil)
var _ driver.PointLister = (*Driver)(nil)
var _ driver.Writer = (*Driver)(nil)

// Connect consumes the next scripted connect outcome.
func (d *Driver) Connect(_ context.Context) error {
	d.ConnectCalls.Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if len(d.ConnectErrs) > 0 {
		err = d.ConnectErrs[0]
		d.ConnectErrs = d.ConnectErrs[1:]
	}
	if err != nil {
		return err
	}
	if d.events == nil {
		d.events = make(chan driver.Event, 64)
	}
	d.connected = true
	return nil
}

// Poll consumes the next scripted poll outcome.
func (d *Driver) Poll(_ context.Context) ([]value.Value, error) {
	d.PollCalls.Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, driver.ErrNotConnected
	}
	if len(d.PollResults) > 0 {
		r := d.PollResults[0]
		d.PollResults = d.PollResults[1:]
		return r.Samples, r.Err
	}
	if d.PollValue.Kind() == value.KindNull {
		return []value.Value{value.Object(map[string]value.Value{})}, nil
	}
	return []value.Value{d.PollValue}, nil
}

// Events returns the push stream; Emit feeds it.
func (d *Driver) Events() <-chan driver.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// Emit pushes an event as a live subscription would.
func (d *Driver) Emit(ev driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events != nil {
		d.events <- ev
	}
}

// Discover returns the scripted point catalog.
func (d *Driver) Discover(_ context.Context) ([]driver.Point, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, driver.ErrNotConnected
	}
	return append([]driver.Point(nil), d.DiscoverPoints...), nil
}

// HasPointList reports the scripted value.
func (d *Driver) HasPointList() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.PointList
}

// Write records the call and returns the scripted error.
func (d *Driver) Write(_ context.Context, target string, v value.Value) error {
	d.WriteCalls.Inc()
	d.mu.Lock()
	connected := d.connected
	err := d.WriteErr
	d.mu.Unlock()
	if !connected {
		return driver.ErrNotConnected
	}
	if err != nil {
		return err
	}
	d.writesMu.Lock()
	d.writes = append(d.writes, Write{Target: target, Value: v})
	d.writesMu.Unlock()
	return nil
}

// Writes returns the recorded write calls.
func (d *Driver) Writes() []Write {
	d.writesMu.Lock()
	defer d.writesMu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Status reports the connection flag.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return driver.Status{Connected: d.connected, Endpoint: "fake"}
}

// Close drops the connection and closes the event stream.
func (d *Driver) Close() error {
	d.CloseCalls.Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	if d.events != nil {
		close(d.events)
		d.events = nil
	}
	return nil
}
