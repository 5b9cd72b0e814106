// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package driver defines the contract every protocol driver implements.
// Drivers only speak their wire protocol; retries, polling timers and
// lifecycle decisions belong to the connector supervisor.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cast"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/value"
)

// ErrNotConnected is returned by operations that need an established
// connection.
var ErrNotConnected = errors.New("driver is not connected")

// ProtocolError wraps a device-level failure: the device answered, but with
// an error code or malformed data. The sample is dropped and counted; the
// connection stays up.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is a per-sample protocol failure.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// EventKind tags events emitted by subscription drivers.
type EventKind int

// Subscription event kinds.
const (
	EventSample EventKind = iota
	EventDisconnected
	EventError
)

// Event is one upward notification from a subscription driver.
type Event struct {
	Kind   EventKind
	Sample value.Value
	Err    error
}

// Status is a point-in-time driver snapshot.
type Status struct {
	Connected bool   `json:"connected"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// Driver is the minimal contract. Connect dials the device and must honor
// the context deadline; Close releases every socket, timer and
// subscription and is safe to call in any state.
type Driver interface {
	Connect(ctx context.Context) error
	Close() error
	Status() Status
}

// Poller is implemented by drivers acquired by periodic reads. The
// supervisor owns the polling timer and calls Poll once per interval; a
// single poll may yield several samples (one per point for some drivers).
type Poller interface {
	Poll(ctx context.Context) ([]value.Value, error)
}

// Subscriber is implemented by drivers with push semantics. The channel is
// valid after Connect and closed by Close.
type Subscriber interface {
	Events() <-chan Event
}

// Point is one entry of a discovery catalog.
type Point struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	DisplayName string                 `json:"displayName,omitempty"`
	NodeClass   string                 `json:"nodeClass,omitempty"`
	DataType    string                 `json:"dataType,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// Discoverer is implemented by drivers that can browse or scan the remote
// device for its catalog of points.
type Discoverer interface {
	Discover(ctx context.Context) ([]Point, error)
}

// PointLister reports whether the source was configured with an explicit
// point list. Discovery only runs when it was not.
type PointLister interface {
	HasPointList() bool
}

// Writer is implemented by drivers that can publish a value to the device.
type Writer interface {
	Write(ctx context.Context, target string, v value.Value) error
}

// Default acquisition timings.
const (
	DefaultPollingInterval = 5 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	// Subscription protocols hold a session open and get a longer dial budget.
	DefaultSubscribeConnectTimeout = 30 * time.Second
)

// PollingInterval reads the common pollingInterval config field. Bare
// numbers are milliseconds; strings go through time.ParseDuration.
func PollingInterval(spec config.SourceSpec, def time.Duration) time.Duration {
	raw, ok := spec.Config["pollingInterval"]
	if !ok {
		return def
	}
	switch t := raw.(type) {
	case string:
		if d, err := time.ParseDuration(t); err == nil && d > 0 {
			return d
		}
	default:
		if ms, err := cast.ToInt64E(raw); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// ConnectTimeout reads the common connectTimeout config field.
func ConnectTimeout(spec config.SourceSpec, def time.Duration) time.Duration {
	raw, ok := spec.Config["connectTimeout"]
	if !ok {
		return def
	}
	switch t := raw.(type) {
	case string:
		if d, err := time.ParseDuration(t); err == nil && d > 0 {
			return d
		}
	default:
		if ms, err := cast.ToInt64E(raw); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
