// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package mqttdriver implements the MQTT subscription driver.
package mqttdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/value"
)

const (
	eventBufferSize = 256
	discoveryWindow = 10 * time.Second
)

// Config is the protocol-specific configuration of an MQTT source.
type Config struct {
	Broker   string   `json:"broker"`
	Topics   []string `json:"topics"`
	ClientID string   `json:"clientId"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	QoS      byte     `json:"qos"`
}

func init() {
	driver.Register(driver.TypeMQTT, New)
}

// Driver subscribes to a set of topics and forwards every message as a raw
// sample. It performs no deduplication; consumers are idempotent on record
// id + timestamp.
type Driver struct {
	sourceID string
	cfg      Config

	mu     sync.Mutex
	client mqtt.Client
	events chan driver.Event
}

// New validates the spec and builds the driver. No network I/O happens
// here.
func New(spec config.SourceSpec) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Broker == "" {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: mqtt driver needs a broker url", spec.ID)}
	}
	if cfg.QoS > 2 {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("source %q: mqtt qos must be 0, 1 or 2", spec.ID)}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fieldgate-" + spec.ID
	}
	return &Driver{sourceID: spec.ID, cfg: cfg}, nil
}

// HasPointList reports whether topics were configured explicitly.
func (d *Driver) HasPointList() bool { return len(d.cfg.Topics) > 0 }

// Connect dials the broker and installs the configured subscriptions.
// Reconnection is the supervisor's job, so auto-reconnect stays off.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = make(chan driver.Event, eventBufferSize)

	opts := mqtt.NewClientOptions().
		AddBroker(d.cfg.Broker).
		SetClientID(d.cfg.ClientID).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.emit(driver.Event{Kind: driver.EventDisconnected, Err: err})
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	deadline := driver.DefaultSubscribeConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("connect to %s timed out", d.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", d.cfg.Broker, err)
	}

	for _, topic := range d.cfg.Topics {
		t := client.Subscribe(topic, d.cfg.QoS, d.onMessage)
		if !t.WaitTimeout(driver.DefaultRequestTimeout) || t.Error() != nil {
			client.Disconnect(250)
			return fmt.Errorf("subscribe to %s failed: %v", topic, t.Error())
		}
	}

	d.client = client
	return nil
}

func (d *Driver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	d.emit(driver.Event{Kind: driver.EventSample, Sample: parsePayload(msg.Topic(), msg.Payload())})
}

// parsePayload turns a message into a sample tree. JSON objects pass
// through as-is; everything else is wrapped with its topic.
func parsePayload(topic string, payload []byte) value.Value {
	var tree interface{}
	if err := json.Unmarshal(payload, &tree); err == nil {
		v := value.FromInterface(tree)
		if _, isObj := v.ObjectVal(); isObj {
			return v
		}
		return value.Object(map[string]value.Value{"topic": value.String(topic), "value": v})
	}
	return value.Object(map[string]value.Value{"topic": value.String(topic), "value": value.String(string(payload))})
}

// emit delivers an event without blocking the paho callback goroutine. The
// lock is held across the send so Close cannot close the channel under us.
func (d *Driver) emit(ev driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events == nil {
		return
	}
	select {
	case d.events <- ev:
	default:
		// inbox full: the sample is dropped and counted upstream
		log.Debugf("mqtt source %s: event buffer full, dropping message", d.sourceID)
	}
}

// Events returns the subscription event stream.
func (d *Driver) Events() <-chan driver.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// Discover subscribes to the broker-wide wildcard for a bounded window and
// collects the distinct topics seen, excluding the broker-internal $SYS
// namespace.
func (d *Driver) Discover(ctx context.Context) ([]driver.Point, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	var topicsMu sync.Mutex
	topics := map[string]struct{}{}
	t := client.Subscribe("#", 0, func(_ mqtt.Client, msg mqtt.Message) {
		if strings.HasPrefix(msg.Topic(), "$") {
			return
		}
		topicsMu.Lock()
		topics[msg.Topic()] = struct{}{}
		topicsMu.Unlock()
	})
	if !t.WaitTimeout(driver.DefaultRequestTimeout) || t.Error() != nil {
		return nil, fmt.Errorf("wildcard subscribe failed: %v", t.Error())
	}

	window := discoveryWindow
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < window {
		window = time.Until(dl)
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
	}
	client.Unsubscribe("#").WaitTimeout(driver.DefaultRequestTimeout)

	topicsMu.Lock()
	defer topicsMu.Unlock()
	points := make([]driver.Point, 0, len(topics))
	for topic := range topics {
		points = append(points, driver.Point{ID: topic, Name: topic, NodeClass: "topic"})
	}
	return points, nil
}

// Write publishes a value to a topic on the device side.
func (d *Driver) Write(_ context.Context, target string, v value.Value) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return driver.ErrNotConnected
	}
	payload, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	t := client.Publish(target, d.cfg.QoS, false, payload)
	if !t.WaitTimeout(driver.DefaultRequestTimeout) {
		return fmt.Errorf("publish to %s timed out", target)
	}
	return t.Error()
}

// Status returns a transport-level snapshot.
func (d *Driver) Status() driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := d.client != nil && d.client.IsConnected()
	return driver.Status{Connected: connected, Endpoint: d.cfg.Broker}
}

// Close releases the client and the event stream.
func (d *Driver) Close() error {
	d.mu.Lock()
	client := d.client
	events := d.events
	d.client = nil
	d.events = nil
	d.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	if events != nil {
		close(events)
	}
	return nil
}
