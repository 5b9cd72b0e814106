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

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
)

// BrokerSinkName identifies the MQTT broker sink in buffered entries.
const BrokerSinkName = "broker"

const (
	brokerConnectTimeout = 10 * time.Second
	brokerPublishTimeout = 5 * time.Second
	defaultBaseTopic     = "fieldgate"
)

// brokerSink publishes every record to an MQTT broker under
// <base>/<type>/<id>. The paho client reconnects on its own.
type brokerSink struct {
	cfg    config.BrokerConfig
	format telemetry.Format
	onUp   func(string)

	mu        sync.Mutex
	client    mqtt.Client
	everConnd bool
}

func newBrokerSink(cfg config.BrokerConfig, onUp func(string)) *brokerSink {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = defaultBaseTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fieldgate-sink"
	}
	format := telemetry.Format(cfg.Format)
	if format == "" {
		format = telemetry.FormatJSON
	}
	return &brokerSink{cfg: cfg, format: format, onUp: onUp}
}

func (s *brokerSink) Name() string { return BrokerSinkName }

func (s *brokerSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.URL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("broker sink: disconnected: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.mu.Lock()
		reconnect := s.everConnd
		s.everConnd = true
		s.mu.Unlock()
		if reconnect {
			log.Infof("broker sink: reconnected")
			s.onUp(BrokerSinkName)
		}
	})

	client := mqtt.NewClient(opts)
	s.client = client

	timeout := brokerConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect to broker %s timed out", s.cfg.URL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", s.cfg.URL, err)
	}
	return nil
}

// Subject derives the topic for a record.
func (s *brokerSink) Subject(rec telemetry.Record) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.BaseTopic, rec.Type, rec.ID)
}

func (s *brokerSink) Publish(_ context.Context, rec telemetry.Record, subject string) PublishResult {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return retriable(errors.New("broker connection is down"))
	}
	if subject == "" {
		subject = s.Subject(rec)
	}
	data, err := telemetry.Encode(rec, s.format)
	if err != nil {
		return fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
	}
	token := client.Publish(subject, s.cfg.QoS, s.cfg.Retain, data)
	if !token.WaitTimeout(brokerPublishTimeout) {
		return retriable(fmt.Errorf("publish to %s timed out", subject))
	}
	if err := token.Error(); err != nil {
		return retriable(err)
	}
	return ok()
}

func (s *brokerSink) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnectionOpen()
}

func (s *brokerSink) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
