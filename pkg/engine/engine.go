// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package engine orchestrates the acquisition pipeline: it owns the
// supervisors, routes samples through the mapping engine into the buffer
// and the transport fan-out, and reconciles the running set against the
// declarative configuration.
package engine

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/fieldgate/agent/pkg/buffer"
	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/connector"
	"github.com/fieldgate/agent/pkg/discovery"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/mapping"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/transport"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/value"
)

// DefaultInboxSize bounds the engine event inbox; full means supervisors
// block, which is the backpressure path.
const DefaultInboxSize = 1024

var (
	engineExpvars     = expvar.NewMap("engine")
	samplesProcessed  = expvar.Int{}
	samplesUnmapped   = expvar.Int{}
	recordsPublished  = expvar.Int{}
	recordsBuffered   = expvar.Int{}
	recordsRecovered  = expvar.Int{}
	reconciliations   = expvar.Int{}
	supervisorsActive = expvar.Int{}
)

func init() {
	engineExpvars.Set("samples_processed", &samplesProcessed)
	engineExpvars.Set("samples_unmapped", &samplesUnmapped)
	engineExpvars.Set("records_published", &recordsPublished)
	engineExpvars.Set("records_buffered", &recordsBuffered)
	engineExpvars.Set("records_recovered", &recordsRecovered)
	engineExpvars.Set("reconciliations", &reconciliations)
	engineExpvars.Set("supervisors_active", &supervisorsActive)
}

// Options carries the engine's collaborators.
type Options struct {
	Settings *config.Settings
	Config   *config.Manager
	Mapper   *mapping.Engine
	Clock    clock.Clock
	// InboxSize overrides the event inbox depth; 0 means the default.
	InboxSize int
}

type supEntry struct {
	sup    *connector.Supervisor
	spec   config.SourceSpec
	digest string
}

// Engine is the orchestrator.
type Engine struct {
	settings *config.Settings
	confMgr  *config.Manager
	mapper   *mapping.Engine
	disc     *discovery.Service
	clk      clock.Clock

	inbox     chan connector.Event
	recovered chan string

	mu          sync.RWMutex
	supervisors map[string]*supEntry
	buf         *buffer.Buffer
	sinks       *transport.Manager
	running     bool

	// serializes reconciliations against each other
	reconcileMu sync.Mutex
	// pipeMu quiesces the sample pipeline during a storage swap
	pipeMu sync.RWMutex

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
	flushDone chan struct{}
}

// New builds an engine from the loaded configuration. Sources are created
// lazily by Start.
func New(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	e := &Engine{
		settings:    opts.Settings,
		confMgr:     opts.Config,
		mapper:      opts.Mapper,
		disc:        discovery.NewService(),
		clk:         opts.Clock,
		inbox:       make(chan connector.Event, opts.InboxSize),
		recovered:   make(chan string, 16),
		supervisors: map[string]*supEntry{},
	}
	if err := e.buildStorage(opts.Config.Storage()); err != nil {
		return nil, err
	}
	return e, nil
}

// buildStorage constructs the buffer and sink set for a storage document.
func (e *Engine) buildStorage(doc config.StorageDocument) error {
	var store buffer.Store
	mode := config.StoreModeBoth
	if p := doc.Storage.Persistent; p != nil {
		fs, err := buffer.NewFileStore(p.Path)
		if err != nil {
			return fmt.Errorf("open persistent buffer store: %w", err)
		}
		store = fs
		if p.Mode != "" {
			mode = p.Mode
		}
	}
	buf := buffer.New(buffer.Options{
		MaxDataPoints: doc.Storage.MaxDataPoints,
		Retention:     time.Duration(doc.Storage.RetentionDays) * 24 * time.Hour,
		Store:         store,
		Mode:          mode,
		Clock:         e.clk,
	})
	sinks, err := transport.NewManager(doc.Transport, e.recovered)
	if err != nil {
		buf.Stop()
		return err
	}

	e.mu.Lock()
	e.buf = buf
	e.sinks = sinks
	e.mu.Unlock()
	return nil
}

// Start connects the sinks, starts one supervisor per enabled source and
// launches the event loop. Individual source failures do not abort
// startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.loopDone = make(chan struct{})
	e.flushDone = make(chan struct{})
	sinks := e.sinks
	e.mu.Unlock()

	sinks.Connect(ctx)

	go e.eventLoop()
	go e.recoveryLoop()

	doc := e.confMgr.Sources()
	for _, spec := range doc.Sources {
		if !spec.Enabled {
			log.Debugf("source %s is disabled, skipping", spec.ID)
			continue
		}
		if err := e.createAndStart(spec); err != nil {
			log.Errorf("source %s: not started: %v", spec.ID, err)
		}
	}
	log.Infof("engine started with %d sources and sinks %v", len(e.supervisors), sinks.Sinks())
	return nil
}

// Stop tears everything down: supervisors concurrently, then the event
// loop, the sinks and the buffer.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	entries := make([]*supEntry, 0, len(e.supervisors))
	for _, ent := range e.supervisors {
		entries = append(entries, ent)
	}
	e.supervisors = map[string]*supEntry{}
	buf, sinks := e.buf, e.sinks
	cancel := e.runCancel
	e.mu.Unlock()

	var g errgroup.Group
	for _, ent := range entries {
		ent := ent
		g.Go(ent.sup.Stop)
	}
	err := g.Wait()
	supervisorsActive.Set(0)

	cancel()
	<-e.loopDone
	<-e.flushDone

	if cerr := sinks.Close(); cerr != nil && err == nil {
		err = cerr
	}
	buf.Stop()
	log.Infof("engine stopped")
	return err
}

// Running reports whether Start succeeded and Stop has not run.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// createAndStart builds the driver and supervisor for a spec and starts
// it. The caller must not hold e.mu.
func (e *Engine) createAndStart(spec config.SourceSpec) error {
	drv, err := driver.New(spec)
	if err != nil {
		return err
	}
	sup := connector.New(spec, drv, connector.Deps{
		Inbox:     e.inbox,
		Clock:     e.clk,
		StopGrace: e.stopGrace(),
		OnConnected: func(ctx context.Context, d driver.Driver) {
			if pl, ok := d.(driver.PointLister); ok && pl.HasPointList() {
				return
			}
			e.disc.Run(ctx, spec.ID, d)
		},
	})
	e.mu.Lock()
	e.supervisors[spec.ID] = &supEntry{sup: sup, spec: spec, digest: spec.Digest()}
	supervisorsActive.Set(int64(len(e.supervisors)))
	e.mu.Unlock()
	return sup.Start()
}

func (e *Engine) stopGrace() time.Duration {
	if e.settings != nil {
		if g := e.settings.StopGracePeriod(); g > 0 {
			return g
		}
	}
	return connector.DefaultStopGracePeriod
}

// eventLoop is the single consumer of the supervisor inbox.
func (e *Engine) eventLoop() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.runCtx.Done():
			e.drainInbox()
			return
		case ev := <-e.inbox:
			switch ev.Kind {
			case connector.EventSample:
				e.handleSample(ev)
			case connector.EventStateChange:
				if ev.Err != nil {
					log.Debugf("source %s is now %s: %v", ev.SourceID, ev.State, ev.Err)
				} else {
					log.Debugf("source %s is now %s", ev.SourceID, ev.State)
				}
			}
		}
	}
}

// drainInbox processes the samples already queued at shutdown. Supervisors
// are stopped before the run context is cancelled, so the queue is bounded
// and accepted samples reach the buffer before the sinks close.
func (e *Engine) drainInbox() {
	for {
		select {
		case ev := <-e.inbox:
			if ev.Kind == connector.EventSample {
				e.handleSample(ev)
			}
		default:
			return
		}
	}
}

// handleSample runs one sample through mapping, fan-out and buffering.
func (e *Engine) handleSample(ev connector.Event) {
	e.pipeMu.RLock()
	defer e.pipeMu.RUnlock()

	samplesProcessed.Add(1)

	rec, ok := e.mapRecord(ev.SourceID, ev.SourceType, ev.Sample)
	if !ok {
		samplesUnmapped.Add(1)
		return
	}

	e.mu.RLock()
	buf, sinks := e.buf, e.sinks
	e.mu.RUnlock()

	failures := sinks.Publish(e.runCtx, rec)
	recordsPublished.Add(1)

	buf.Store(telemetry.BufferedEntry{Record: rec, Role: telemetry.RoleCache})
	for _, f := range failures {
		recordsBuffered.Add(1)
		buf.Store(telemetry.BufferedEntry{
			Record:    rec,
			Role:      telemetry.RoleRecovery,
			SinkName:  f.Sink,
			Subject:   f.Subject,
			LastError: f.Err.Error(),
		})
	}
}

func (e *Engine) mapRecord(sourceID, sourceType string, sample value.Value) (telemetry.Record, bool) {
	autoMap := false
	e.mu.RLock()
	if ent, ok := e.supervisors[sourceID]; ok {
		autoMap = ent.spec.AutoMapping
	}
	e.mu.RUnlock()

	if autoMap && !e.mapper.HasRule(sourceID) {
		rec, err := e.mapper.ApplyAuto(sourceID, sourceType, sample)
		if err != nil {
			log.Warnf("source %s: auto-mapping failed: %v", sourceID, err)
			return telemetry.Record{}, false
		}
		log.Infof("source %s: mapping rule auto-generated", sourceID)
		return rec, true
	}
	return e.mapper.Apply(sourceID, sourceType, sample)
}

// recoveryLoop republishes buffered records when a sink comes back up.
func (e *Engine) recoveryLoop() {
	defer close(e.flushDone)
	for {
		select {
		case <-e.runCtx.Done():
			return
		case name := <-e.recovered:
			e.flushRecovery(name)
		}
	}
}

// flushRecovery republishes the pending entries of one sink oldest-first.
// A renewed failure stops the flush; the remaining entries wait for the
// next up transition.
func (e *Engine) flushRecovery(sinkName string) {
	e.mu.RLock()
	buf, sinks := e.buf, e.sinks
	e.mu.RUnlock()

	pending := buf.PendingFor(sinkName)
	if len(pending) == 0 {
		return
	}
	log.Infof("sink %s recovered, flushing %d buffered records", sinkName, len(pending))

	var acked []uint64
	for _, entry := range pending {
		res := sinks.Republish(e.runCtx, sinkName, entry.Record, entry.Subject)
		switch res.Status {
		case transport.StatusOK:
			acked = append(acked, entry.ID)
			recordsRecovered.Add(1)
		case transport.StatusFatal:
			log.Errorf("sink %s: buffered record %s dropped: %v", sinkName, entry.Record.ID, res.Err)
			acked = append(acked, entry.ID)
		case transport.StatusRetriable:
			log.Warnf("sink %s went down again mid-flush: %v", sinkName, res.Err)
			buf.Ack(acked)
			return
		}
	}
	buf.Ack(acked)
}
