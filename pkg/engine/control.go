// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/fieldgate/agent/pkg/buffer"
	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/connector"
	"github.com/fieldgate/agent/pkg/discovery"
	"github.com/fieldgate/agent/pkg/value"
)

// Status is the engine snapshot the control plane serves.
type Status struct {
	Running     bool                `json:"running"`
	Sources     []connector.Runtime `json:"sources"`
	SinkHealth  map[string]bool     `json:"sinkHealth"`
	BufferedLen int                 `json:"bufferedRecords"`
}

// Status returns a point-in-time snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	running := e.running
	entries := make([]*supEntry, 0, len(e.supervisors))
	for _, ent := range e.supervisors {
		entries = append(entries, ent)
	}
	buf, sinks := e.buf, e.sinks
	e.mu.RUnlock()

	st := Status{
		Running:     running,
		Sources:     make([]connector.Runtime, 0, len(entries)),
		SinkHealth:  sinks.Health(),
		BufferedLen: buf.Len(),
	}
	for _, ent := range entries {
		st.Sources = append(st.Sources, ent.sup.Snapshot())
	}
	sort.Slice(st.Sources, func(i, j int) bool { return st.Sources[i].SourceID < st.Sources[j].SourceID })
	return st
}

// SourceRuntime returns the runtime snapshot of one running source.
func (e *Engine) SourceRuntime(id string) (connector.Runtime, bool) {
	e.mu.RLock()
	ent, ok := e.supervisors[id]
	e.mu.RUnlock()
	if !ok {
		return connector.Runtime{}, false
	}
	return ent.sup.Snapshot(), true
}

// sourceSpec finds a spec in the configured document, running or not.
func (e *Engine) sourceSpec(id string) (config.SourceSpec, bool) {
	for _, spec := range e.confMgr.Sources().Sources {
		if spec.ID == id {
			return spec, true
		}
	}
	return config.SourceSpec{}, false
}

// StartSource starts one configured source that is not currently running.
func (e *Engine) StartSource(id string) error {
	e.mu.RLock()
	_, already := e.supervisors[id]
	running := e.running
	e.mu.RUnlock()
	if !running {
		return fmt.Errorf("engine is not running")
	}
	if already {
		return fmt.Errorf("source %q is already running", id)
	}
	spec, ok := e.sourceSpec(id)
	if !ok {
		return fmt.Errorf("source %q is not configured", id)
	}
	return e.createAndStart(spec)
}

// StopSource stops and destroys one running source. The spec stays
// configured; StartSource brings it back.
func (e *Engine) StopSource(id string) error {
	e.mu.Lock()
	ent, ok := e.supervisors[id]
	if ok {
		delete(e.supervisors, id)
		supervisorsActive.Set(int64(len(e.supervisors)))
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("source %q is not running", id)
	}
	return ent.sup.Stop()
}

// RestartSource is stop followed by start with the currently configured
// spec.
func (e *Engine) RestartSource(id string) error {
	if err := e.StopSource(id); err != nil {
		return err
	}
	return e.StartSource(id)
}

// WriteSource forwards a device write through the running supervisor.
func (e *Engine) WriteSource(ctx context.Context, id, target string, v value.Value) error {
	e.mu.RLock()
	ent, ok := e.supervisors[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("source %q is not running", id)
	}
	return ent.sup.Write(ctx, target, v)
}

// DiscoveryCatalog returns the last discovery result of a source.
func (e *Engine) DiscoveryCatalog(id string) (*discovery.Catalog, bool) {
	return e.disc.Catalog(id)
}

// ConfigureFromDiscovery promotes discovered points into the source's
// live point list, persists the updated source document and restarts the
// connector.
func (e *Engine) ConfigureFromDiscovery(id string, pointIDs []string) error {
	spec, ok := e.sourceSpec(id)
	if !ok {
		return fmt.Errorf("source %q is not configured", id)
	}
	promoted, err := e.disc.Promote(spec, pointIDs)
	if err != nil {
		return err
	}

	doc := e.confMgr.Sources()
	for i := range doc.Sources {
		if doc.Sources[i].ID == id {
			doc.Sources[i] = promoted
		}
	}
	if err := e.confMgr.ReplaceSources(doc); err != nil {
		return err
	}
	return e.ReconcileSources(doc)
}

// Buffer exposes the record store for control-plane queries.
func (e *Engine) Buffer() *buffer.Buffer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buf
}
