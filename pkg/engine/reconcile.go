// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package engine

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/util/log"
)

// ReconcileSources converges the running supervisor set onto a new source
// document. Unchanged specs keep their supervisor; changed specs are torn
// down and recreated; removed specs are destroyed. Reconciliations are
// serialized against each other.
func (e *Engine) ReconcileSources(doc config.SourcesDocument) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	reconciliations.Add(1)

	incoming := map[string]config.SourceSpec{}
	for _, spec := range doc.Sources {
		incoming[spec.ID] = spec
	}

	e.mu.RLock()
	running := make(map[string]*supEntry, len(e.supervisors))
	for id, ent := range e.supervisors {
		running[id] = ent
	}
	engineRunning := e.running
	e.mu.RUnlock()

	var toStop []*supEntry
	var toStart []config.SourceSpec
	removed, updated, added, kept := 0, 0, 0, 0

	for id, ent := range running {
		spec, stillThere := incoming[id]
		switch {
		case !stillThere:
			toStop = append(toStop, ent)
			removed++
		case spec.Digest() != ent.digest || !spec.Enabled:
			toStop = append(toStop, ent)
			if spec.Enabled {
				toStart = append(toStart, spec)
			}
			updated++
		default:
			kept++
		}
	}
	for id, spec := range incoming {
		if _, already := running[id]; !already && spec.Enabled {
			toStart = append(toStart, spec)
			added++
		}
	}

	var g errgroup.Group
	for _, ent := range toStop {
		ent := ent
		g.Go(func() error {
			err := ent.sup.Stop()
			e.mu.Lock()
			delete(e.supervisors, ent.spec.ID)
			supervisorsActive.Set(int64(len(e.supervisors)))
			e.mu.Unlock()
			e.disc.Forget(ent.spec.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("reconcile: stopping old supervisors: %v", err)
	}

	if engineRunning {
		for _, spec := range toStart {
			if err := e.createAndStart(spec); err != nil {
				log.Errorf("reconcile: source %s not started: %v", spec.ID, err)
			}
		}
	}

	log.Infof("sources reconciled: %d kept, %d added, %d updated, %d removed", kept, added, updated, removed)
	return nil
}

// ReconcileStorage swaps the buffer and sink set for a new storage
// document. The sample pipeline is quiesced for the swap so no record is
// routed through a half-torn-down stack.
func (e *Engine) ReconcileStorage(doc config.StorageDocument) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	reconciliations.Add(1)

	// wait for the in-flight sample to clear the pipeline, then hold it
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()

	e.mu.RLock()
	oldBuf, oldSinks := e.buf, e.sinks
	running := e.running
	e.mu.RUnlock()

	if err := e.buildStorage(doc); err != nil {
		return fmt.Errorf("storage reconcile: %w", err)
	}
	if running {
		e.mu.RLock()
		sinks := e.sinks
		e.mu.RUnlock()
		sinks.Connect(e.runCtx)
	}

	if err := oldSinks.Close(); err != nil {
		log.Warnf("storage reconcile: closing old sinks: %v", err)
	}
	oldBuf.Stop()
	log.Infof("storage and transport reconciled")
	return nil
}

// HandleConfigChange is wired to the config watcher. It reloads the
// changed document and reconciles; an invalid file keeps the previous
// configuration running.
func (e *Engine) HandleConfigChange(kind config.ChangeKind) {
	switch kind {
	case config.SourcesChanged:
		doc, err := e.confMgr.ReloadSources()
		if err != nil {
			log.Errorf("config watch: sources not reloaded: %v", err)
			return
		}
		if err := e.ReconcileSources(doc); err != nil {
			log.Errorf("config watch: source reconcile failed: %v", err)
		}
	case config.StorageChanged:
		doc, err := e.confMgr.ReloadStorage()
		if err != nil {
			log.Errorf("config watch: storage not reloaded: %v", err)
			return
		}
		if err := e.ReconcileStorage(doc); err != nil {
			log.Errorf("config watch: storage reconcile failed: %v", err)
		}
	}
}
