// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package buffer is the bounded, time-windowed record store. It serves two
// roles: a short-term retrieval cache for the control plane and a recovery
// queue for records that failed to publish to a sink.
//
// A single goroutine owns all state; callers reach it through
// request/response messages, so no locks guard the entry list.
package buffer

import (
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
)

// Defaults mirror the storage document defaults.
const (
	DefaultMaxDataPoints = 10000
	DefaultRetentionDays = 7

	evictionInterval = time.Hour
)

// Entry is one buffered record with its buffer-assigned identity.
type Entry struct {
	ID uint64 `json:"id"`
	telemetry.BufferedEntry
}

// Store is an optional external backing for buffered entries. Failures
// degrade the buffer to memory-only; they never fail the caller.
type Store interface {
	// Append persists one entry under its buffer id.
	Append(e Entry) error
	// Delete removes one entry by id.
	Delete(id uint64) error
	// Load returns every persisted entry.
	Load() ([]Entry, error)
	// Clear removes everything.
	Clear() error
}

// Options configures a buffer.
type Options struct {
	MaxDataPoints int
	Retention     time.Duration
	Store         Store
	// Mode selects which entry roles reach the external store. One of the
	// config.StoreMode* constants.
	Mode  string
	Clock clock.Clock
}

// Buffer is the bounded record store.
type Buffer struct {
	opts Options

	entries []Entry // ascending by ID, ID ascends with BufferedAt
	nextID  uint64

	degraded bool

	req  chan func()
	stop chan struct{}
	done chan struct{}
}

// New builds a buffer and starts its owner goroutine. When a store is
// configured its persisted entries are loaded back first.
func New(opts Options) *Buffer {
	if opts.MaxDataPoints <= 0 {
		opts.MaxDataPoints = DefaultMaxDataPoints
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetentionDays * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Mode == "" {
		opts.Mode = config.StoreModeBoth
	}
	b := &Buffer{
		opts: opts,
		req:  make(chan func()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.restore()
	go b.run()
	return b
}

func (b *Buffer) restore() {
	if b.opts.Store == nil {
		return
	}
	entries, err := b.opts.Store.Load()
	if err != nil {
		log.Warnf("buffer: cannot load persistent store, continuing in memory: %v", err)
		b.degraded = true
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	b.entries = entries
	for _, e := range entries {
		if e.ID >= b.nextID {
			b.nextID = e.ID + 1
		}
	}
	if len(entries) > 0 {
		log.Infof("buffer: restored %d entries from persistent store", len(entries))
	}
}

func (b *Buffer) run() {
	defer close(b.done)
	ticker := b.opts.Clock.Ticker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-b.req:
			fn()
		case <-ticker.C:
			b.evictByAge()
		case <-b.stop:
			return
		}
	}
}

// Stop terminates the owner goroutine. Pending requests complete first.
func (b *Buffer) Stop() {
	select {
	case <-b.stop:
		return
	default:
	}
	close(b.stop)
	<-b.done
}

// do runs fn on the owner goroutine and waits for it.
func (b *Buffer) do(fn func()) {
	ran := make(chan struct{})
	select {
	case b.req <- func() { fn(); close(ran) }:
		<-ran
	case <-b.stop:
	}
}

// Store appends one entry, evicting the oldest when the ring is full.
func (b *Buffer) Store(e telemetry.BufferedEntry) {
	b.do(func() {
		if e.BufferedAt.IsZero() {
			e.BufferedAt = b.opts.Clock.Now().UTC()
		}
		entry := Entry{ID: b.nextID, BufferedEntry: e}
		b.nextID++
		b.entries = append(b.entries, entry)
		b.persist(entry)
		if over := len(b.entries) - b.opts.MaxDataPoints; over > 0 {
			for _, old := range b.entries[:over] {
				b.unpersist(old)
			}
			b.entries = append([]Entry(nil), b.entries[over:]...)
		}
	})
}

func (b *Buffer) persist(e Entry) {
	if b.opts.Store == nil || b.degraded || !b.modeCovers(e.Role) {
		return
	}
	if err := b.opts.Store.Append(e); err != nil {
		log.Warnf("buffer: persistent store append failed, degrading to memory: %v", err)
		b.degraded = true
	}
}

func (b *Buffer) unpersist(e Entry) {
	if b.opts.Store == nil || b.degraded || !b.modeCovers(e.Role) {
		return
	}
	if err := b.opts.Store.Delete(e.ID); err != nil {
		log.Debugf("buffer: persistent store delete %d: %v", e.ID, err)
	}
}

func (b *Buffer) modeCovers(role telemetry.EntryRole) bool {
	switch b.opts.Mode {
	case config.StoreModeCache:
		return role == telemetry.RoleCache
	case config.StoreModeBuffer:
		return role == telemetry.RoleRecovery
	default:
		return true
	}
}

func (b *Buffer) evictByAge() {
	cutoff := b.opts.Clock.Now().Add(-b.opts.Retention)
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.BufferedAt.After(cutoff) {
			kept = append(kept, e)
		} else {
			b.unpersist(e)
		}
	}
	if dropped := len(b.entries) - len(kept); dropped > 0 {
		log.Debugf("buffer: evicted %d entries past retention", dropped)
	}
	b.entries = kept
}

// Latest returns up to n entries, newest first.
func (b *Buffer) Latest(n int) []Entry {
	var out []Entry
	b.do(func() {
		out = collectNewest(b.entries, n, func(Entry) bool { return true })
	})
	return out
}

// BySource returns up to n entries of one source, newest first.
func (b *Buffer) BySource(sourceID string, n int) []Entry {
	var out []Entry
	b.do(func() {
		out = collectNewest(b.entries, n, func(e Entry) bool {
			return e.Record.Metadata.SourceID == sourceID
		})
	})
	return out
}

// ByTimeRange returns the entries buffered within [start, end], newest
// first.
func (b *Buffer) ByTimeRange(start, end time.Time) []Entry {
	var out []Entry
	b.do(func() {
		out = collectNewest(b.entries, len(b.entries), func(e Entry) bool {
			return !e.BufferedAt.Before(start) && !e.BufferedAt.After(end)
		})
	})
	return out
}

// Search returns entries whose record id, type or measurement ids contain
// the substring, newest first.
func (b *Buffer) Search(substring string) []Entry {
	needle := strings.ToLower(substring)
	var out []Entry
	b.do(func() {
		out = collectNewest(b.entries, len(b.entries), func(e Entry) bool {
			if strings.Contains(strings.ToLower(e.Record.ID), needle) ||
				strings.Contains(strings.ToLower(e.Record.Type), needle) {
				return true
			}
			for _, m := range e.Record.Measurements {
				if strings.Contains(strings.ToLower(m.ID), needle) {
					return true
				}
			}
			return false
		})
	})
	return out
}

// PendingFor returns the recovery entries destined for one sink, oldest
// first, ready for a recovery flush.
func (b *Buffer) PendingFor(sinkName string) []Entry {
	var out []Entry
	b.do(func() {
		for _, e := range b.entries {
			if e.Role == telemetry.RoleRecovery && e.SinkName == sinkName {
				out = append(out, e)
			}
		}
	})
	return out
}

// Ack deletes republished recovery entries by id.
func (b *Buffer) Ack(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	b.do(func() {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if _, gone := drop[e.ID]; gone {
				b.unpersist(e)
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
	})
}

// Clear drops everything, including the external store.
func (b *Buffer) Clear() {
	b.do(func() {
		b.entries = nil
		if b.opts.Store != nil && !b.degraded {
			if err := b.opts.Store.Clear(); err != nil {
				log.Warnf("buffer: persistent store clear failed: %v", err)
			}
		}
	})
}

// ClearBySource drops every entry of one source.
func (b *Buffer) ClearBySource(sourceID string) {
	b.do(func() {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.Record.Metadata.SourceID == sourceID {
				b.unpersist(e)
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
	})
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	n := 0
	b.do(func() { n = len(b.entries) })
	return n
}

// Degraded reports whether the external store was abandoned after a
// failure.
func (b *Buffer) Degraded() bool {
	d := false
	b.do(func() { d = b.degraded })
	return d
}

// collectNewest walks entries backwards (they are stored oldest first) and
// keeps up to n matches.
func collectNewest(entries []Entry, n int, match func(Entry) bool) []Entry {
	var out []Entry
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if match(entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out
}
