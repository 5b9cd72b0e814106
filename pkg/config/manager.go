// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"

	"github.com/fieldgate/agent/pkg/util/filesystem"
	"github.com/fieldgate/agent/pkg/util/log"
)

// Document file names inside the configuration directory.
const (
	SourcesFileName = "sources.yaml"
	StorageFileName = "storage.yaml"
)

// ChangeKind identifies which document changed on disk.
type ChangeKind int

// Change kinds emitted by the watcher.
const (
	SourcesChanged ChangeKind = iota
	StorageChanged
)

// Manager loads, validates and atomically swaps the declarative documents.
// A failed reload always retains the previous valid configuration.
type Manager struct {
	dir string

	mu      sync.RWMutex
	sources SourcesDocument
	storage StorageDocument
}

// NewManager returns a manager rooted at the given configuration directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// SourcesPath returns the source list file location.
func (m *Manager) SourcesPath() string { return filepath.Join(m.dir, SourcesFileName) }

// StoragePath returns the storage document file location.
func (m *Manager) StoragePath() string { return filepath.Join(m.dir, StorageFileName) }

// LoadAll reads both documents from disk. Missing files are treated as
// empty documents with defaults applied.
func (m *Manager) LoadAll() error {
	if _, err := m.ReloadSources(); err != nil {
		return err
	}
	if _, err := m.ReloadStorage(); err != nil {
		return err
	}
	return nil
}

// Sources returns the current source list.
func (m *Manager) Sources() SourcesDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := SourcesDocument{Sources: make([]SourceSpec, len(m.sources.Sources))}
	copy(out.Sources, m.sources.Sources)
	return out
}

// Storage returns the current storage document.
func (m *Manager) Storage() StorageDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage
}

// ReloadSources re-reads the source list from disk. On a parse or
// validation failure the previous document is retained and the error is
// returned to the caller.
func (m *Manager) ReloadSources() (SourcesDocument, error) {
	data, err := os.ReadFile(m.SourcesPath())
	if err != nil {
		if os.IsNotExist(err) {
			doc := SourcesDocument{}
			m.swapSources(doc)
			return doc, nil
		}
		return m.Sources(), err
	}
	doc, err := ParseSourcesDocument(data)
	if err != nil {
		log.Warnf("Rejecting source list %s: %v", m.SourcesPath(), err)
		return m.Sources(), err
	}
	m.swapSources(doc)
	return doc, nil
}

// ReplaceSources validates, persists and swaps in a new source list.
func (m *Manager) ReplaceSources(doc SourcesDocument) error {
	for i := range doc.Sources {
		doc.Sources[i] = doc.Sources[i].withDefaults()
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := filesystem.WriteAtomically(m.SourcesPath(), data, 0o644); err != nil {
		return err
	}
	m.swapSources(doc)
	return nil
}

// ReloadStorage re-reads the storage document from disk, retaining the
// previous one on failure.
func (m *Manager) ReloadStorage() (StorageDocument, error) {
	data, err := os.ReadFile(m.StoragePath())
	if err != nil {
		if os.IsNotExist(err) {
			doc := StorageDocument{}.withDefaults()
			m.swapStorage(doc)
			return doc, nil
		}
		return m.Storage(), err
	}
	doc, err := ParseStorageDocument(data)
	if err != nil {
		log.Warnf("Rejecting storage config %s: %v", m.StoragePath(), err)
		return m.Storage(), err
	}
	m.swapStorage(doc)
	return doc, nil
}

// ReplaceStorage validates, persists and swaps in a new storage document.
func (m *Manager) ReplaceStorage(doc StorageDocument) error {
	doc = doc.withDefaults()
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := filesystem.WriteAtomically(m.StoragePath(), data, 0o644); err != nil {
		return err
	}
	m.swapStorage(doc)
	return nil
}

func (m *Manager) swapSources(doc SourcesDocument) {
	m.mu.Lock()
	m.sources = doc
	m.mu.Unlock()
}

func (m *Manager) swapStorage(doc StorageDocument) {
	m.mu.Lock()
	m.storage = doc
	m.mu.Unlock()
}

// Watch observes the configuration directory and invokes onChange with the
// affected document kind after a successful reload. Invalid writes are
// logged and ignored. Watching stops when the context is cancelled.
func (m *Manager) Watch(ctx context.Context, onChange func(ChangeKind)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				switch filepath.Base(ev.Name) {
				case SourcesFileName:
					if _, err := m.ReloadSources(); err == nil {
						onChange(SourcesChanged)
					}
				case StorageFileName:
					if _, err := m.ReloadStorage(); err == nil {
						onChange(StorageChanged)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			}
		}
	}()
	return nil
}
