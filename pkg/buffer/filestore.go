// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fieldgate/agent/pkg/util/filesystem"
	"github.com/fieldgate/agent/pkg/util/log"
)

// FileStore persists buffered entries as one JSON document per entry in a
// directory, which gives per-entry delete for free.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (and creates) the backing directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(id uint64) string {
	return filepath.Join(fs.dir, strconv.FormatUint(id, 10)+".json")
}

// Append writes one entry atomically.
func (fs *FileStore) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return filesystem.WriteAtomically(fs.path(e.ID), data, 0o644)
}

// Delete removes one entry. A missing file is not an error.
func (fs *FileStore) Delete(id uint64) error {
	err := os.Remove(fs.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load reads every persisted entry, skipping unreadable files with a
// warning.
func (fs *FileStore) Load() ([]Entry, error) {
	names, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, de.Name()))
		if err != nil {
			log.Warnf("buffer store: cannot read %s: %v", de.Name(), err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			log.Warnf("buffer store: dropping corrupt entry %s: %v", de.Name(), err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear removes every persisted entry.
func (fs *FileStore) Clear() error {
	names, err := os.ReadDir(fs.dir)
	if err != nil {
		return err
	}
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dir, de.Name())); err != nil {
			return err
		}
	}
	return nil
}
