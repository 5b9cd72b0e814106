// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package discovery caches per-source device catalogs and promotes them
// into live point lists.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/util/log"
)

const (
	// catalogs are kept for a day; a reconnect refreshes them
	catalogTTL      = 24 * time.Hour
	cleanupInterval = time.Hour

	runTimeout = 60 * time.Second
)

// Catalog is the result of one discovery run.
type Catalog struct {
	SourceID     string         `json:"sourceId"`
	Points       []driver.Point `json:"points"`
	DiscoveredAt time.Time      `json:"discoveredAt"`
}

// Service holds the last catalog per source.
type Service struct {
	catalogs *cache.Cache
}

// NewService builds an empty discovery cache.
func NewService() *Service {
	return &Service{catalogs: cache.New(catalogTTL, cleanupInterval)}
}

// Run performs a one-shot discovery against a connected driver and caches
// the catalog. Failures are logged; an earlier catalog stays valid.
func (s *Service) Run(ctx context.Context, sourceID string, drv driver.Driver) {
	d, ok := drv.(driver.Discoverer)
	if !ok {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	points, err := d.Discover(runCtx)
	if err != nil {
		log.Warnf("source %s: discovery failed: %v", sourceID, err)
		return
	}
	log.Infof("source %s: discovered %d points", sourceID, len(points))
	s.catalogs.Set(sourceID, &Catalog{
		SourceID:     sourceID,
		Points:       points,
		DiscoveredAt: time.Now().UTC(),
	}, cache.DefaultExpiration)
}

// Catalog returns the last discovery result for a source.
func (s *Service) Catalog(sourceID string) (*Catalog, bool) {
	raw, ok := s.catalogs.Get(sourceID)
	if !ok {
		return nil, false
	}
	return raw.(*Catalog), true
}

// Forget drops the cached catalog of a source.
func (s *Service) Forget(sourceID string) {
	s.catalogs.Delete(sourceID)
}

// Promote injects discovered points into a source spec's point list,
// producing the spec a configure action restarts the connector with. When
// pointIDs is empty every cataloged point is promoted.
func (s *Service) Promote(spec config.SourceSpec, pointIDs []string) (config.SourceSpec, error) {
	cat, ok := s.Catalog(spec.ID)
	if !ok {
		return spec, fmt.Errorf("source %q has no discovery catalog", spec.ID)
	}

	selected := cat.Points
	if len(pointIDs) > 0 {
		want := make(map[string]struct{}, len(pointIDs))
		for _, id := range pointIDs {
			want[id] = struct{}{}
		}
		selected = selected[:0:0]
		for _, p := range cat.Points {
			if _, ok := want[p.ID]; ok {
				selected = append(selected, p)
			}
		}
		if len(selected) != len(pointIDs) {
			return spec, fmt.Errorf("source %q: %d of %d requested points are not in the catalog", spec.ID, len(pointIDs)-len(selected), len(pointIDs))
		}
	}
	if len(selected) == 0 {
		return spec, fmt.Errorf("source %q: catalog is empty, nothing to promote", spec.ID)
	}

	out := spec
	out.Config = make(map[string]interface{}, len(spec.Config)+1)
	for k, v := range spec.Config {
		out.Config[k] = v
	}

	canonical, _ := driver.CanonicalType(spec.Type)
	switch canonical {
	case driver.TypeOPCUA:
		nodes := make([]interface{}, 0, len(selected))
		for _, p := range selected {
			if p.NodeClass == "" || p.NodeClass == "variable" {
				nodes = append(nodes, p.ID)
			}
		}
		out.Config["nodes"] = nodes
	case driver.TypeMQTT:
		topics := make([]interface{}, 0, len(selected))
		for _, p := range selected {
			topics = append(topics, p.ID)
		}
		out.Config["topics"] = topics
	case driver.TypeModbus:
		registers := make([]interface{}, 0, len(selected))
		for _, p := range selected {
			reg := map[string]interface{}{"name": p.Name}
			for k, v := range p.Attributes {
				reg[k] = v
			}
			if p.DataType != "" {
				reg["dataType"] = p.DataType
			}
			registers = append(registers, reg)
		}
		out.Config["registers"] = registers
	default:
		return spec, fmt.Errorf("source %q: driver %s has no promotable point list", spec.ID, spec.Type)
	}
	return out, nil
}
