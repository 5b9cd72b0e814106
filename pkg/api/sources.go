// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/connector"
	"github.com/fieldgate/agent/pkg/value"
)

// sourceView joins a configured spec with its runtime, when running.
type sourceView struct {
	Spec    config.SourceSpec  `json:"spec"`
	Runtime *connector.Runtime `json:"runtime,omitempty"`
}

func (s *Server) sourceView(spec config.SourceSpec) sourceView {
	view := sourceView{Spec: redactSpec(spec)}
	if rt, ok := s.eng.SourceRuntime(spec.ID); ok {
		view.Runtime = &rt
	}
	return view
}

// redactSpec blanks credential-looking config fields before they leave the
// process.
func redactSpec(spec config.SourceSpec) config.SourceSpec {
	out := spec
	out.Config = make(map[string]interface{}, len(spec.Config))
	for k, v := range spec.Config {
		switch k {
		case "password", "token", "secret":
			out.Config[k] = "********"
		default:
			out.Config[k] = v
		}
	}
	return out
}

func (s *Server) findSpec(id string) (config.SourceSpec, bool) {
	for _, spec := range s.confMgr.Sources().Sources {
		if spec.ID == id {
			return spec, true
		}
	}
	return config.SourceSpec{}, false
}

func (s *Server) getSources(w http.ResponseWriter, _ *http.Request) {
	doc := s.confMgr.Sources()
	views := make([]sourceView, 0, len(doc.Sources))
	for _, spec := range doc.Sources {
		views = append(views, s.sourceView(spec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	spec, ok := s.findSpec(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("source %q is not configured", id))
		return
	}
	writeJSON(w, http.StatusOK, s.sourceView(spec))
}

func (s *Server) getSourceStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rt, ok := s.eng.SourceRuntime(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("source %q is not running", id))
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) postSourceStart(w http.ResponseWriter, r *http.Request) {
	s.sourceLifecycle(w, r, s.eng.StartSource, "started")
}

func (s *Server) postSourceStop(w http.ResponseWriter, r *http.Request) {
	s.sourceLifecycle(w, r, s.eng.StopSource, "stopped")
}

func (s *Server) postSourceRestart(w http.ResponseWriter, r *http.Request) {
	s.sourceLifecycle(w, r, s.eng.RestartSource, "restarted")
}

func (s *Server) sourceLifecycle(w http.ResponseWriter, r *http.Request, op func(string) error, verb string) {
	id := mux.Vars(r)["id"]
	if err := op(id); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": id, "result": verb})
}

func (s *Server) getSourceDiscovery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cat, ok := s.eng.DiscoveryCatalog(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("source %q has no discovery catalog", id))
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) postSourceConfigure(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Points []string `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid configure payload: %w", err))
		return
	}
	if err := s.eng.ConfigureFromDiscovery(id, body.Points); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": id, "result": "configured"})
}

func (s *Server) postSourceWrite(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Target string      `json:"target"`
		Value  interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid write payload: %w", err))
		return
	}
	if body.Target == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("write payload needs a target"))
		return
	}
	if err := s.eng.WriteSource(r.Context(), id, body.Target, value.FromInterface(body.Value)); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": id, "target": body.Target, "result": "written"})
}

func (s *Server) postSourcesReload(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.confMgr.ReloadSources()
	if err != nil {
		writeOpError(w, err)
		return
	}
	if err := s.eng.ReconcileSources(doc); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "reconciled", "sources": len(doc.Sources)})
}

func (s *Server) postSourcesConfigure(w http.ResponseWriter, r *http.Request) {
	var doc config.SourcesDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid source document: %w", err))
		return
	}
	if err := s.confMgr.ReplaceSources(doc); err != nil {
		writeOpError(w, err)
		return
	}
	applied := s.confMgr.Sources()
	if err := s.eng.ReconcileSources(applied); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "reconciled", "sources": len(applied.Sources)})
}

func (s *Server) postStorageReload(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.confMgr.ReloadStorage()
	if err != nil {
		writeOpError(w, err)
		return
	}
	if err := s.eng.ReconcileStorage(doc); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "reconciled"})
}

func (s *Server) postStorageConfigure(w http.ResponseWriter, r *http.Request) {
	var doc config.StorageDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid storage document: %w", err))
		return
	}
	if err := s.confMgr.ReplaceStorage(doc); err != nil {
		writeOpError(w, err)
		return
	}
	if err := s.eng.ReconcileStorage(s.confMgr.Storage()); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "reconciled"})
}
