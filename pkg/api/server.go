// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package api serves the control-plane HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/engine"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/version"
)

// Server is the control-plane HTTP server.
type Server struct {
	eng      *engine.Engine
	confMgr  *config.Manager
	settings *config.Settings
	startAt  time.Time

	srv *http.Server
}

// NewServer wires the router.
func NewServer(eng *engine.Engine, confMgr *config.Manager, settings *config.Settings) *Server {
	s := &Server{
		eng:      eng,
		confMgr:  confMgr,
		settings: settings,
		startAt:  time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)

	r.HandleFunc("/sources", s.getSources).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}", s.getSource).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}/status", s.getSourceStatus).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}/start", s.postSourceStart).Methods(http.MethodPost)
	r.HandleFunc("/sources/{id}/stop", s.postSourceStop).Methods(http.MethodPost)
	r.HandleFunc("/sources/{id}/restart", s.postSourceRestart).Methods(http.MethodPost)
	r.HandleFunc("/sources/{id}/data", s.getSourceData).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}/discovery", s.getSourceDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}/configure", s.postSourceConfigure).Methods(http.MethodPost)
	r.HandleFunc("/sources/{id}/write", s.postSourceWrite).Methods(http.MethodPost)

	r.HandleFunc("/config/sources/reload", s.postSourcesReload).Methods(http.MethodPost)
	r.HandleFunc("/config/sources/configure", s.postSourcesConfigure).Methods(http.MethodPost)
	r.HandleFunc("/config/storage/reload", s.postStorageReload).Methods(http.MethodPost)
	r.HandleFunc("/config/storage/configure", s.postStorageConfigure).Methods(http.MethodPost)

	r.HandleFunc("/data/latest", s.getDataLatest).Methods(http.MethodGet)
	r.HandleFunc("/data/source/{id}", s.getDataBySource).Methods(http.MethodGet)
	r.HandleFunc("/data/range", s.getDataRange).Methods(http.MethodGet)
	r.HandleFunc("/data/search", s.getDataSearch).Methods(http.MethodGet)
	r.HandleFunc("/data/export", s.getDataExport).Methods(http.MethodGet)

	s.srv = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start listens on the configured port. It returns once the listener is
// bound; serving happens in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.settings.APIPort())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	log.Infof("api: serving control plane on %s", addr)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("api: server stopped: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// authMiddleware enforces the optional API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := s.settings.APIKey(); key != "" && r.Header.Get("X-API-Key") != key {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or missing api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debugf("api: response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeOpError maps validation failures to 400 and everything else to 500.
func writeOpError(w http.ResponseWriter, err error) {
	if config.IsValidationError(err) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version.AgentVersion,
		"commit":  version.Commit,
		"uptime":  time.Since(s.startAt).String(),
		"engine":  s.eng.Status(),
	})
}
