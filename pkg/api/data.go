// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldgate/agent/pkg/buffer"
	"github.com/fieldgate/agent/pkg/telemetry"
)

const defaultQueryLimit = 100

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultQueryLimit
	}
	return n
}

// records strips the buffer envelope; the data endpoints serve canonical
// records, not buffer internals. The role filter runs before any limit so
// recovery entries never consume it.
func records(entries []buffer.Entry) []telemetry.Record {
	out := make([]telemetry.Record, 0, len(entries))
	for _, e := range entries {
		if e.Role != telemetry.RoleCache {
			continue
		}
		out = append(out, e.Record)
	}
	return out
}

func limitRecords(recs []telemetry.Record, n int) []telemetry.Record {
	if len(recs) > n {
		return recs[:n]
	}
	return recs
}

func (s *Server) getDataLatest(w http.ResponseWriter, r *http.Request) {
	buf := s.eng.Buffer()
	writeJSON(w, http.StatusOK, limitRecords(records(buf.Latest(buf.Len())), queryLimit(r)))
}

func (s *Server) getDataBySource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	buf := s.eng.Buffer()
	writeJSON(w, http.StatusOK, limitRecords(records(buf.BySource(id, buf.Len())), queryLimit(r)))
}

func (s *Server) getSourceData(w http.ResponseWriter, r *http.Request) {
	s.getDataBySource(w, r)
}

func (s *Server) getDataRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %v", err))
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, records(s.eng.Buffer().ByTimeRange(start, end)))
}

func (s *Server) getDataSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("search needs a q parameter"))
		return
	}
	writeJSON(w, http.StatusOK, records(s.eng.Buffer().Search(q)))
}

func (s *Server) getDataExport(w http.ResponseWriter, r *http.Request) {
	recs := records(s.eng.Buffer().Latest(s.eng.Buffer().Len()))
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, recs)
	case "csv":
		writeCSV(w, recs)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown export format %q", format))
	}
}

// writeCSV flattens records to one row per measurement.
func writeCSV(w http.ResponseWriter, recs []telemetry.Record) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"recordId", "recordType", "timestamp", "sourceId", "sourceType", "measurementId", "measurementType", "value", "unit", "quality"})
	for _, rec := range recs {
		ts := rec.Metadata.Timestamp.UTC().Format(time.RFC3339Nano)
		for _, m := range rec.Measurements {
			val, _ := m.Value.AsString()
			cw.Write([]string{
				rec.ID, rec.Type, ts,
				rec.Metadata.SourceID, rec.Metadata.SourceType,
				m.ID, m.Type, val, m.Unit, m.Quality,
			})
		}
	}
}
