// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/connector"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/driver/fakedriver"
	"github.com/fieldgate/agent/pkg/mapping"
	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/value"
)

// The serial tag has no built-in driver, so tests claim it for the fake.
var (
	fakesMu sync.Mutex
	fakes   = map[string][]*fakedriver.Driver{}
)

func init() {
	driver.Register(driver.TypeSerial, func(spec config.SourceSpec) (driver.Driver, error) {
		fd := &fakedriver.Driver{
			PointList: true,
			PollValue: value.Object(map[string]value.Value{"temperature": value.Float(21)}),
		}
		fakesMu.Lock()
		fakes[spec.ID] = append(fakes[spec.ID], fd)
		fakesMu.Unlock()
		return fd, nil
	})
}

func fakesFor(id string) []*fakedriver.Driver {
	fakesMu.Lock()
	defer fakesMu.Unlock()
	return append([]*fakedriver.Driver(nil), fakes[id]...)
}

func resetFakes() {
	fakesMu.Lock()
	fakes = map[string][]*fakedriver.Driver{}
	fakesMu.Unlock()
}

type harness struct {
	t       *testing.T
	confMgr *config.Manager
	eng     *Engine
}

func newHarness(t *testing.T, sourcesYAML, storageYAML string) *harness {
	t.Helper()
	resetFakes()
	dir := t.TempDir()
	if sourcesYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.SourcesFileName), []byte(sourcesYAML), 0o644))
	}
	if storageYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.StorageFileName), []byte(storageYAML), 0o644))
	}
	confMgr := config.NewManager(dir)
	require.NoError(t, confMgr.LoadAll())

	mapper, err := mapping.NewEngine(filepath.Join(dir, "mappings.json"), nil)
	require.NoError(t, err)

	eng, err := New(Options{Settings: config.NewSettings(), Config: confMgr, Mapper: mapper})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Stop() }) //nolint:errcheck
	return &harness{t: t, confMgr: confMgr, eng: eng}
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.eng.Start(context.Background()))
}

func (h *harness) waitConnected(id string) *fakedriver.Driver {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		rt, ok := h.eng.SourceRuntime(id)
		return ok && rt.State == connector.Connected.String()
	}, 2*time.Second, 5*time.Millisecond, "source %s never connected", id)
	drivers := fakesFor(id)
	require.NotEmpty(h.t, drivers)
	return drivers[len(drivers)-1]
}

const twoSources = `
sources:
  - id: s1
    type: serial
    enabled: true
    autoMapping: true
    config:
      marker: v1
  - id: s2
    type: serial
    enabled: false
    config:
      marker: v1
`

func TestStartSkipsDisabledSources(t *testing.T) {
	h := newHarness(t, twoSources, "")
	h.start()

	h.waitConnected("s1")
	st := h.eng.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, "s1", st.Sources[0].SourceID)

	require.NoError(t, h.eng.Stop())
	assert.False(t, h.eng.Running())
	fd := fakesFor("s1")[0]
	assert.GreaterOrEqual(t, fd.CloseCalls.Load(), int64(1))
}

func TestSampleAutoMapsAndCaches(t *testing.T) {
	h := newHarness(t, twoSources, "")
	h.start()
	fd := h.waitConnected("s1")

	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{
		"temperature": value.Float(23.5),
		"running":     value.Bool(true),
	})})

	require.Eventually(t, func() bool { return h.eng.Buffer().Len() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, h.eng.mapper.HasRule("s1"), "the first sample generated the rule")

	latest := h.eng.Buffer().Latest(1)
	require.Len(t, latest, 1)
	assert.Equal(t, "s1", latest[0].Record.Metadata.SourceID)
	assert.Len(t, latest[0].Record.Measurements, 2)
}

func TestUnmappedSamplesAreDropped(t *testing.T) {
	h := newHarness(t, `
sources:
  - id: plain
    type: serial
    enabled: true
    config:
      marker: v1
`, "")
	h.start()
	fd := h.waitConnected("plain")

	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"x": value.Int(1)})})

	// no rule and no auto-mapping: nothing reaches the buffer
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.eng.Buffer().Len())
}

// pushServer captures batches for the pipeline tests and can play dead.
type pushServer struct {
	mu      sync.Mutex
	status  int
	records []string
}

func (p *pushServer) setStatus(code int) {
	p.mu.Lock()
	p.status = code
	p.mu.Unlock()
}

func (p *pushServer) recordCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *pushServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.status != 0 {
			w.WriteHeader(p.status)
			return
		}
		var batch []json.RawMessage
		json.Unmarshal(body, &batch) //nolint:errcheck
		for _, raw := range batch {
			var rec telemetry.Record
			if err := json.Unmarshal(raw, &rec); err == nil {
				p.records = append(p.records, rec.ID)
			}
		}
	}
}

func pushStorageYAML(url string) string {
	return fmt.Sprintf(`
transport:
  httpPush:
    enabled: true
    url: %s
    batchSize: 1
    timeout: 2s
`, url)
}

func TestSamplePublishesToSink(t *testing.T) {
	ps := &pushServer{}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, twoSources, pushStorageYAML(srv.URL))
	h.start()
	fd := h.waitConnected("s1")

	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"temperature": value.Float(20)})})

	require.Eventually(t, func() bool { return ps.recordCount() >= 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.eng.Buffer().PendingFor("httpPush"))
}

func TestSinkFailureBuffersAndRecoveryFlushes(t *testing.T) {
	ps := &pushServer{}
	ps.setStatus(http.StatusServiceUnavailable)
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, twoSources, pushStorageYAML(srv.URL))
	h.start()
	fd := h.waitConnected("s1")

	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"temperature": value.Float(20)})})

	require.Eventually(t, func() bool {
		return len(h.eng.Buffer().PendingFor("httpPush")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	pending := h.eng.Buffer().PendingFor("httpPush")
	assert.NotEmpty(t, pending[0].LastError)
	assert.Equal(t, srv.URL, pending[0].Subject)
	assert.False(t, h.eng.Status().SinkHealth["httpPush"])

	// endpoint comes back; the next delivered batch flips health and
	// triggers the recovery flush
	ps.setStatus(0)
	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"temperature": value.Float(21)})})

	require.Eventually(t, func() bool {
		return len(h.eng.Buffer().PendingFor("httpPush")) == 0
	}, 2*time.Second, 5*time.Millisecond, "buffered records were not replayed")
	assert.True(t, h.eng.Status().SinkHealth["httpPush"])
	assert.GreaterOrEqual(t, ps.recordCount(), 2)
}

func TestStopDrainsQueuedSamples(t *testing.T) {
	ps := &pushServer{}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, twoSources, pushStorageYAML(srv.URL))
	h.start()
	h.waitConnected("s1")

	// hold the pipeline so queued samples are still in the inbox when the
	// run context is cancelled
	h.eng.pipeMu.Lock()
	for i := 0; i < 20; i++ {
		h.eng.inbox <- connector.Event{
			Kind:       connector.EventSample,
			SourceID:   "s1",
			SourceType: "serial",
			Sample:     value.Object(map[string]value.Value{"temperature": value.Float(float64(i))}),
		}
	}
	stopped := make(chan error, 1)
	go func() { stopped <- h.eng.Stop() }()
	time.Sleep(50 * time.Millisecond)
	h.eng.pipeMu.Unlock()

	require.NoError(t, <-stopped)
	assert.Equal(t, 20, ps.recordCount(), "accepted samples ship before the sinks close")
}

const reconcileSources = `
sources:
  - id: s1
    type: serial
    enabled: true
    config:
      marker: v1
  - id: s2
    type: serial
    enabled: true
    config:
      marker: v1
  - id: s4
    type: serial
    enabled: true
    config:
      marker: v1
`

func TestReconcileConverges(t *testing.T) {
	h := newHarness(t, reconcileSources, "")
	h.start()
	h.waitConnected("s1")
	h.waitConnected("s2")
	h.waitConnected("s4")

	doc := h.confMgr.Sources()
	var next config.SourcesDocument
	for _, spec := range doc.Sources {
		switch spec.ID {
		case "s1": // unchanged
			next.Sources = append(next.Sources, spec)
		case "s2": // removed
		case "s4": // changed config
			spec.Config = map[string]interface{}{"marker": "v2"}
			next.Sources = append(next.Sources, spec)
		}
	}
	added := doc.Sources[0]
	added.ID = "s3"
	next.Sources = append(next.Sources, added)

	require.NoError(t, h.eng.ReconcileSources(next))
	h.waitConnected("s3")
	h.waitConnected("s4")

	// unchanged sources keep their supervisor and their connection
	require.Len(t, fakesFor("s1"), 1)
	assert.Equal(t, int64(1), fakesFor("s1")[0].ConnectCalls.Load())

	// removed sources are gone and their driver closed
	_, running := h.eng.SourceRuntime("s2")
	assert.False(t, running)
	assert.GreaterOrEqual(t, fakesFor("s2")[0].CloseCalls.Load(), int64(1))

	// changed sources were rebuilt from scratch
	assert.Len(t, fakesFor("s4"), 2)

	st := h.eng.Status()
	ids := make([]string, 0, len(st.Sources))
	for _, rt := range st.Sources {
		ids = append(ids, rt.SourceID)
	}
	assert.Equal(t, []string{"s1", "s3", "s4"}, ids)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, reconcileSources, "")
	h.start()
	h.waitConnected("s1")

	doc := h.confMgr.Sources()
	require.NoError(t, h.eng.ReconcileSources(doc))
	require.NoError(t, h.eng.ReconcileSources(doc))

	require.Len(t, fakesFor("s1"), 1, "an unchanged document restarts nothing")
	assert.Equal(t, int64(1), fakesFor("s1")[0].ConnectCalls.Load())
}

func TestSourceControlOps(t *testing.T) {
	h := newHarness(t, twoSources, "")
	h.start()
	h.waitConnected("s1")

	require.NoError(t, h.eng.WriteSource(context.Background(), "s1", "relay", value.Bool(true)))
	writes := fakesFor("s1")[0].Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "relay", writes[0].Target)

	require.NoError(t, h.eng.StopSource("s1"))
	_, running := h.eng.SourceRuntime("s1")
	assert.False(t, running)
	assert.Error(t, h.eng.StopSource("s1"), "already stopped")

	require.NoError(t, h.eng.StartSource("s1"))
	h.waitConnected("s1")
	assert.Len(t, fakesFor("s1"), 2, "start builds a fresh driver")

	require.NoError(t, h.eng.RestartSource("s1"))
	h.waitConnected("s1")
	assert.Len(t, fakesFor("s1"), 3)

	assert.Error(t, h.eng.StartSource("nope"), "unknown sources cannot start")
}

func TestReconcileStorageSwapsSinks(t *testing.T) {
	ps := &pushServer{}
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, twoSources, "")
	h.start()
	fd := h.waitConnected("s1")

	newDoc, err := config.ParseStorageDocument([]byte(pushStorageYAML(srv.URL)))
	require.NoError(t, err)
	require.NoError(t, h.eng.ReconcileStorage(newDoc))

	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"temperature": value.Float(20)})})
	require.Eventually(t, func() bool { return ps.recordCount() >= 1 },
		2*time.Second, 5*time.Millisecond, "samples flow through the swapped-in sink")
}
