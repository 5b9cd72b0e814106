// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/config"
)

type pushCapture struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	auth    []string
	status  int
}

func (c *pushCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []json.RawMessage
		json.Unmarshal(body, &batch) //nolint:errcheck
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.auth = append(c.auth, r.Header.Get("Authorization"))
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (c *pushCapture) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func pushConfig(url string, batchSize int) config.HTTPPushConfig {
	return config.HTTPPushConfig{
		Enabled:       true,
		URL:           url,
		Method:        "POST",
		BatchSize:     batchSize,
		FlushInterval: time.Hour, // tests drive flushes through full batches
		Timeout:       2 * time.Second,
	}
}

func TestHTTPPushShipsFullBatches(t *testing.T) {
	capture := &pushCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	s := newHTTPPushSink(pushConfig(srv.URL, 2), func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	res := s.Publish(context.Background(), record("r1"), "")
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 0, capture.batchCount(), "first record waits for a full batch")

	res = s.Publish(context.Background(), record("r2"), "")
	assert.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, capture.batchCount())
	assert.Len(t, capture.batches[0], 2)
}

func TestHTTPPushCloseFlushesRemainder(t *testing.T) {
	capture := &pushCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	s := newHTTPPushSink(pushConfig(srv.URL, 10), func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	s.Publish(context.Background(), record("r1"), "")
	require.NoError(t, s.Close())

	require.Equal(t, 1, capture.batchCount())
	assert.Len(t, capture.batches[0], 1)
}

func TestHTTPPushKeepsBatchOnServerError(t *testing.T) {
	capture := &pushCapture{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	s := newHTTPPushSink(pushConfig(srv.URL, 2), func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	s.Publish(context.Background(), record("r1"), "")
	res := s.Publish(context.Background(), record("r2"), "")
	assert.Equal(t, StatusRetriable, res.Status, "the caller learns the endpoint is down")
	assert.False(t, s.Healthy())

	// the endpoint comes back; the queued batch ships on the next flush
	capture.mu.Lock()
	capture.status = 0
	capture.mu.Unlock()

	var upSink string
	s.onUp = func(name string) { upSink = name }
	require.NoError(t, s.flush())
	assert.True(t, s.Healthy())
	assert.Equal(t, HTTPPushSinkName, upSink, "recovery is signalled on the up transition")
	last := capture.batches[len(capture.batches)-1]
	assert.Len(t, last, 2, "nothing was lost while the endpoint was down")
}

func TestHTTPPushDropsBatchOnClientError(t *testing.T) {
	capture := &pushCapture{status: http.StatusBadRequest}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	s := newHTTPPushSink(pushConfig(srv.URL, 1), func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	res := s.Publish(context.Background(), record("r1"), "")
	assert.Equal(t, StatusOK, res.Status, "a permanent rejection is not the caller's problem")
	assert.True(t, s.Healthy(), "a 4xx means the endpoint is up, just unhappy")

	s.mu.Lock()
	queued := len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, queued, "the rejected batch is dropped, not retried")
}

func TestHTTPPushBacklogBound(t *testing.T) {
	capture := &pushCapture{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	cfg := pushConfig(srv.URL, 1)
	s := newHTTPPushSink(cfg, func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	for i := 0; i < backlogFactor; i++ {
		s.Publish(context.Background(), record(fmt.Sprintf("r%d", i)), "")
	}
	res := s.Publish(context.Background(), record("overflow"), "")
	assert.Equal(t, StatusRetriable, res.Status, "a full backlog turns records away")
}

func TestHTTPPushOverlappingFlushesShipEachRecordOnce(t *testing.T) {
	capture := &pushCapture{}
	firstReq := make(chan struct{})
	release := make(chan struct{})
	var reqs int
	var reqMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMu.Lock()
		reqs++
		first := reqs == 1
		reqMu.Unlock()
		if first {
			close(firstReq)
			<-release
		}
		capture.handler()(w, r)
	}))
	defer srv.Close()

	s := newHTTPPushSink(pushConfig(srv.URL, 2), func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	require.Equal(t, StatusOK, s.Publish(context.Background(), record("r1"), "").Status)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// fills the batch: this flush blocks inside the request
		s.Publish(context.Background(), record("r2"), "")
	}()
	<-firstReq
	go func() {
		defer wg.Done()
		// fills the batch again while the first flush is in flight
		s.Publish(context.Background(), record("r3"), "")
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var shipped []string
	capture.mu.Lock()
	for _, batch := range capture.batches {
		for _, raw := range batch {
			var rec struct {
				ID string `json:"id"`
			}
			require.NoError(t, json.Unmarshal(raw, &rec))
			shipped = append(shipped, rec.ID)
		}
	}
	capture.mu.Unlock()
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, shipped, "no duplicates, no losses")

	s.mu.Lock()
	queued := len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, queued)
}

func TestHTTPPushBearerAuth(t *testing.T) {
	capture := &pushCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	cfg := pushConfig(srv.URL, 1)
	cfg.Auth = config.HTTPPushAuth{Type: "bearer", Token: "sekrit"}
	s := newHTTPPushSink(cfg, func(string) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	s.Publish(context.Background(), record("r1"), "")
	require.Equal(t, 1, capture.batchCount())
	assert.Equal(t, "Bearer sekrit", capture.auth[0])
}
