// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	"github.com/fieldgate/agent/pkg/driver/fakedriver"
	"github.com/fieldgate/agent/pkg/value"
)

// pollOnly hides the fake's Events method so the supervisor takes the
// polling path.
type pollOnly struct {
	fd *fakedriver.Driver
}

func (p pollOnly) Connect(ctx context.Context) error { return p.fd.Connect(ctx) }
func (p pollOnly) Close() error                      { return p.fd.Close() }
func (p pollOnly) Status() driver.Status             { return p.fd.Status() }
func (p pollOnly) Poll(ctx context.Context) ([]value.Value, error) {
	return p.fd.Poll(ctx)
}

func testSpec() config.SourceSpec {
	return config.SourceSpec{
		ID:   "s1",
		Type: "mqtt",
		RetryPolicy: config.RetryPolicy{
			Enabled:      true,
			MaxAttempts:  10,
			InitialDelay: time.Second,
		},
		Config: map[string]interface{}{"pollingInterval": "1s"},
	}
}

func TestReconnectLadderIsNeverCapped(t *testing.T) {
	bo := newBackoff(config.RetryPolicy{
		Enabled:      true,
		MaxAttempts:  10,
		InitialDelay: 5 * time.Second,
	})
	want := 5 * time.Second
	for attempt := 1; attempt < 10; attempt++ {
		assert.Equal(t, want, bo.NextBackOff(), "attempt %d", attempt)
		want *= 2
	}
}

func waitState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return sup.State() == want },
		2*time.Second, 5*time.Millisecond, "waiting for state %s, still %s", want, sup.State())
}

func waitConnects(t *testing.T, fd *fakedriver.Driver, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return fd.ConnectCalls.Load() == n },
		2*time.Second, 5*time.Millisecond)
}

// park gives the run loop time to reach its timer before the mock clock
// advances.
func park() { time.Sleep(50 * time.Millisecond) }

func recvSample(t *testing.T, inbox <-chan Event) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-inbox:
			if ev.Kind == EventSample {
				return ev
			}
		case <-deadline:
			t.Fatal("no sample arrived")
		}
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	fd := &fakedriver.Driver{}
	inbox := make(chan Event, 64)
	sup := New(testSpec(), fd, Deps{Inbox: inbox, Clock: clock.NewMock()})
	require.NoError(t, sup.Start())

	waitState(t, sup, Connected)
	fd.Emit(driver.Event{Kind: driver.EventSample, Sample: value.Object(map[string]value.Value{"temp": value.Float(20)})})

	ev := recvSample(t, inbox)
	assert.Equal(t, "s1", ev.SourceID)
	assert.Equal(t, "mqtt", ev.SourceType)

	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.State())
	assert.GreaterOrEqual(t, fd.CloseCalls.Load(), int64(1))

	snap := sup.Snapshot()
	assert.Equal(t, int64(1), snap.Connects)
	assert.Equal(t, int64(1), snap.Samples)
}

func TestStopIsIdempotent(t *testing.T) {
	fd := &fakedriver.Driver{}
	sup := New(testSpec(), fd, Deps{Clock: clock.NewMock()})
	require.NoError(t, sup.Start())
	waitState(t, sup, Connected)

	require.NoError(t, sup.Stop())
	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.State())

	assert.Error(t, sup.Start(), "a stopped supervisor is not restartable")
}

func TestStopBeforeStart(t *testing.T) {
	sup := New(testSpec(), &fakedriver.Driver{}, Deps{Clock: clock.NewMock()})
	require.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.State())
}

func TestReconnectBackoffDoubles(t *testing.T) {
	clk := clock.NewMock()
	fd := &fakedriver.Driver{ConnectErrs: []error{errors.New("refused"), errors.New("refused")}}
	sup := New(testSpec(), fd, Deps{Clock: clk})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitConnects(t, fd, 1)
	park()

	// first retry waits the initial delay
	clk.Add(999 * time.Millisecond)
	park()
	assert.Equal(t, int64(1), fd.ConnectCalls.Load())
	clk.Add(1 * time.Millisecond)
	waitConnects(t, fd, 2)
	park()

	// second retry waits twice that
	clk.Add(1999 * time.Millisecond)
	park()
	assert.Equal(t, int64(2), fd.ConnectCalls.Load())
	clk.Add(1 * time.Millisecond)
	waitConnects(t, fd, 3)

	// third attempt succeeds and resets the ladder
	waitState(t, sup, Connected)
	assert.Equal(t, int64(1), sup.Snapshot().Connects)
	assert.Equal(t, int64(2), sup.Snapshot().Errors)
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	clk := clock.NewMock()
	spec := testSpec()
	spec.RetryPolicy.MaxAttempts = 2
	fd := &fakedriver.Driver{ConnectErrs: []error{errors.New("refused"), errors.New("refused")}}
	sup := New(spec, fd, Deps{Clock: clk})
	require.NoError(t, sup.Start())

	waitConnects(t, fd, 1)
	park()
	clk.Add(time.Second)
	waitState(t, sup, Failed)

	// terminal states stick, even through Stop
	require.NoError(t, sup.Stop())
	assert.Equal(t, Failed, sup.State())
}

func TestDisconnectWithoutRetryFails(t *testing.T) {
	spec := testSpec()
	spec.RetryPolicy.Enabled = false
	fd := &fakedriver.Driver{}
	sup := New(spec, fd, Deps{Clock: clock.NewMock()})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitState(t, sup, Connected)
	fd.Emit(driver.Event{Kind: driver.EventDisconnected, Err: errors.New("broker went away")})
	waitState(t, sup, Failed)
	assert.Equal(t, int64(1), fd.ConnectCalls.Load(), "no reconnect when retries are off")
}

func TestPollingForwardsSamples(t *testing.T) {
	clk := clock.NewMock()
	fd := &fakedriver.Driver{PollValue: value.Object(map[string]value.Value{"rpm": value.Int(1450)})}
	inbox := make(chan Event, 64)
	sup := New(testSpec(), pollOnly{fd}, Deps{Inbox: inbox, Clock: clk})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitState(t, sup, Connected)
	park()
	assert.Equal(t, int64(0), fd.PollCalls.Load(), "no poll before the first tick")

	clk.Add(time.Second)
	ev := recvSample(t, inbox)
	got, ok := value.ExtractPath(ev.Sample, "rpm")
	require.True(t, ok)
	i, _ := got.AsInt()
	assert.Equal(t, int64(1450), i)
}

func TestProtocolErrorsDropSamplesOnly(t *testing.T) {
	clk := clock.NewMock()
	pe := &driver.ProtocolError{Err: errors.New("exception 0x2")}
	fd := &fakedriver.Driver{
		PollResults: []fakedriver.PollResult{{Err: pe}, {Err: pe}, {Err: pe}},
		PollValue:   value.Object(map[string]value.Value{"ok": value.Bool(true)}),
	}
	inbox := make(chan Event, 64)
	sup := New(testSpec(), pollOnly{fd}, Deps{Inbox: inbox, Clock: clk})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitState(t, sup, Connected)
	for i := 0; i < 4; i++ {
		park()
		clk.Add(time.Second)
	}

	recvSample(t, inbox)
	assert.Equal(t, Connected, sup.State(), "a few protocol errors do not break the connection")
	assert.Equal(t, int64(3), sup.Snapshot().Errors)
}

func TestConsecutiveProtocolErrorsBreakConnection(t *testing.T) {
	clk := clock.NewMock()
	pe := &driver.ProtocolError{Err: errors.New("exception 0x2")}
	results := make([]fakedriver.PollResult, protocolErrorThreshold)
	for i := range results {
		results[i] = fakedriver.PollResult{Err: pe}
	}
	spec := testSpec()
	spec.RetryPolicy.Enabled = false
	fd := &fakedriver.Driver{PollResults: results}
	sup := New(spec, pollOnly{fd}, Deps{Clock: clk})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitState(t, sup, Connected)
	for i := 0; i < protocolErrorThreshold; i++ {
		park()
		clk.Add(time.Second)
	}
	waitState(t, sup, Failed)
}

func TestNonProtocolPollErrorDisconnects(t *testing.T) {
	clk := clock.NewMock()
	spec := testSpec()
	spec.RetryPolicy.Enabled = false
	fd := &fakedriver.Driver{PollResults: []fakedriver.PollResult{{Err: errors.New("broken pipe")}}}
	sup := New(spec, pollOnly{fd}, Deps{Clock: clk})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	waitState(t, sup, Connected)
	park()
	clk.Add(time.Second)
	waitState(t, sup, Failed)
}

func TestWriteNeedsConnectedSource(t *testing.T) {
	fd := &fakedriver.Driver{}
	sup := New(testSpec(), fd, Deps{Clock: clock.NewMock()})

	err := sup.Write(context.Background(), "relay1", value.Bool(true))
	require.Error(t, err, "not started yet")

	require.NoError(t, sup.Start())
	defer sup.Stop()
	waitState(t, sup, Connected)

	require.NoError(t, sup.Write(context.Background(), "relay1", value.Bool(true)))
	writes := fd.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "relay1", writes[0].Target)
}

func TestOnConnectedRunsBeforeAcquisition(t *testing.T) {
	fd := &fakedriver.Driver{}
	called := make(chan struct{})
	sup := New(testSpec(), fd, Deps{
		Clock:       clock.NewMock(),
		OnConnected: func(context.Context, driver.Driver) { close(called) },
	})
	require.NoError(t, sup.Start())
	defer sup.Stop()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never ran")
	}
}
