package main

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
	"xt-connector/internal/store"
)

type fakeStreams map[string]xt.StreamState

func (f fakeStreams) State(pair string) xt.StreamState { return f[pair] }

type fakeOrders int

func (f fakeOrders) ActiveOrders() []*core.InFlightOrder {
	out := make([]*core.InFlightOrder, int(f))
	for i := range out {
		out[i] = core.NewInFlightOrder("c", "BTC-USDT", core.Buy, core.Limit, decimal.NewFromInt(1), decimal.NewFromInt(1), time.Now())
	}
	return out
}

func newTestReporter(t *testing.T, streams fakeStreams, clock *time.Time) (*statusReporter, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	r := &statusReporter{
		mode:       "live",
		instanceID: "t1",
		pairs:      []string{"BTC-USDT", "ETH-USDT"},
		startedAt:  *clock,
		store:      st,
		streams:    streams,
		orders:     fakeOrders(2),
		now:        func() time.Time { return *clock },
	}
	r.log = logging.Component(nil, "runtime_status")
	return r, st
}

func TestStatusReporterMarksDegradedWhileDisconnected(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	streams := fakeStreams{"BTC-USDT": xt.StreamStreaming, "ETH-USDT": xt.StreamDisconnected}
	r, st := newTestReporter(t, streams, &now)

	r.persist(stateRunning, nil)
	status, ok, err := st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() ok=%v err=%v", ok, err)
	}
	if status.State != stateDegraded {
		t.Fatalf("state = %q, want degraded", status.State)
	}
	if status.DisconnectedAt == nil || !status.DisconnectedAt.Equal(now) {
		t.Fatalf("disconnected_at = %v, want %v", status.DisconnectedAt, now)
	}
	if status.TrackedOrders != 2 {
		t.Fatalf("tracked_orders = %d, want 2", status.TrackedOrders)
	}

	first := now
	now = now.Add(time.Minute)
	r.persist(stateRunning, nil)
	status, _, _ = st.LoadRuntimeStatus()
	if !status.DisconnectedAt.Equal(first) {
		t.Fatalf("disconnected_at moved to %v, want first observation %v", status.DisconnectedAt, first)
	}

	streams["ETH-USDT"] = xt.StreamStreaming
	r.persist(stateRunning, nil)
	status, _, _ = st.LoadRuntimeStatus()
	if status.State != stateRunning || status.DisconnectedAt != nil {
		t.Fatalf("status = %+v, want running without disconnect", status)
	}
}

func TestStatusReporterRecordsStopError(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r, st := newTestReporter(t, fakeStreams{}, &now)
	r.persist(stateStopped, errors.New("auth failed"))
	status, _, err := st.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if status.State != stateStopped || status.LastError != "auth failed" {
		t.Fatalf("status = %+v", status)
	}
	if status.DisconnectedAt != nil {
		t.Fatalf("stopped status must not carry disconnected_at")
	}
}
