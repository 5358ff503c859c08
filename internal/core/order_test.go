package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestOrder(t *testing.T) *InFlightOrder {
	t.Helper()
	base := time.UnixMilli(1_700_000_000_000)
	o := NewInFlightOrder("cid-1", "X-USDT", Buy, Limit, decimal.RequireFromString("1.00"), decimal.RequireFromString("10"), base)
	o.Acknowledge("123", base)
	return o
}

func fill(id, qty string, at time.Time) TradeFill {
	return TradeFill{
		TradeID:         id,
		ExchangeOrderID: "123",
		Pair:            "X-USDT",
		Price:           decimal.RequireFromString("1.00"),
		Qty:             decimal.RequireFromString(qty),
		Time:            at,
	}
}

func TestInFlightOrderAcknowledgeOpens(t *testing.T) {
	o := newTestOrder(t)
	if o.State != OrderOpen {
		t.Fatalf("state = %s, want %s", o.State, OrderOpen)
	}
	if !o.HasExchangeID() {
		t.Fatalf("expected exchange id")
	}
}

func TestInFlightOrderUnknownAckStaysPending(t *testing.T) {
	o := NewInFlightOrder("cid-2", "X-USDT", Sell, Limit, decimal.NewFromInt(1), decimal.NewFromInt(1), time.Now())
	o.Acknowledge(UnknownExchangeOrderID, time.Now())
	if o.State != OrderPendingCreate {
		t.Fatalf("state = %s, want %s", o.State, OrderPendingCreate)
	}
	if o.HasExchangeID() {
		t.Fatalf("UNKNOWN must not count as a usable exchange id")
	}
}

func TestInFlightOrderFillDedup(t *testing.T) {
	o := newTestOrder(t)
	at := o.LastUpdate.Add(time.Second)
	if !o.ApplyFill(fill("t1", "4", at)) {
		t.Fatalf("first fill should apply")
	}
	if o.ApplyFill(fill("t1", "4", at)) {
		t.Fatalf("duplicate fill applied")
	}
	if !o.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("filled = %s, want 4", o.FilledQty)
	}
	if o.State != OrderPartiallyFilled {
		t.Fatalf("state = %s, want %s", o.State, OrderPartiallyFilled)
	}
	if !o.ApplyFill(fill("t2", "6", at)) {
		t.Fatalf("second fill should apply")
	}
	if o.State != OrderFilled {
		t.Fatalf("state = %s, want %s", o.State, OrderFilled)
	}
	if !o.AveragePrice().Equal(decimal.RequireFromString("1")) {
		t.Fatalf("avg price = %s", o.AveragePrice())
	}
}

func TestInFlightOrderTerminalIsFinal(t *testing.T) {
	for _, terminal := range []OrderState{OrderFilled, OrderCancelled, OrderFailed} {
		o := newTestOrder(t)
		at := o.LastUpdate.Add(time.Second)
		if !o.ApplyUpdate(OrderUpdate{State: terminal, UpdateTime: at}) {
			t.Fatalf("%s: expected transition", terminal)
		}
		for _, next := range []OrderState{OrderOpen, OrderPartiallyFilled, OrderPendingCancel, OrderFilled, OrderCancelled, OrderFailed} {
			if o.ApplyUpdate(OrderUpdate{State: next, UpdateTime: at.Add(time.Minute)}) {
				t.Fatalf("%s -> %s should be rejected", terminal, next)
			}
		}
		o.BeginCancel()
		if o.State != terminal {
			t.Fatalf("BeginCancel moved terminal order to %s", o.State)
		}
	}
}

func TestInFlightOrderStaleUpdateIgnored(t *testing.T) {
	o := newTestOrder(t)
	later := o.LastUpdate.Add(10 * time.Second)
	if !o.ApplyUpdate(OrderUpdate{State: OrderPartiallyFilled, UpdateTime: later}) {
		t.Fatalf("expected transition")
	}
	if o.ApplyUpdate(OrderUpdate{State: OrderCancelled, UpdateTime: later.Add(-time.Second)}) {
		t.Fatalf("stale update applied")
	}
	if o.State != OrderPartiallyFilled || !o.LastUpdate.Equal(later) {
		t.Fatalf("state = %s, last update = %v", o.State, o.LastUpdate)
	}
}

func TestInFlightOrderLocalAckTimeDoesNotHideVenueUpdate(t *testing.T) {
	sent := time.UnixMilli(1_700_000_000_000)
	o := NewInFlightOrder("cid-3", "X-USDT", Buy, Limit, decimal.NewFromInt(1), decimal.NewFromInt(1), sent)
	// The venue cancels 20ms after the send; the ack arrives locally at 40ms.
	o.Acknowledge("123", sent.Add(40*time.Millisecond))
	if !o.ApplyUpdate(OrderUpdate{State: OrderCancelled, UpdateTime: sent.Add(20 * time.Millisecond)}) {
		t.Fatalf("venue update timed before the local ack was rejected")
	}
	if o.State != OrderCancelled {
		t.Fatalf("state = %s, want %s", o.State, OrderCancelled)
	}
	if !o.VenueUpdateTime.Equal(sent.Add(20 * time.Millisecond)) {
		t.Fatalf("venue update time = %v", o.VenueUpdateTime)
	}
}

func TestInFlightOrderCancelRevert(t *testing.T) {
	o := newTestOrder(t)
	o.ApplyFill(fill("t1", "2", o.LastUpdate))
	o.BeginCancel()
	if o.State != OrderPendingCancel {
		t.Fatalf("state = %s", o.State)
	}
	// A poll racing the cancel must not undo it.
	if o.ApplyUpdate(OrderUpdate{State: OrderOpen, UpdateTime: o.LastUpdate.Add(time.Second)}) {
		t.Fatalf("open update undid pending cancel")
	}
	if !o.RevertCancel() {
		t.Fatalf("revert should succeed")
	}
	if o.State != OrderPartiallyFilled {
		t.Fatalf("state = %s, want %s", o.State, OrderPartiallyFilled)
	}
}

func TestInFlightOrderFillAfterCancelCounts(t *testing.T) {
	o := newTestOrder(t)
	o.ApplyUpdate(OrderUpdate{State: OrderCancelled, UpdateTime: o.LastUpdate.Add(time.Second)})
	if !o.ApplyFill(fill("t9", "3", o.LastUpdate)) {
		t.Fatalf("late fill should be recorded")
	}
	if o.State != OrderCancelled {
		t.Fatalf("state = %s, want %s", o.State, OrderCancelled)
	}
}

func TestInFlightOrderCloneIsIndependent(t *testing.T) {
	o := newTestOrder(t)
	o.ApplyFill(fill("t1", "1", o.LastUpdate))
	cp := o.Clone()
	o.ApplyFill(fill("t2", "1", o.LastUpdate))
	if len(cp.Fills) != 1 {
		t.Fatalf("clone shares fills map")
	}
}
