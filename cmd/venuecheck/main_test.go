package main

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
)

func TestMinimalQtyClearsNotionalAndStep(t *testing.T) {
	rule := core.TradingRule{
		MinQty:      decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}
	qty, err := minimalQty(rule, decimal.RequireFromString("30000"))
	if err != nil {
		t.Fatalf("minimalQty() error = %v", err)
	}
	if !qty.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("qty = %s, want 0.001", qty)
	}

	qty, err = minimalQty(rule, decimal.RequireFromString("1500"))
	if err != nil {
		t.Fatalf("minimalQty() error = %v", err)
	}
	// 5/1500 = 0.00333.. rounds up to the next step
	if !qty.Equal(decimal.RequireFromString("0.004")) {
		t.Fatalf("qty = %s, want 0.004", qty)
	}

	if _, err := minimalQty(rule, decimal.Zero); err == nil {
		t.Fatalf("zero price should be rejected")
	}
}

func TestReferencePricePrefersLastTrade(t *testing.T) {
	last := decimal.RequireFromString("101.5")
	bid := decimal.RequireFromString("100")
	if got := referencePrice(last, bid); !got.Equal(last) {
		t.Fatalf("referencePrice() = %s, want last trade", got)
	}
	if got := referencePrice(decimal.Zero, bid); !got.Equal(bid) {
		t.Fatalf("referencePrice() = %s, want best bid", got)
	}
	if got := referencePrice(decimal.Zero, decimal.Zero); !got.IsZero() {
		t.Fatalf("referencePrice() = %s, want zero", got)
	}
}

func TestReportFailedOnlyOnFailures(t *testing.T) {
	var r report
	r.add("time_sync", time.Now(), "offset=0s", nil)
	r.skip("order_place_cancel", "enable with -place-order")
	if r.failed() {
		t.Fatalf("pass and skip must not fail the report")
	}
	r.add("signed_balances", time.Now(), "", errors.New("AUTH_001"))
	if !r.failed() {
		t.Fatalf("failed check must fail the report")
	}
	if got := r.Checks[2]; got.Status != statusFail || got.Error != "AUTH_001" {
		t.Fatalf("check = %+v", got)
	}
}
