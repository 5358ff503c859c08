package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PrivateEvent is a decoded user-stream message. The set of variants is
// closed; the stream decoder rejects anything else.
type PrivateEvent interface {
	privateEvent()
}

// ExecutionReport describes an order change and, when TradeID is set, the
// fill that caused it.
type ExecutionReport struct {
	Pair          string
	ClientOrderID string
	// CanceledClientOrderID carries the originating client id on cancel
	// reports, where ClientOrderID holds the cancel request id instead.
	CanceledClientOrderID string
	ExchangeOrderID       string
	ExecType              string
	State                 OrderState
	Side                  Side
	TradeID               string
	LastQty               decimal.Decimal
	LastPrice             decimal.Decimal
	Fee                   decimal.Decimal
	FeeAsset              string
	EventTime             time.Time
	TradeTime             time.Time
}

func (ExecutionReport) privateEvent() {}

// OrderClientID resolves which client id the report refers to.
func (r ExecutionReport) OrderClientID() string {
	canceled := r.State == OrderCancelled || r.ExecType == "CANCELED"
	if canceled && r.CanceledClientOrderID != "" {
		return r.CanceledClientOrderID
	}
	return r.ClientOrderID
}

func (r ExecutionReport) Fill() (TradeFill, bool) {
	if r.TradeID == "" || !r.LastQty.IsPositive() {
		return TradeFill{}, false
	}
	ts := r.TradeTime
	if ts.IsZero() {
		ts = r.EventTime
	}
	return TradeFill{
		TradeID:         r.TradeID,
		ClientOrderID:   r.OrderClientID(),
		ExchangeOrderID: r.ExchangeOrderID,
		Pair:            r.Pair,
		Side:            r.Side,
		Price:           r.LastPrice,
		Qty:             r.LastQty,
		QuoteQty:        r.LastPrice.Mul(r.LastQty),
		Fee:             r.Fee,
		FeeAsset:        r.FeeAsset,
		Time:            ts,
	}, true
}

func (r ExecutionReport) Update() OrderUpdate {
	return OrderUpdate{
		ClientOrderID:   r.OrderClientID(),
		ExchangeOrderID: r.ExchangeOrderID,
		Pair:            r.Pair,
		State:           r.State,
		UpdateTime:      r.EventTime,
	}
}

// AccountPosition replaces the cached balance of each listed asset.
type AccountPosition struct {
	EventTime time.Time
	Balances  []Balance
}

func (AccountPosition) privateEvent() {}

type LifecycleEventKind int

const (
	OrderStateChanged LifecycleEventKind = iota + 1
	TradeFilled
	BalanceUpdated
)

func (k LifecycleEventKind) String() string {
	switch k {
	case OrderStateChanged:
		return "order_state_changed"
	case TradeFilled:
		return "trade_filled"
	case BalanceUpdated:
		return "balance_updated"
	default:
		return "unknown"
	}
}

// LifecycleEvent is emitted to the strategy layer. Order is a copy taken at
// emission time.
type LifecycleEvent struct {
	Kind     LifecycleEventKind
	Time     time.Time
	Order    *InFlightOrder
	Fill     *TradeFill
	Balances []Balance
}
