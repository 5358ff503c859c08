package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// InFlightOrder is the local view of one order until its outcome is settled.
type InFlightOrder struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	State           OrderState      `json:"state"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	FilledQuote     decimal.Decimal `json:"filled_quote"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdate      time.Time       `json:"last_update"`
	// VenueUpdateTime is the newest status time reported by the venue. Only
	// venue timestamps are compared against it; local ack times never move it.
	VenueUpdateTime time.Time            `json:"venue_update_time,omitempty"`
	Fills           map[string]TradeFill `json:"fills,omitempty"`
	// StateBeforeCancel is restored when the venue rejects a cancel request.
	StateBeforeCancel OrderState `json:"state_before_cancel,omitempty"`
	NotFoundCount     int        `json:"not_found_count,omitempty"`
	NeedsStatusCheck  bool       `json:"needs_status_check,omitempty"`
}

func NewInFlightOrder(clientID, pair string, side Side, typ OrderType, price, qty decimal.Decimal, now time.Time) *InFlightOrder {
	return &InFlightOrder{
		ClientOrderID: clientID,
		Pair:          pair,
		Side:          side,
		Type:          typ,
		Price:         price,
		Qty:           qty,
		State:         OrderPendingCreate,
		FilledQty:     decimal.Zero,
		FilledQuote:   decimal.Zero,
		CreatedAt:     now,
		LastUpdate:    now,
		Fills:         make(map[string]TradeFill),
	}
}

func (o *InFlightOrder) IsTerminal() bool { return o.State.IsTerminal() }

// HasExchangeID reports whether the venue id is known and usable for queries.
func (o *InFlightOrder) HasExchangeID() bool {
	return o.ExchangeOrderID != "" && o.ExchangeOrderID != UnknownExchangeOrderID
}

// Acknowledge records the venue id returned by a successful create call. at
// is local and only moves LastUpdate.
func (o *InFlightOrder) Acknowledge(exchangeID string, at time.Time) {
	o.ExchangeOrderID = exchangeID
	if exchangeID == UnknownExchangeOrderID {
		return
	}
	if o.State == OrderPendingCreate {
		o.State = OrderOpen
	}
	if at.After(o.LastUpdate) {
		o.LastUpdate = at
	}
}

// ApplyUpdate moves the order to the observed state. It reports whether the
// state changed. Updates older than the last applied venue update and updates
// to a terminal order are ignored.
func (o *InFlightOrder) ApplyUpdate(u OrderUpdate) bool {
	if o.State.IsTerminal() {
		return false
	}
	if !u.UpdateTime.IsZero() && u.UpdateTime.Before(o.VenueUpdateTime) {
		return false
	}
	if u.ExchangeOrderID != "" && !o.HasExchangeID() {
		o.ExchangeOrderID = u.ExchangeOrderID
	}
	if !u.UpdateTime.IsZero() {
		o.VenueUpdateTime = u.UpdateTime
		if u.UpdateTime.After(o.LastUpdate) {
			o.LastUpdate = u.UpdateTime
		}
	}
	o.NotFoundCount = 0
	next := u.State
	if next == "" || next == o.State || next == OrderPendingCreate {
		return false
	}
	// A cancel in flight is only undone by an explicit rejection.
	if o.State == OrderPendingCancel && (next == OrderOpen || next == OrderPartiallyFilled) {
		return false
	}
	if next == OrderOpen && o.FilledQty.IsPositive() {
		next = OrderPartiallyFilled
	}
	if next == o.State {
		return false
	}
	o.State = next
	return true
}

// ApplyFill accumulates a fill once per trade id. Fills are still accepted on
// a cancelled order since the venue may report them after the cancel.
func (o *InFlightOrder) ApplyFill(f TradeFill) bool {
	if f.TradeID == "" {
		return false
	}
	if o.Fills == nil {
		o.Fills = make(map[string]TradeFill)
	}
	if _, ok := o.Fills[f.TradeID]; ok {
		return false
	}
	if o.State == OrderFailed {
		return false
	}
	o.Fills[f.TradeID] = f
	o.FilledQty = o.FilledQty.Add(f.Qty)
	quote := f.QuoteQty
	if quote.IsZero() {
		quote = f.Qty.Mul(f.Price)
	}
	o.FilledQuote = o.FilledQuote.Add(quote)
	if f.Time.After(o.LastUpdate) {
		o.LastUpdate = f.Time
	}
	if o.State.IsTerminal() {
		return true
	}
	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.State = OrderFilled
	} else if o.State == OrderOpen || o.State == OrderPendingCreate {
		o.State = OrderPartiallyFilled
	}
	return true
}

func (o *InFlightOrder) BeginCancel() {
	if o.State.IsTerminal() || o.State == OrderPendingCancel {
		return
	}
	o.StateBeforeCancel = o.State
	o.State = OrderPendingCancel
}

// RevertCancel restores the state held before a rejected cancel request.
func (o *InFlightOrder) RevertCancel() bool {
	if o.State != OrderPendingCancel {
		return false
	}
	prev := o.StateBeforeCancel
	if prev == "" || prev == OrderPendingCreate {
		prev = OrderOpen
	}
	if prev == OrderOpen && o.FilledQty.IsPositive() {
		prev = OrderPartiallyFilled
	}
	o.State = prev
	o.StateBeforeCancel = ""
	return true
}

func (o *InFlightOrder) AveragePrice() decimal.Decimal {
	if !o.FilledQty.IsPositive() {
		return decimal.Zero
	}
	return o.FilledQuote.Div(o.FilledQty)
}

func (o *InFlightOrder) Clone() *InFlightOrder {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Fills = make(map[string]TradeFill, len(o.Fills))
	for k, v := range o.Fills {
		cp.Fills[k] = v
	}
	return &cp
}
