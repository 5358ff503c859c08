package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderState string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderPendingCreate   OrderState = "PENDING_CREATE"
	OrderOpen            OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderPendingCancel   OrderState = "PENDING_CANCEL"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderFailed          OrderState = "FAILED"
)

// UnknownExchangeOrderID marks an order whose create call may have reached the
// venue even though the client saw a failure.
const UnknownExchangeOrderID = "UNKNOWN"

func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

func (s OrderState) IsOpen() bool {
	switch s {
	case OrderOpen, OrderPartiallyFilled, OrderPendingCancel:
		return true
	}
	return false
}

// TradingRule holds the per-pair precision and size constraints.
type TradingRule struct {
	Pair        string          `json:"pair"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
}

// Balance is the cached amount of one asset. Total is never below Available.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

func NewBalance(asset string, available, total decimal.Decimal) Balance {
	if total.LessThan(available) {
		total = available
	}
	return Balance{Asset: asset, Available: available, Total: total}
}

type TradeFill struct {
	TradeID         string          `json:"trade_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	Pair            string          `json:"pair"`
	Side            Side            `json:"side,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quote_qty"`
	Fee             decimal.Decimal `json:"fee"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	Time            time.Time       `json:"time"`
}

// OrderUpdate is a state observation for one order, from either the push feed
// or a status poll.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            string
	State           OrderState
	ExecutedQty     decimal.Decimal
	UpdateTime      time.Time
}
