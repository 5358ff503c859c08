package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
)

type PlaceRequest struct {
	ClientOrderID string
	Pair          string
	Side          core.Side
	Type          core.OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
}

type PlaceResult struct {
	ExchangeOrderID string
	TransactTime    time.Time
}

// TradeQuery selects fills for one pair. A zero Since omits the lower bound;
// ExchangeOrderID narrows the query to one order.
type TradeQuery struct {
	Pair            string
	ExchangeOrderID string
	Since           time.Time
}

// Venue is the order and account surface the lifecycle manager drives.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) error
	OrderStatus(ctx context.Context, pair, exchangeOrderID, clientOrderID string) (core.OrderUpdate, error)
	Trades(ctx context.Context, q TradeQuery) ([]core.TradeFill, error)
	Balances(ctx context.Context) ([]core.Balance, error)
}

// RuleSource resolves the trading rule of a pair.
type RuleSource interface {
	Rule(pair string) (core.TradingRule, bool)
}
