package xt

import (
	"context"
	"fmt"

	"xt-connector/internal/core"
	"xt-connector/internal/exchange"
)

// Venue adapts the REST client to pair-level calls.
type Venue struct {
	client  *Client
	symbols core.SymbolMapper
	clock   Clock
}

var _ exchange.Venue = (*Venue)(nil)

func NewVenue(client *Client, symbols core.SymbolMapper, clock Clock) *Venue {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Venue{client: client, symbols: symbols, clock: clock}
}

func (v *Venue) Name() string { return "xt" }

func (v *Venue) symbol(pair string) (string, error) {
	s, ok := v.symbols.ExchangeSymbol(pair)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownPair, pair)
	}
	return s, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	symbol, err := v.symbol(req.Pair)
	if err != nil {
		return exchange.PlaceResult{}, err
	}
	id, err := v.client.PlaceOrder(ctx, PlaceOrderParams{
		Symbol:        symbol,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
	})
	if err != nil {
		return exchange.PlaceResult{}, err
	}
	return exchange.PlaceResult{ExchangeOrderID: id, TransactTime: v.clock.Now()}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, pair, exchangeOrderID string) error {
	if _, err := v.symbol(pair); err != nil {
		return err
	}
	return v.client.CancelOrder(ctx, exchangeOrderID)
}

func (v *Venue) OrderStatus(ctx context.Context, pair, exchangeOrderID, clientOrderID string) (core.OrderUpdate, error) {
	st, err := v.client.QueryOrder(ctx, exchangeOrderID, clientOrderID)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	cid := st.ClientOrderID
	if cid == "" {
		cid = clientOrderID
	}
	return core.OrderUpdate{
		ClientOrderID:   cid,
		ExchangeOrderID: st.OrderID,
		Pair:            pair,
		State:           st.State,
		ExecutedQty:     st.ExecutedQty,
		UpdateTime:      st.UpdatedTime,
	}, nil
}

func (v *Venue) Trades(ctx context.Context, q exchange.TradeQuery) ([]core.TradeFill, error) {
	symbol, err := v.symbol(q.Pair)
	if err != nil {
		return nil, err
	}
	params := TradesParams{Symbol: symbol, OrderID: q.ExchangeOrderID}
	if !q.Since.IsZero() {
		params.StartTimeMs = q.Since.UnixMilli()
	}
	trades, err := v.client.Trades(ctx, params)
	if err != nil {
		return nil, err
	}
	fills := make([]core.TradeFill, 0, len(trades))
	for _, t := range trades {
		fills = append(fills, core.TradeFill{
			TradeID:         t.TradeID,
			ExchangeOrderID: t.OrderID,
			Pair:            q.Pair,
			Side:            t.Side,
			Price:           t.Price,
			Qty:             t.Qty,
			QuoteQty:        t.QuoteQty,
			Fee:             t.Fee,
			FeeAsset:        t.FeeCurrency,
			Time:            t.Time,
		})
	}
	return fills, nil
}

func (v *Venue) Balances(ctx context.Context) ([]core.Balance, error) {
	return v.client.Balances(ctx)
}
