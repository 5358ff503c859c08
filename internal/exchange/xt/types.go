package xt

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
)

type envelope struct {
	RC     int             `json:"rc"`
	MC     string          `json:"mc"`
	MA     json.RawMessage `json:"ma"`
	Result json.RawMessage `json:"result"`
}

// flexString accepts a JSON string, number or null. The venue is not
// consistent about quoting ids and amounts.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) decimal() decimal.Decimal {
	if f == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(string(f))
	if err != nil {
		return decimal.Zero
	}
	return v
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type serverTimeResult struct {
	ServerTime int64 `json:"serverTime"`
}

type depthResult struct {
	Timestamp    int64          `json:"timestamp"`
	LastUpdateID int64          `json:"lastUpdateId"`
	Bids         [][]flexString `json:"bids"`
	Asks         [][]flexString `json:"asks"`
}

type placeOrderBody struct {
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	BizType       string `json:"bizType"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
}

type placeOrderResult struct {
	OrderID flexString `json:"orderId"`
}

type orderResult struct {
	Symbol        string     `json:"symbol"`
	OrderID       flexString `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	Price         flexString `json:"price"`
	OrigQty       flexString `json:"origQty"`
	ExecutedQty   flexString `json:"executedQty"`
	AvgPrice      flexString `json:"avgPrice"`
	State         string     `json:"state"`
	Time          int64      `json:"time"`
	UpdatedTime   int64      `json:"updatedTime"`
}

type tradeResult struct {
	HasPrev bool        `json:"hasPrev"`
	HasNext bool        `json:"hasNext"`
	Items   []tradeItem `json:"items"`
}

type tradeItem struct {
	Symbol      string     `json:"symbol"`
	TradeID     flexString `json:"tradeId"`
	OrderID     flexString `json:"orderId"`
	OrderSide   string     `json:"orderSide"`
	TakerMaker  string     `json:"takerMaker"`
	Price       flexString `json:"price"`
	Quantity    flexString `json:"quantity"`
	QuoteQty    flexString `json:"quoteQty"`
	Time        int64      `json:"time"`
	Fee         flexString `json:"fee"`
	FeeCurrency string     `json:"feeCurrency"`
}

type balancesResult struct {
	TotalUsdtAmount flexString  `json:"totalUsdtAmount"`
	Assets          []assetItem `json:"assets"`
}

type assetItem struct {
	Currency        string     `json:"currency"`
	AvailableAmount flexString `json:"availableAmount"`
	FrozenAmount    flexString `json:"frozenAmount"`
	TotalAmount     flexString `json:"totalAmount"`
}

type symbolsResult struct {
	Time    int64        `json:"time"`
	Version string       `json:"version"`
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo is one entry of the exchange metadata.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	State             string         `json:"state"`
	TradingEnabled    bool           `json:"tradingEnabled"`
	BaseCurrency      string         `json:"baseCurrency"`
	QuoteCurrency     string         `json:"quoteCurrency"`
	PricePrecision    int32          `json:"pricePrecision"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

type SymbolFilter struct {
	Filter   string     `json:"filter"`
	Min      flexString `json:"min"`
	Max      flexString `json:"max"`
	TickSize flexString `json:"tickSize"`
}

type tickerItem struct {
	Symbol string     `json:"s"`
	Time   int64      `json:"t"`
	Price  flexString `json:"p"`
}

type wsTokenResult struct {
	Token       string `json:"token"`
	AccessToken string `json:"accessToken"`
}

// orderStates maps venue order states onto the local state machine.
var orderStates = map[string]core.OrderState{
	"NEW":                core.OrderOpen,
	"PARTIALLY_FILLED":   core.OrderPartiallyFilled,
	"FILLED":             core.OrderFilled,
	"CANCELED":           core.OrderCancelled,
	"PARTIALLY_CANCELED": core.OrderCancelled,
	"REJECTED":           core.OrderFailed,
	"EXPIRED":            core.OrderFailed,
}

func mapOrderState(raw string) (core.OrderState, bool) {
	s, ok := orderStates[strings.ToUpper(strings.TrimSpace(raw))]
	return s, ok
}

func parseLevels(raw [][]flexString) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0].String())
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lvl[1].String())
		if err != nil {
			continue
		}
		out = append(out, core.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

func formatDecimal(d decimal.Decimal) string {
	return d.String()
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
