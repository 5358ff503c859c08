package xt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		RestBaseURL:  srv.URL,
		Credentials:  Credentials{APIKey: "key", SecretKey: "secret"},
		HeaderPrefix: "xt-validate-",
		HTTPTimeout:  2 * time.Second,
		Clock:        fixedClock{t: time.UnixMilli(1700000000000)},
	})
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"rc":0,"mc":"SUCCESS","ma":[],"result":`+result+`}`)
}

func TestPlaceOrderSignsBody(t *testing.T) {
	var gotBody []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != pathOrder {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		signer := NewSigner(Credentials{APIKey: "key", SecretKey: "secret"}, "xt-validate-", nil)
		msg := signer.Message(RequestDescriptor{Method: http.MethodPost, Path: pathOrder, Body: gotBody}, r.Header.Get("xt-validate-timestamp"))
		if got, want := r.Header.Get("xt-validate-signature"), Digest("secret", msg); got != want {
			t.Fatalf("signature = %s, want %s", got, want)
		}
		if r.Header.Get("xt-validate-appkey") != "key" {
			t.Fatalf("appkey header = %q", r.Header.Get("xt-validate-appkey"))
		}
		writeResult(w, `{"orderId":"123"}`)
	})

	id, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:        "x_usdt",
		ClientOrderID: "xtc-1",
		Side:          core.Buy,
		Type:          core.Limit,
		Price:         decimal.RequireFromString("1.00"),
		Qty:           decimal.RequireFromString("10"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if id != "123" {
		t.Fatalf("PlaceOrder() id = %q, want 123", id)
	}
	var body map[string]string
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["timeInForce"] != "GTC" || body["bizType"] != "SPOT" || body["price"] != "1" || body["quantity"] != "10" {
		t.Fatalf("body = %v", body)
	}
}

func TestPlaceOrderOverloadIsClassified(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "busy")
	})
	_, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol: "x_usdt", ClientOrderID: "c", Side: core.Buy, Type: core.Limit,
		Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1),
	})
	if !errors.Is(err, core.ErrServerOverloaded) || !errors.Is(err, core.ErrTransient) {
		t.Fatalf("PlaceOrder() error = %v, want overloaded+transient", err)
	}
	if errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("overload classified as rejection: %v", err)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "orderId=99" {
			t.Fatalf("query = %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"rc":1,"mc":"ORDER_NOT_EXIST","ma":[],"result":null}`)
	})
	err := client.CancelOrder(context.Background(), "99")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelOrder() error = %v, want ErrOrderNotFound", err)
	}
	if !IsAPIErrorCode(err, "ORDER_NOT_EXIST") {
		t.Fatalf("IsAPIErrorCode() = false for %v", err)
	}
	if errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("not-found classified as rejection: %v", err)
	}
}

func TestAuthenticatedCallWithoutCredentialsNeverSends(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeResult(w, `{}`)
	}))
	defer srv.Close()
	client := NewClient(Options{RestBaseURL: srv.URL})
	_, err := client.Balances(context.Background())
	if !errors.Is(err, core.ErrInvalidCredentials) {
		t.Fatalf("Balances() error = %v, want ErrInvalidCredentials", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("server hits = %d, want 0", hits.Load())
	}
}

func TestAuthFailureIsClassified(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"rc":1,"mc":"AUTH_105","ma":[]}`)
	})
	_, err := client.Balances(context.Background())
	if !errors.Is(err, core.ErrAuthentication) {
		t.Fatalf("Balances() error = %v, want ErrAuthentication", err)
	}
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != "AUTH_105" || apiErr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("AsAPIError() = %+v, %v", apiErr, ok)
	}
}

func TestQueryOrderByClientIDWhenUnknown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("clientOrderId"); got != "xtc-1" {
			t.Fatalf("clientOrderId = %q", got)
		}
		if r.URL.Query().Get("orderId") != "" {
			t.Fatalf("orderId sent for unknown order")
		}
		writeResult(w, `{"symbol":"x_usdt","orderId":55,"clientOrderId":"xtc-1","state":"PARTIALLY_FILLED","executedQty":"4","avgPrice":"1","updatedTime":1700000000500}`)
	})
	st, err := client.QueryOrder(context.Background(), core.UnknownExchangeOrderID, "xtc-1")
	if err != nil {
		t.Fatalf("QueryOrder() error = %v", err)
	}
	if st.OrderID != "55" || st.State != core.OrderPartiallyFilled {
		t.Fatalf("QueryOrder() = %+v", st)
	}
	if !st.ExecutedQty.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("ExecutedQty = %s, want 4", st.ExecutedQty)
	}
	if st.UpdatedTime.UnixMilli() != 1700000000500 {
		t.Fatalf("UpdatedTime = %v", st.UpdatedTime)
	}
}

func TestQueryOrderNullResultIsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `null`)
	})
	_, err := client.QueryOrder(context.Background(), "", "xtc-1")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("QueryOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestTradesWindowParams(t *testing.T) {
	var query string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeResult(w, `{"hasPrev":false,"hasNext":false,"items":[{"symbol":"x_usdt","tradeId":"t1","orderId":"123","orderSide":"BUY","takerMaker":"MAKER","price":"1.00","quantity":"4","quoteQty":"4","time":1700000000000,"fee":"0.004","feeCurrency":"x"}]}`)
	})
	trades, err := client.Trades(context.Background(), TradesParams{Symbol: "x_usdt", StartTimeMs: 1699999990000})
	if err != nil {
		t.Fatalf("Trades() error = %v", err)
	}
	if query != "symbol=x_usdt&startTime=1699999990000" {
		t.Fatalf("query = %q", query)
	}
	if len(trades) != 1 || trades[0].TradeID != "t1" || trades[0].OrderID != "123" || !trades[0].Maker {
		t.Fatalf("Trades() = %+v", trades)
	}
	if trades[0].FeeCurrency != "X" {
		t.Fatalf("FeeCurrency = %q", trades[0].FeeCurrency)
	}

	if _, err := client.Trades(context.Background(), TradesParams{Symbol: "x_usdt"}); err != nil {
		t.Fatalf("Trades() error = %v", err)
	}
	if strings.Contains(query, "startTime") {
		t.Fatalf("startTime sent on first poll: %q", query)
	}
}

func TestBalancesAndDepth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathBalances:
			writeResult(w, `{"totalUsdtAmount":"10","assets":[{"currency":"usdt","availableAmount":"5","frozenAmount":"1","totalAmount":"6"}]}`)
		case pathDepth:
			if r.URL.RawQuery != "symbol=x_usdt&limit=450" {
				t.Fatalf("depth query = %q", r.URL.RawQuery)
			}
			writeResult(w, `{"timestamp":1700000000000,"lastUpdateId":42,"bids":[["1.0","3"]],"asks":[["1.1","2"]]}`)
		default:
			http.NotFound(w, r)
		}
	})
	balances, err := client.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "USDT" || !balances[0].Total.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("Balances() = %+v", balances)
	}
	snap, err := client.Depth(context.Background(), "x_usdt", 450)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if snap.LastUpdateID != 42 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("Depth() = %+v", snap)
	}
}

func TestTickerPrices(t *testing.T) {
	var query string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathTicker {
			http.NotFound(w, r)
			return
		}
		query = r.URL.RawQuery
		writeResult(w, `[{"s":"btc_usdt","t":1700000000000,"p":"30000.5"},{"s":"eth_usdt","t":1700000000000,"p":"bad"}]`)
	})
	prices, err := client.TickerPrices(context.Background(), "btc_usdt")
	if err != nil {
		t.Fatalf("TickerPrices() error = %v", err)
	}
	if query != "symbol=btc_usdt" {
		t.Fatalf("query = %q", query)
	}
	if !prices["btc_usdt"].Equal(decimal.RequireFromString("30000.5")) {
		t.Fatalf("btc_usdt = %s", prices["btc_usdt"])
	}
	if _, ok := prices["eth_usdt"]; ok {
		t.Fatalf("unparsable price kept")
	}

	if _, err := client.TickerPrices(context.Background(), "btc_usdt", "eth_usdt"); err != nil {
		t.Fatalf("TickerPrices() error = %v", err)
	}
	if query != "symbols=btc_usdt%2Ceth_usdt" {
		t.Fatalf("query = %q", query)
	}
}

func TestClassifyAPIErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		err  APIError
		call bool
		want error
	}{
		{name: "insufficient", err: APIError{HTTPStatus: 200, Code: "ORDER_F0101", Msg: "balance not enough"}, call: true, want: core.ErrInsufficientBalance},
		{name: "duplicate", err: APIError{HTTPStatus: 200, Code: "ORDER_DUPLICATE_CLIENT_ID"}, call: true, want: core.ErrDuplicateOrder},
		{name: "rejected", err: APIError{HTTPStatus: 200, Code: "ORDER_F0001", Msg: "price out of range"}, call: true, want: core.ErrOrderRejected},
		{name: "rate limited", err: APIError{HTTPStatus: 429}, call: false, want: core.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyAPIError(tc.err, tc.call)
			if !errors.Is(err, tc.want) {
				t.Fatalf("classifyAPIError() = %v, want %v", err, tc.want)
			}
		})
	}
}
