package xt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"xt-connector/internal/config"
	"xt-connector/internal/core"
	"xt-connector/internal/logging"
)

const (
	pathServerTime = "/v4/public/time"
	pathDepth      = "/v4/public/depth"
	pathSymbols    = "/v4/public/symbol"
	pathTicker     = "/v4/public/ticker/price"
	pathOrder      = "/v4/order"
	pathTrades     = "/v4/trade"
	pathBalances   = "/v4/balances"
	pathWSToken    = "/v4/ws-token"
)

type Options struct {
	RestBaseURL   string
	Credentials   Credentials
	HeaderPrefix  string
	HTTPTimeout   time.Duration
	RateLimit     float64
	RateBurst     int
	Clock         Clock
	Logger        logrus.FieldLogger
	HTTPTransport http.RoundTripper
}

func OptionsFromConfig(cfg config.Config, log logrus.FieldLogger) Options {
	return Options{
		RestBaseURL: cfg.Exchange.RestBaseURL,
		Credentials: Credentials{
			APIKey:       cfg.Exchange.APIKey,
			SecretKey:    cfg.Exchange.APISecret,
			Algorithm:    cfg.Exchange.Algorithm,
			RecvWindowMs: cfg.Exchange.RecvWindowMs,
		},
		HeaderPrefix: cfg.HeaderPrefixValue(),
		HTTPTimeout:  time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		RateLimit:    cfg.Exchange.RateLimitPerSec,
		RateBurst:    cfg.Exchange.RateLimitBurst,
		Logger:       log,
	}
}

// Client is the signed REST surface of the venue. It does not retry; the
// polling cadences above it do.
type Client struct {
	rest    *resty.Client
	opts    Options
	signer  atomic.Pointer[Signer]
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewClient(opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst < 1 {
		burst = 1
	}
	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.RestBaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if opts.HTTPTransport != nil {
		rest.SetTransport(opts.HTTPTransport)
	}
	c := &Client{
		rest:    rest,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		log:     logging.Component(opts.Logger, "xt_rest"),
	}
	c.UseClock(opts.Clock)
	return c
}

// UseClock swaps the clock used for request timestamps.
func (c *Client) UseClock(clock Clock) {
	c.signer.Store(NewSigner(c.opts.Credentials, c.opts.HeaderPrefix, clock))
}

func (c *Client) HasCredentials() bool {
	return c.signer.Load().HasCredentials()
}

func (c *Client) do(ctx context.Context, desc RequestDescriptor, orderCall bool, out any) error {
	signer := c.signer.Load()
	if desc.Auth && !signer.HasCredentials() {
		return pkgerrors.Wrapf(core.ErrInvalidCredentials, "%s %s", desc.Method, desc.Path)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	headers, err := signer.Sign(desc)
	if err != nil {
		return pkgerrors.Wrapf(err, "%s %s", desc.Method, desc.Path)
	}
	target := desc.Path
	if q := EncodeQuery(desc.Params); q != "" {
		target += "?" + q
	}
	req := c.rest.R().SetContext(ctx).SetHeaderMultiValues(headers)
	if len(desc.Body) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody(desc.Body)
	}
	resp, err := req.Execute(desc.Method, target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Join(pkgerrors.Wrapf(err, "%s %s", desc.Method, desc.Path), core.ErrTransient)
	}
	body := resp.Body()
	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode()/100 != 2 {
		apiErr := APIError{HTTPStatus: resp.StatusCode(), Msg: strings.TrimSpace(string(body))}
		if decodeErr == nil && env.MC != "" {
			apiErr.Code = env.MC
			apiErr.Msg = env.MC
		}
		return classifyAPIError(apiErr, orderCall)
	}
	if decodeErr != nil {
		return errors.Join(pkgerrors.Wrapf(decodeErr, "decode %s %s", desc.Method, desc.Path), core.ErrDecode)
	}
	if env.RC != 0 {
		return classifyAPIError(APIError{HTTPStatus: resp.StatusCode(), Code: env.MC, Msg: envelopeMessage(env)}, orderCall)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Join(pkgerrors.Wrapf(err, "decode result of %s %s", desc.Method, desc.Path), core.ErrDecode)
	}
	return nil
}

func envelopeMessage(env envelope) string {
	msg := env.MC
	extra := strings.TrimSpace(string(env.MA))
	if extra != "" && extra != "[]" && extra != "null" {
		msg = strings.TrimSpace(msg + " " + extra)
	}
	return msg
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var res serverTimeResult
	if err := c.do(ctx, RequestDescriptor{Method: http.MethodGet, Path: pathServerTime}, false, &res); err != nil {
		return time.Time{}, err
	}
	if res.ServerTime <= 0 {
		return time.Time{}, pkgerrors.Wrap(core.ErrDecode, "server time missing")
	}
	return time.UnixMilli(res.ServerTime), nil
}

// DepthSnapshot is the REST order book for one venue symbol.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Time         time.Time
	Bids         []core.PriceLevel
	Asks         []core.PriceLevel
}

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	desc := RequestDescriptor{
		Method: http.MethodGet,
		Path:   pathDepth,
		Params: []Param{{Key: "symbol", Value: symbol}, {Key: "limit", Value: strconv.Itoa(limit)}},
	}
	var res depthResult
	if err := c.do(ctx, desc, false, &res); err != nil {
		return DepthSnapshot{}, err
	}
	return DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: res.LastUpdateID,
		Time:         millis(res.Timestamp),
		Bids:         parseLevels(res.Bids),
		Asks:         parseLevels(res.Asks),
	}, nil
}

func (c *Client) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	var res symbolsResult
	if err := c.do(ctx, RequestDescriptor{Method: http.MethodGet, Path: pathSymbols}, false, &res); err != nil {
		return nil, err
	}
	return res.Symbols, nil
}

// TickerPrices returns last prices keyed by venue symbol. No symbols means all.
func (c *Client) TickerPrices(ctx context.Context, symbols ...string) (map[string]decimal.Decimal, error) {
	desc := RequestDescriptor{Method: http.MethodGet, Path: pathTicker}
	switch len(symbols) {
	case 0:
	case 1:
		desc.Params = []Param{{Key: "symbol", Value: symbols[0]}}
	default:
		desc.Params = []Param{{Key: "symbols", Value: strings.Join(symbols, ",")}}
	}
	var res []tickerItem
	if err := c.do(ctx, desc, false, &res); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(res))
	for _, t := range res {
		price, err := decimal.NewFromString(t.Price.String())
		if err != nil {
			continue
		}
		out[t.Symbol] = price
	}
	return out, nil
}

type PlaceOrderParams struct {
	Symbol        string
	ClientOrderID string
	Side          core.Side
	Type          core.OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
}

func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	body := placeOrderBody{
		Symbol:        p.Symbol,
		ClientOrderID: p.ClientOrderID,
		Side:          string(p.Side),
		Type:          string(p.Type),
		BizType:       "SPOT",
		Quantity:      formatDecimal(p.Qty),
	}
	if p.Type == core.Limit {
		body.TimeInForce = "GTC"
		body.Price = formatDecimal(p.Price)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	var res placeOrderResult
	desc := RequestDescriptor{Method: http.MethodPost, Path: pathOrder, Body: raw, Auth: true}
	if err := c.do(ctx, desc, true, &res); err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", pkgerrors.Wrap(core.ErrDecode, "place order: missing orderId")
	}
	return res.OrderID.String(), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	desc := RequestDescriptor{
		Method: http.MethodDelete,
		Path:   pathOrder,
		Params: []Param{{Key: "orderId", Value: orderID}},
		Auth:   true,
	}
	return c.do(ctx, desc, true, nil)
}

// OrderStatus is the venue view of one order.
type OrderStatus struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	RawState      string
	State         core.OrderState
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdatedTime   time.Time
}

// QueryOrder looks an order up by venue id, or by client id when the venue
// id is not known.
func (c *Client) QueryOrder(ctx context.Context, orderID, clientOrderID string) (OrderStatus, error) {
	desc := RequestDescriptor{Method: http.MethodGet, Path: pathOrder, Auth: true}
	switch {
	case orderID != "" && orderID != core.UnknownExchangeOrderID:
		desc.Params = []Param{{Key: "orderId", Value: orderID}}
	case clientOrderID != "":
		desc.Params = []Param{{Key: "clientOrderId", Value: clientOrderID}}
	default:
		return OrderStatus{}, errors.New("orderId or clientOrderId required")
	}
	var res *orderResult
	if err := c.do(ctx, desc, true, &res); err != nil {
		return OrderStatus{}, err
	}
	if res == nil {
		return OrderStatus{}, classifyAPIError(APIError{HTTPStatus: http.StatusOK, Code: "ORDER_NOT_EXIST", Msg: "empty order result"}, true)
	}
	state, ok := mapOrderState(res.State)
	if !ok {
		return OrderStatus{}, errors.Join(pkgerrors.Errorf("unknown order state %q", res.State), core.ErrDecode)
	}
	return OrderStatus{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID.String(),
		ClientOrderID: res.ClientOrderID,
		RawState:      res.State,
		State:         state,
		ExecutedQty:   res.ExecutedQty.decimal(),
		AvgPrice:      res.AvgPrice.decimal(),
		UpdatedTime:   millis(res.UpdatedTime),
	}, nil
}

// Trade is one of the account's own fills.
type Trade struct {
	Symbol      string
	TradeID     string
	OrderID     string
	Side        core.Side
	Maker       bool
	Price       decimal.Decimal
	Qty         decimal.Decimal
	QuoteQty    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Time        time.Time
}

type TradesParams struct {
	Symbol  string
	OrderID string
	// StartTimeMs is omitted when zero.
	StartTimeMs int64
	Limit       int
}

func (c *Client) Trades(ctx context.Context, p TradesParams) ([]Trade, error) {
	params := []Param{{Key: "symbol", Value: p.Symbol}}
	if p.OrderID != "" {
		params = append(params, Param{Key: "orderId", Value: p.OrderID})
	}
	if p.StartTimeMs > 0 {
		params = append(params, Param{Key: "startTime", Value: strconv.FormatInt(p.StartTimeMs, 10)})
	}
	if p.Limit > 0 {
		params = append(params, Param{Key: "limit", Value: strconv.Itoa(p.Limit)})
	}
	var res tradeResult
	desc := RequestDescriptor{Method: http.MethodGet, Path: pathTrades, Params: params, Auth: true}
	if err := c.do(ctx, desc, false, &res); err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(res.Items))
	for _, it := range res.Items {
		out = append(out, Trade{
			Symbol:      it.Symbol,
			TradeID:     it.TradeID.String(),
			OrderID:     it.OrderID.String(),
			Side:        core.Side(strings.ToUpper(it.OrderSide)),
			Maker:       strings.EqualFold(it.TakerMaker, "MAKER"),
			Price:       it.Price.decimal(),
			Qty:         it.Quantity.decimal(),
			QuoteQty:    it.QuoteQty.decimal(),
			Fee:         it.Fee.decimal(),
			FeeCurrency: strings.ToUpper(it.FeeCurrency),
			Time:        millis(it.Time),
		})
	}
	return out, nil
}

func (c *Client) Balances(ctx context.Context) ([]core.Balance, error) {
	var res balancesResult
	desc := RequestDescriptor{Method: http.MethodGet, Path: pathBalances, Auth: true}
	if err := c.do(ctx, desc, false, &res); err != nil {
		return nil, err
	}
	out := make([]core.Balance, 0, len(res.Assets))
	for _, a := range res.Assets {
		asset := strings.ToUpper(strings.TrimSpace(a.Currency))
		if asset == "" {
			continue
		}
		out = append(out, core.NewBalance(asset, a.AvailableAmount.decimal(), a.TotalAmount.decimal()))
	}
	return out, nil
}

// WSToken issues the listen token for the private stream.
func (c *Client) WSToken(ctx context.Context) (string, error) {
	var res wsTokenResult
	desc := RequestDescriptor{Method: http.MethodPost, Path: pathWSToken, Auth: true}
	if err := c.do(ctx, desc, false, &res); err != nil {
		return "", err
	}
	token := res.AccessToken
	if token == "" {
		token = res.Token
	}
	if token == "" {
		return "", pkgerrors.Wrap(core.ErrDecode, "ws token missing")
	}
	return token, nil
}
