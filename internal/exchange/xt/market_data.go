package xt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"xt-connector/internal/core"
	"xt-connector/internal/logging"
	"xt-connector/internal/queue"
)

const (
	tradeStreamID = 1
	diffStreamID  = 2

	topicTrade = "trade"
	topicDepth = "depth_update"

	defaultSnapshotLimit   = 450
	defaultSnapshotRefresh = time.Hour
	resnapshotRetryDelay   = 2 * time.Second
)

type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamSubscribing
	StreamStreaming
)

func (s StreamState) String() string {
	switch s {
	case StreamSubscribing:
		return "subscribing"
	case StreamStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// MessageKind is the routing decision for one public frame.
type MessageKind int

const (
	MessageUnroutable MessageKind = iota
	MessageTrade
	MessageDiff
)

type depthFetcher interface {
	Depth(ctx context.Context, symbol string, limit int) (DepthSnapshot, error)
}

type MarketDataOptions struct {
	WSURL           string
	Pairs           []string
	SnapshotLimit   int
	SnapshotRefresh time.Duration
	// SnapshotRetry is the wait before a failed snapshot is requested again.
	SnapshotRetry time.Duration
	PingInterval  time.Duration
	MaxBackoff    time.Duration
	Clock         Clock
	Guard         ReconnectGuard
	Dialer        *websocket.Dialer
	Logger        logrus.FieldLogger
}

// BookQueues are the per-kind outputs of the public stream.
type BookQueues struct {
	Snapshots *queue.Queue[core.BookEvent]
	Diffs     *queue.Queue[core.BookEvent]
	Trades    *queue.Queue[core.BookEvent]
}

func NewBookQueues(capacity int, policy queue.Policy) BookQueues {
	return BookQueues{
		Snapshots: queue.New[core.BookEvent]("book_snapshots", capacity, policy),
		Diffs:     queue.New[core.BookEvent]("book_diffs", capacity, policy),
		Trades:    queue.New[core.BookEvent]("public_trades", capacity, policy),
	}
}

// MarketDataSync keeps one public connection subscribed to the trade and
// depth streams of every configured pair and feeds BookQueues.
type MarketDataSync struct {
	rest    depthFetcher
	symbols core.SymbolMapper
	out     BookQueues
	opts    MarketDataOptions
	clock   Clock
	log     *logrus.Entry

	mu      sync.Mutex
	states  map[string]StreamState
	pending map[string]struct{}
	signal  chan struct{}
}

func NewMarketDataSync(rest depthFetcher, symbols core.SymbolMapper, out BookQueues, opts MarketDataOptions) *MarketDataSync {
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = defaultSnapshotLimit
	}
	if opts.SnapshotRefresh <= 0 {
		opts.SnapshotRefresh = defaultSnapshotRefresh
	}
	if opts.SnapshotRetry <= 0 {
		opts.SnapshotRetry = resnapshotRetryDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	m := &MarketDataSync{
		rest:    rest,
		symbols: symbols,
		out:     out,
		opts:    opts,
		clock:   clock,
		log:     logging.Component(opts.Logger, "xt_market_data"),
		states:  make(map[string]StreamState, len(opts.Pairs)),
		pending: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
	for _, pair := range opts.Pairs {
		m.states[pair] = StreamDisconnected
	}
	return m
}

func (m *MarketDataSync) Queues() BookQueues { return m.out }

func (m *MarketDataSync) State(pair string) StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[pair]
}

func (m *MarketDataSync) setState(s StreamState) {
	m.mu.Lock()
	for pair := range m.states {
		m.states[pair] = s
	}
	m.mu.Unlock()
}

// RequestSnapshot fetches the REST book for pair.
func (m *MarketDataSync) RequestSnapshot(ctx context.Context, pair string) (*core.OrderBook, error) {
	ev, err := m.snapshotEvent(ctx, pair)
	if err != nil {
		return nil, err
	}
	book := core.NewOrderBook(pair)
	book.ApplySnapshot(ev)
	return book, nil
}

func (m *MarketDataSync) snapshotEvent(ctx context.Context, pair string) (core.BookEvent, error) {
	symbol, ok := m.symbols.ExchangeSymbol(pair)
	if !ok {
		return core.BookEvent{}, fmt.Errorf("%w: %s", core.ErrUnknownPair, pair)
	}
	snap, err := m.rest.Depth(ctx, symbol, m.opts.SnapshotLimit)
	if err != nil {
		return core.BookEvent{}, err
	}
	now := m.clock.Now()
	ts := snap.Time
	if ts.IsZero() {
		ts = now
	}
	return core.BookEvent{
		Kind:         core.BookSnapshot,
		Pair:         pair,
		Time:         ts,
		LastUpdateID: snap.LastUpdateID,
		Bids:         snap.Bids,
		Asks:         snap.Asks,
		ReceivedAt:   now,
	}, nil
}

// RequestResnapshot asks the running stream to fetch a new snapshot for
// pair. It never blocks.
func (m *MarketDataSync) RequestResnapshot(pair string) {
	m.mu.Lock()
	m.pending[pair] = struct{}{}
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *MarketDataSync) takePending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for pair := range m.pending {
		out = append(out, pair)
	}
	m.pending = make(map[string]struct{})
	return out
}

func (m *MarketDataSync) subscribeCommands() []subscribeCommand {
	trades := make([]string, 0, len(m.opts.Pairs))
	depth := make([]string, 0, len(m.opts.Pairs))
	for _, pair := range m.opts.Pairs {
		symbol, ok := m.symbols.ExchangeSymbol(pair)
		if !ok {
			m.log.WithField("event", "subscribe_skip").WithField("pair", pair).Warn("no venue symbol for pair")
			continue
		}
		symbol = strings.ToLower(symbol)
		trades = append(trades, topicTrade+"@"+symbol)
		depth = append(depth, topicDepth+"@"+symbol)
	}
	return []subscribeCommand{
		{Method: "SUBSCRIBE", Params: trades, ID: tradeStreamID},
		{Method: "SUBSCRIBE", Params: depth, ID: diffStreamID},
	}
}

// Subscribe sends the trade and depth subscriptions on session.
func (m *MarketDataSync) Subscribe(s *wsSession) error {
	for _, cmd := range m.subscribeCommands() {
		if len(cmd.Params) == 0 {
			continue
		}
		if err := s.writeJSON(cmd); err != nil {
			return pkgerrors.Wrapf(err, "subscribe id=%d", cmd.ID)
		}
	}
	return nil
}

type wsFrame struct {
	ID     json.RawMessage `json:"id"`
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Code   *int            `json:"code"`
	Result json.RawMessage `json:"result"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (f wsFrame) streamID() string {
	return strings.Trim(string(f.ID), `"`)
}

func (f wsFrame) hasData() bool {
	return len(f.Data) > 0 && string(f.Data) != "null"
}

// Classify decides where a raw public frame goes. Heartbeats and
// subscription acks are unroutable.
func (m *MarketDataSync) Classify(raw []byte) (MessageKind, wsFrame, error) {
	if isHeartbeat(raw) {
		return MessageUnroutable, wsFrame{}, nil
	}
	var f wsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return MessageUnroutable, wsFrame{}, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	switch f.Topic {
	case topicTrade:
		return MessageTrade, f, nil
	case topicDepth:
		return MessageDiff, f, nil
	case "":
	default:
		m.log.WithFields(logrus.Fields{"event": "ws_unroutable", "topic": f.Topic}).Warn("unexpected topic")
		return MessageUnroutable, f, nil
	}
	if !f.hasData() {
		m.log.WithFields(logrus.Fields{"event": "ws_ack", "id": f.streamID(), "msg": f.Msg}).Debug("subscription ack")
		return MessageUnroutable, f, nil
	}
	switch f.streamID() {
	case "1":
		return MessageTrade, f, nil
	case "2":
		return MessageDiff, f, nil
	}
	return MessageUnroutable, f, nil
}

type wsTrade struct {
	Symbol       string     `json:"s"`
	TradeID      flexString `json:"i"`
	Time         int64      `json:"t"`
	Price        flexString `json:"p"`
	Qty          flexString `json:"q"`
	BuyerIsMaker bool       `json:"b"`
}

type wsDepthUpdate struct {
	Symbol        string         `json:"s"`
	FirstUpdateID int64          `json:"fi"`
	LastUpdateID  int64          `json:"i"`
	Asks          [][]flexString `json:"a"`
	Bids          [][]flexString `json:"b"`
	Time          int64          `json:"t"`
}

func (m *MarketDataSync) pairOf(symbol string) (string, error) {
	pair, ok := m.symbols.Pair(symbol)
	if !ok {
		return "", fmt.Errorf("%w: symbol %q", core.ErrUnknownPair, symbol)
	}
	return pair, nil
}

func (m *MarketDataSync) tradeEvent(data []byte) (core.BookEvent, error) {
	var t wsTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return core.BookEvent{}, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	pair, err := m.pairOf(t.Symbol)
	if err != nil {
		return core.BookEvent{}, err
	}
	now := m.clock.Now()
	ts := millis(t.Time)
	if ts.IsZero() {
		ts = now
	}
	taker := core.Buy
	if t.BuyerIsMaker {
		taker = core.Sell
	}
	return core.BookEvent{
		Kind: core.BookTrade,
		Pair: pair,
		Time: ts,
		Trade: &core.PublicTrade{
			TradeID:   t.TradeID.String(),
			Price:     t.Price.decimal(),
			Qty:       t.Qty.decimal(),
			TakerSide: taker,
		},
		ReceivedAt: now,
	}, nil
}

func (m *MarketDataSync) diffEvent(data []byte) (core.BookEvent, error) {
	var d wsDepthUpdate
	if err := json.Unmarshal(data, &d); err != nil {
		return core.BookEvent{}, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	pair, err := m.pairOf(d.Symbol)
	if err != nil {
		return core.BookEvent{}, err
	}
	now := m.clock.Now()
	ts := millis(d.Time)
	if ts.IsZero() {
		ts = now
	}
	return core.BookEvent{
		Kind:          core.BookDiff,
		Pair:          pair,
		Time:          ts,
		FirstUpdateID: d.FirstUpdateID,
		LastUpdateID:  d.LastUpdateID,
		Bids:          parseLevels(d.Bids),
		Asks:          parseLevels(d.Asks),
		ReceivedAt:    now,
	}, nil
}

// Handle routes one raw frame into the matching queue. Decode failures are
// logged and dropped.
func (m *MarketDataSync) Handle(ctx context.Context, raw []byte) error {
	kind, frame, err := m.Classify(raw)
	if err != nil {
		m.log.WithField("event", "ws_decode_failed").WithError(err).Warn("dropping frame")
		return nil
	}
	var (
		ev  core.BookEvent
		dst *queue.Queue[core.BookEvent]
	)
	switch kind {
	case MessageTrade:
		ev, err = m.tradeEvent(frame.Data)
		dst = m.out.Trades
	case MessageDiff:
		ev, err = m.diffEvent(frame.Data)
		dst = m.out.Diffs
	default:
		return nil
	}
	if err != nil {
		m.log.WithFields(logrus.Fields{"event": "ws_decode_failed", "topic": frame.Topic}).WithError(err).Warn("dropping frame")
		return nil
	}
	return dst.Push(ctx, ev)
}

func (m *MarketDataSync) queueSnapshot(ctx context.Context, pair string) error {
	ev, err := m.snapshotEvent(ctx, pair)
	if err != nil {
		return err
	}
	return m.out.Snapshots.Push(ctx, ev)
}

// Run connects and re-connects until ctx ends or the reconnect guard trips
// for good.
func (m *MarketDataSync) Run(ctx context.Context) error {
	backoff := time.Duration(0)
	attempts := 0
	for {
		if attempts > 0 && m.opts.Guard != nil {
			if err := m.opts.Guard.AllowReconnect(); err != nil {
				m.log.WithField("event", "reconnect_blocked").WithError(err).Warn("public stream reconnect blocked")
				if waitForReconnect(ctx, m.opts.MaxBackoff) {
					return ctx.Err()
				}
				continue
			}
		}
		err := m.runOnce(ctx, func() {
			if attempts > 0 {
				m.log.WithFields(logrus.Fields{"event": "ws_reconnected", "attempts": attempts}).Info("public stream restored")
			}
			attempts = 0
			backoff = 0
			if m.opts.Guard != nil {
				m.opts.Guard.ResetReconnect()
			}
		})
		m.setState(StreamDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		m.log.WithFields(logrus.Fields{"event": "ws_disconnected", "attempt": attempts}).WithError(err).Warn("public stream lost")
		if m.opts.Guard != nil {
			if trip := m.opts.Guard.RecordReconnect(err); trip != nil && !isCircuitOpen(trip) {
				return trip
			}
		}
		backoff = nextBackoff(backoff, m.opts.MaxBackoff)
		if waitForReconnect(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (m *MarketDataSync) runOnce(ctx context.Context, onStreaming func()) error {
	session, err := dialSession(ctx, m.opts.Dialer, m.opts.WSURL, m.opts.PingInterval)
	if err != nil {
		return pkgerrors.Wrap(err, "dial public stream")
	}
	defer session.close()

	m.setState(StreamSubscribing)
	if err := m.Subscribe(session); err != nil {
		return err
	}
	for _, pair := range m.opts.Pairs {
		m.RequestResnapshot(pair)
	}
	m.setState(StreamStreaming)
	m.log.WithFields(logrus.Fields{"event": "ws_streaming", "pairs": len(m.opts.Pairs)}).Info("public stream subscribed")
	if onStreaming != nil {
		onStreaming()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		session.close()
		return nil
	})
	g.Go(func() error {
		for {
			raw, err := session.read()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return pkgerrors.Wrap(err, "read public stream")
			}
			if err := m.Handle(gctx, raw); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		return session.keepalive(gctx, m.opts.PingInterval, m.log)
	})
	g.Go(func() error {
		return m.snapshotLoop(gctx)
	})
	err = g.Wait()
	if err == nil && ctx.Err() == nil {
		err = errors.New("public stream closed")
	}
	return err
}

// snapshotLoop serves resnapshot requests and the periodic refresh. Failed
// pairs are retried from the loop itself, so nothing fires after ctx ends.
func (m *MarketDataSync) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SnapshotRefresh)
	defer ticker.Stop()
	retry := make(map[string]struct{})
	var retryC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, pair := range m.opts.Pairs {
				m.RequestResnapshot(pair)
			}
		case <-retryC:
			retryC = nil
			for pair := range retry {
				m.RequestResnapshot(pair)
			}
			clear(retry)
		case <-m.signal:
			for _, pair := range m.takePending() {
				if err := m.queueSnapshot(ctx, pair); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					m.log.WithFields(logrus.Fields{"event": "snapshot_failed", "pair": pair}).WithError(err).Warn("order book snapshot failed")
					retry[pair] = struct{}{}
					if retryC == nil {
						retryC = time.After(m.opts.SnapshotRetry)
					}
				}
			}
		}
	}
}
