package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/alert"
	"xt-connector/internal/core"
	"xt-connector/internal/exchange"
	"xt-connector/internal/logging"
	"xt-connector/internal/queue"
	"xt-connector/internal/store"
)

var (
	// ErrReadOnly is returned by order calls when the manager runs in observe mode.
	ErrReadOnly = errors.New("order placement disabled in observe mode")
	// ErrUnknownOrder means the client id is not tracked by this manager.
	ErrUnknownOrder = errors.New("order not tracked")
	// ErrNotAcknowledged means the venue id is not known yet, so the order
	// cannot be cancelled by id.
	ErrNotAcknowledged = errors.New("order not acknowledged by venue")
	// ErrNotionalLimit means the order exceeds the configured notional cap.
	ErrNotionalLimit = errors.New("order notional above limit")
)

const (
	maxClientOrderIDLen          = 32
	defaultShortPoll             = 10 * time.Second
	defaultLongPoll              = 120 * time.Second
	defaultFillWindow            = 10 * time.Second
	defaultBalanceRefresh        = 60 * time.Second
	defaultErrorBackoff          = 5 * time.Second
	defaultUnknownNotFoundLimit  = 3
	defaultDedupTTL              = 24 * time.Hour
	defaultTerminalRetention     = 10 * time.Minute
	defaultPollTick              = time.Second
	unreachableAlertAfterFailure = 3
)

// Clock is the synchronized venue time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Options struct {
	Pairs             []string
	ClientOrderPrefix string
	// ShortPoll runs only while orders are in flight; LongPoll always runs.
	ShortPoll            time.Duration
	LongPoll             time.Duration
	FillWindow           time.Duration
	BalanceRefresh       time.Duration
	ErrorBackoff         time.Duration
	UnknownNotFoundLimit int
	DedupTTL             time.Duration
	TerminalRetention    time.Duration
	PollTick             time.Duration
	MaxOrderNotional     decimal.Decimal
	ReadOnly             bool

	Clock  Clock
	Events *queue.Queue[core.LifecycleEvent]
	Store  store.Persister
	Alerts alert.Alerter
	Logger logrus.FieldLogger
}

func (o *Options) applyDefaults() {
	if o.ShortPoll <= 0 {
		o.ShortPoll = defaultShortPoll
	}
	if o.LongPoll <= 0 {
		o.LongPoll = defaultLongPoll
	}
	if o.FillWindow < 0 {
		o.FillWindow = 0
	} else if o.FillWindow == 0 {
		o.FillWindow = defaultFillWindow
	}
	if o.BalanceRefresh <= 0 {
		o.BalanceRefresh = defaultBalanceRefresh
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = defaultErrorBackoff
	}
	if o.UnknownNotFoundLimit <= 0 {
		o.UnknownNotFoundLimit = defaultUnknownNotFoundLimit
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = defaultTerminalRetention
	}
	if o.PollTick <= 0 {
		o.PollTick = defaultPollTick
	}
	if o.ClientOrderPrefix == "" {
		o.ClientOrderPrefix = "xtc"
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
}

// Manager tracks every order placed through it until the outcome is settled
// and keeps the account balances. The order and balance maps share one
// mutex that is never held across a venue call or a queue push.
type Manager struct {
	venue exchange.Venue
	rules exchange.RuleSource
	opts  Options
	log   *logrus.Entry

	// dedup remembers applied fill keys across both the push and poll paths.
	dedup *gocache.Cache

	mu           sync.Mutex
	orders       map[string]*core.InFlightOrder
	byExchangeID map[string]string
	terminalAt   map[string]time.Time
	balances     map[string]core.Balance

	pollMu           sync.Mutex
	lastPollMs       int64
	lastTradesPollMs int64
	restorePending   bool

	failMu   sync.Mutex
	failures map[string]int
}

func NewManager(venue exchange.Venue, rules exchange.RuleSource, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		venue:        venue,
		rules:        rules,
		opts:         opts,
		log:          logging.Component(opts.Logger, "order_lifecycle"),
		dedup:        gocache.New(opts.DedupTTL, opts.DedupTTL/4),
		orders:       make(map[string]*core.InFlightOrder),
		byExchangeID: make(map[string]string),
		terminalAt:   make(map[string]time.Time),
		balances:     make(map[string]core.Balance),
		failures:     make(map[string]int),
	}
}

// PlaceOutcome is what the caller learns from a create call. ExchangeOrderID
// is core.UnknownExchangeOrderID when the venue was overloaded and the
// outcome is left to the next status poll.
type PlaceOutcome struct {
	ClientOrderID   string
	ExchangeOrderID string
	TransactTime    time.Time
}

func (m *Manager) newClientOrderID() string {
	id := uuid.New()
	raw := m.opts.ClientOrderPrefix + "-" + hex.EncodeToString(id[:])
	if len(raw) > maxClientOrderIDLen {
		raw = raw[:maxClientOrderIDLen]
	}
	return raw
}

// PlaceOrder normalizes the request against the pair's trading rule, starts
// tracking it and sends the create call.
func (m *Manager) PlaceOrder(ctx context.Context, pair string, side core.Side, typ core.OrderType, price, qty decimal.Decimal) (PlaceOutcome, error) {
	if m.opts.ReadOnly {
		return PlaceOutcome{}, ErrReadOnly
	}
	rule, ok := m.rules.Rule(pair)
	if !ok {
		return PlaceOutcome{}, fmt.Errorf("%w: %w: %s", core.ErrOrderFailed, core.ErrUnknownPair, pair)
	}
	req, err := core.NormalizeOrder(core.OrderRequest{Pair: pair, Side: side, Type: typ, Price: price, Qty: qty}, rule)
	if err != nil {
		return PlaceOutcome{}, fmt.Errorf("%w: %w", core.ErrOrderFailed, err)
	}
	if limit := m.opts.MaxOrderNotional; limit.IsPositive() && req.Price.IsPositive() {
		if notional := req.Price.Mul(req.Qty); notional.GreaterThan(limit) {
			return PlaceOutcome{}, fmt.Errorf("%w: %w: %s > %s", core.ErrOrderFailed, ErrNotionalLimit, notional, limit)
		}
	}

	now := m.opts.Clock.Now()
	order := core.NewInFlightOrder(m.newClientOrderID(), pair, req.Side, req.Type, req.Price, req.Qty, now)
	m.mu.Lock()
	m.orders[order.ClientOrderID] = order
	created := order.Clone()
	m.mu.Unlock()
	m.emitState(ctx, created)

	log := m.log.WithFields(logrus.Fields{
		"pair":      pair,
		"client_id": order.ClientOrderID,
		"side":      string(req.Side),
		"type":      string(req.Type),
		"price":     req.Price.String(),
		"qty":       req.Qty.String(),
	})
	res, err := m.venue.PlaceOrder(ctx, exchange.PlaceRequest{
		ClientOrderID: order.ClientOrderID,
		Pair:          pair,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
	})
	if err != nil {
		if errors.Is(err, core.ErrServerOverloaded) {
			m.mu.Lock()
			if !order.HasExchangeID() {
				order.ExchangeOrderID = core.UnknownExchangeOrderID
				order.NeedsStatusCheck = true
			}
			exchangeID := order.ExchangeOrderID
			m.mu.Unlock()
			log.WithField("event", "order_create_unknown").WithError(err).Warn("venue overloaded, outcome left to status poll")
			m.alert(alert.EventOrderUnknown, map[string]string{"pair": pair, "client_id": order.ClientOrderID})
			m.persist()
			return PlaceOutcome{ClientOrderID: order.ClientOrderID, ExchangeOrderID: exchangeID, TransactTime: now}, nil
		}
		m.noteFailure("place", err)
		m.mu.Lock()
		var failed *core.InFlightOrder
		if order.State == core.OrderPendingCreate {
			order.State = core.OrderFailed
			order.LastUpdate = now
			m.terminalAt[order.ClientOrderID] = now
			failed = order.Clone()
		}
		m.mu.Unlock()
		if failed != nil {
			m.emitState(ctx, failed)
		}
		log.WithField("event", "order_create_failed").WithError(err).Error("create order failed")
		m.alert(alert.EventOrderFailed, map[string]string{"pair": pair, "client_id": order.ClientOrderID, "error": err.Error()})
		return PlaceOutcome{ClientOrderID: order.ClientOrderID}, fmt.Errorf("%w: %w", core.ErrOrderFailed, err)
	}
	m.noteSuccess("place")

	at := res.TransactTime
	if at.IsZero() {
		at = now
	}
	m.mu.Lock()
	prev := order.State
	order.Acknowledge(res.ExchangeOrderID, at)
	m.byExchangeID[res.ExchangeOrderID] = order.ClientOrderID
	changed := order.State != prev
	acked := order.Clone()
	m.mu.Unlock()
	if changed {
		m.emitState(ctx, acked)
	}
	log.WithFields(logrus.Fields{"event": "order_created", "exchange_id": res.ExchangeOrderID}).Info("order acknowledged")
	m.persist()
	return PlaceOutcome{ClientOrderID: order.ClientOrderID, ExchangeOrderID: res.ExchangeOrderID, TransactTime: at}, nil
}

// CancelOrder reports whether the order is cancelled or already settled on
// the venue. When the venue no longer knows the order, true means settled on
// the venue: the order stays PendingCancel until the next status poll resolves
// it. A venue rejection restores the previous state and is returned.
func (m *Manager) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	if m.opts.ReadOnly {
		return false, ErrReadOnly
	}
	m.mu.Lock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if order.IsTerminal() {
		m.mu.Unlock()
		return true, nil
	}
	if !order.HasExchangeID() {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotAcknowledged, clientOrderID)
	}
	order.BeginCancel()
	pair, exchangeID := order.Pair, order.ExchangeOrderID
	pending := order.Clone()
	m.mu.Unlock()
	m.emitState(ctx, pending)

	log := m.log.WithFields(logrus.Fields{"pair": pair, "client_id": clientOrderID, "exchange_id": exchangeID})
	err := m.venue.CancelOrder(ctx, pair, exchangeID)
	switch {
	case err == nil:
		m.noteSuccess("cancel")
		m.mu.Lock()
		// The ack carries no venue time; a local stamp must not take part in
		// the stale check.
		changed := order.ApplyUpdate(core.OrderUpdate{State: core.OrderCancelled})
		if now := m.opts.Clock.Now(); now.After(order.LastUpdate) {
			order.LastUpdate = now
		}
		m.markTerminalLocked(order)
		settled := order.Clone()
		m.mu.Unlock()
		if changed {
			m.emitState(ctx, settled)
		}
		log.WithField("event", "order_cancelled").Info("cancel acknowledged")
		m.persist()
		return true, nil
	case errors.Is(err, core.ErrOrderNotFound):
		// The order already settled on the venue; the next poll learns how.
		m.noteSuccess("cancel")
		m.mu.Lock()
		order.NeedsStatusCheck = true
		m.mu.Unlock()
		log.WithField("event", "order_cancel_not_found").Info("cancel target already settled")
		return true, nil
	default:
		m.noteFailure("cancel", err)
		m.mu.Lock()
		reverted := order.RevertCancel()
		restored := order.Clone()
		m.mu.Unlock()
		if reverted {
			m.emitState(ctx, restored)
		}
		log.WithField("event", "order_cancel_failed").WithError(err).Warn("cancel failed")
		return false, err
	}
}

// PollOrderStatus queries the venue for one order and applies the result.
func (m *Manager) PollOrderStatus(ctx context.Context, clientOrderID string) (core.OrderUpdate, error) {
	m.mu.Lock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return core.OrderUpdate{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	pair := order.Pair
	exchangeID := ""
	if order.HasExchangeID() {
		exchangeID = order.ExchangeOrderID
	}
	m.mu.Unlock()

	update, err := m.venue.OrderStatus(ctx, pair, exchangeID, clientOrderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			m.noteSuccess("status")
			m.applyNotFound(ctx, order)
			return core.OrderUpdate{}, err
		}
		m.noteFailure("status", err)
		return core.OrderUpdate{}, err
	}
	m.noteSuccess("status")
	m.applyUpdate(ctx, order, update)

	m.mu.Lock()
	missing := update.ExecutedQty.GreaterThan(order.FilledQty) && order.HasExchangeID()
	m.mu.Unlock()
	if missing {
		if _, err := m.pollOrderFills(ctx, order); err != nil {
			m.log.WithFields(logrus.Fields{"event": "order_fills_poll_failed", "client_id": clientOrderID}).WithError(err).Warn("per-order fill recovery failed")
		}
	}
	return update, nil
}

func (m *Manager) applyUpdate(ctx context.Context, order *core.InFlightOrder, u core.OrderUpdate) {
	m.mu.Lock()
	if u.ExchangeOrderID != "" && !order.HasExchangeID() {
		m.byExchangeID[u.ExchangeOrderID] = order.ClientOrderID
	}
	changed := order.ApplyUpdate(u)
	if order.HasExchangeID() {
		order.NeedsStatusCheck = false
	}
	m.markTerminalLocked(order)
	cp := order.Clone()
	m.mu.Unlock()
	if changed {
		m.log.WithFields(logrus.Fields{
			"event":     "order_state_changed",
			"client_id": cp.ClientOrderID,
			"state":     string(cp.State),
		}).Debug("order state applied")
		m.emitState(ctx, cp)
	}
}

// applyNotFound counts polls that could not find the order. An order whose
// create call may never have landed is failed once the limit is reached.
func (m *Manager) applyNotFound(ctx context.Context, order *core.InFlightOrder) {
	m.mu.Lock()
	if order.IsTerminal() {
		m.mu.Unlock()
		return
	}
	order.NotFoundCount++
	strikes := order.NotFoundCount
	var failed *core.InFlightOrder
	if strikes >= m.opts.UnknownNotFoundLimit {
		order.State = core.OrderFailed
		order.LastUpdate = m.opts.Clock.Now()
		order.NeedsStatusCheck = false
		m.markTerminalLocked(order)
		failed = order.Clone()
	}
	m.mu.Unlock()
	log := m.log.WithFields(logrus.Fields{"event": "order_not_found", "client_id": order.ClientOrderID, "strikes": strikes})
	if failed == nil {
		log.Info("order not found on venue")
		return
	}
	log.Warn("order not found after repeated polls, marking failed")
	m.alert(alert.EventOrderFailed, map[string]string{
		"client_id": failed.ClientOrderID,
		"pair":      failed.Pair,
		"reason":    "not_found_" + strconv.Itoa(strikes) + "_polls",
	})
	m.emitState(ctx, failed)
}

// PollFillsSince fetches the pair's fills from since and applies the ones
// not seen before. A zero since omits the lower bound.
func (m *Manager) PollFillsSince(ctx context.Context, pair string, since time.Time) ([]core.TradeFill, error) {
	fills, err := m.venue.Trades(ctx, exchange.TradeQuery{Pair: pair, Since: since})
	if err != nil {
		m.noteFailure("trades", err)
		return nil, err
	}
	m.noteSuccess("trades")
	return m.applyFills(ctx, fills), nil
}

func (m *Manager) pollOrderFills(ctx context.Context, order *core.InFlightOrder) ([]core.TradeFill, error) {
	m.mu.Lock()
	q := exchange.TradeQuery{Pair: order.Pair, ExchangeOrderID: order.ExchangeOrderID}
	m.mu.Unlock()
	fills, err := m.venue.Trades(ctx, q)
	if err != nil {
		return nil, err
	}
	return m.applyFills(ctx, fills), nil
}

func (m *Manager) applyFills(ctx context.Context, fills []core.TradeFill) []core.TradeFill {
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	applied := make([]core.TradeFill, 0, len(fills))
	for _, f := range fills {
		if fill, ok := m.applyFill(ctx, f); ok {
			applied = append(applied, fill)
		}
	}
	return applied
}

func fillKey(pair, tradeID string) string {
	return pair + ":" + tradeID
}

// applyFill is the single entry for fills from the push and poll paths. A
// trade id is applied and emitted at most once.
func (m *Manager) applyFill(ctx context.Context, f core.TradeFill) (core.TradeFill, bool) {
	if f.TradeID == "" {
		return f, false
	}
	key := fillKey(f.Pair, f.TradeID)
	if _, dup := m.dedup.Get(key); dup {
		return f, false
	}
	if m.opts.Store != nil {
		seen, err := m.opts.Store.HasFillKey(key)
		if err != nil {
			m.log.WithFields(logrus.Fields{"event": "fill_ledger_read_failed", "key": key}).WithError(err).Warn("fill ledger unavailable")
		} else if seen {
			m.dedup.SetDefault(key, struct{}{})
			return f, false
		}
	}

	m.mu.Lock()
	order := m.lookupLocked(f.ClientOrderID, f.ExchangeOrderID)
	if order == nil {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"event": "fill_untracked", "pair": f.Pair, "trade_id": f.TradeID, "exchange_id": f.ExchangeOrderID}).Debug("fill for untracked order ignored")
		return f, false
	}
	f.ClientOrderID = order.ClientOrderID
	if f.ExchangeOrderID == "" {
		f.ExchangeOrderID = order.ExchangeOrderID
	}
	if f.Side == "" {
		f.Side = order.Side
	}
	prevState := order.State
	if !order.ApplyFill(f) {
		m.mu.Unlock()
		m.dedup.SetDefault(key, struct{}{})
		return f, false
	}
	m.dedup.SetDefault(key, struct{}{})
	m.markTerminalLocked(order)
	cp := order.Clone()
	m.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.RecordFillKey(key, f.Time); err != nil {
			m.log.WithFields(logrus.Fields{"event": "fill_ledger_write_failed", "key": key}).WithError(err).Warn("fill ledger write failed")
		}
	}
	m.log.WithFields(logrus.Fields{
		"event":      "order_filled",
		"pair":       f.Pair,
		"client_id":  cp.ClientOrderID,
		"trade_id":   f.TradeID,
		"qty":        f.Qty.String(),
		"price":      f.Price.String(),
		"filled_qty": cp.FilledQty.String(),
	}).Info("fill applied")
	fill := f
	m.emit(ctx, core.LifecycleEvent{Kind: core.TradeFilled, Time: f.Time, Order: cp, Fill: &fill})
	if cp.State != prevState {
		m.emitState(ctx, cp)
	}
	return f, true
}

func (m *Manager) lookupLocked(clientID, exchangeID string) *core.InFlightOrder {
	if clientID != "" {
		if o, ok := m.orders[clientID]; ok {
			return o
		}
	}
	if exchangeID != "" {
		if cid, ok := m.byExchangeID[exchangeID]; ok {
			return m.orders[cid]
		}
		for _, o := range m.orders {
			if o.ExchangeOrderID == exchangeID {
				m.byExchangeID[exchangeID] = o.ClientOrderID
				return o
			}
		}
	}
	return nil
}

func (m *Manager) markTerminalLocked(o *core.InFlightOrder) {
	if !o.IsTerminal() {
		return
	}
	if _, ok := m.terminalAt[o.ClientOrderID]; !ok {
		m.terminalAt[o.ClientOrderID] = m.opts.Clock.Now()
	}
}

// OnPrivateStreamEvent applies one decoded user-stream event.
func (m *Manager) OnPrivateStreamEvent(ctx context.Context, ev core.PrivateEvent) error {
	switch e := ev.(type) {
	case core.ExecutionReport:
		m.onExecutionReport(ctx, e)
		return nil
	case core.AccountPosition:
		m.applyPosition(ctx, e)
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("%w: unsupported private event %T", core.ErrDecode, ev)
	}
}

func (m *Manager) onExecutionReport(ctx context.Context, r core.ExecutionReport) {
	if fill, ok := r.Fill(); ok {
		m.applyFill(ctx, fill)
	}
	u := r.Update()
	m.mu.Lock()
	order := m.lookupLocked(u.ClientOrderID, u.ExchangeOrderID)
	m.mu.Unlock()
	if order == nil {
		m.log.WithFields(logrus.Fields{"event": "report_untracked", "client_id": u.ClientOrderID, "exchange_id": u.ExchangeOrderID}).Debug("report for untracked order ignored")
		return
	}
	m.applyUpdate(ctx, order, u)
}

// Order returns a copy of a tracked order.
func (m *Manager) Order(clientOrderID string) (*core.InFlightOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// ActiveOrders returns copies of the orders not yet in a terminal state.
func (m *Manager) ActiveOrders() []*core.InFlightOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() []*core.InFlightOrder {
	out := make([]*core.InFlightOrder, 0, len(m.orders))
	for _, o := range m.orders {
		if !o.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) hasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if !o.IsTerminal() {
			return true
		}
	}
	return false
}

// Restore re-tracks orders from a previous run. They are status-polled
// before the first regular poll cycle.
func (m *Manager) Restore(orders []*core.InFlightOrder) int {
	m.mu.Lock()
	n := 0
	for _, o := range orders {
		if o == nil || o.ClientOrderID == "" || o.IsTerminal() {
			continue
		}
		cp := o.Clone()
		if !cp.HasExchangeID() && cp.ExchangeOrderID == "" {
			// The create call never returned; only a status poll can tell.
			cp.ExchangeOrderID = core.UnknownExchangeOrderID
		}
		cp.NeedsStatusCheck = true
		m.orders[cp.ClientOrderID] = cp
		if cp.HasExchangeID() {
			m.byExchangeID[cp.ExchangeOrderID] = cp.ClientOrderID
		}
		for tradeID := range cp.Fills {
			m.dedup.SetDefault(fillKey(cp.Pair, tradeID), struct{}{})
		}
		n++
	}
	m.mu.Unlock()
	if n > 0 {
		m.pollMu.Lock()
		m.restorePending = true
		m.pollMu.Unlock()
		m.log.WithFields(logrus.Fields{"event": "orders_restored", "count": n}).Info("tracking restored orders")
	}
	return n
}

func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SaveTrackedOrders(m.ActiveOrders()); err != nil {
		m.log.WithField("event", "tracked_orders_write_failed").WithError(err).Warn("persist tracked orders failed")
	}
}

// pruneTerminal drops settled orders once late fills can no longer arrive.
func (m *Manager) pruneTerminal(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for cid, at := range m.terminalAt {
		if now.Sub(at) < m.opts.TerminalRetention {
			continue
		}
		if o, ok := m.orders[cid]; ok && o.ExchangeOrderID != "" {
			delete(m.byExchangeID, o.ExchangeOrderID)
		}
		delete(m.orders, cid)
		delete(m.terminalAt, cid)
		removed++
	}
	return removed
}

func (m *Manager) emitState(ctx context.Context, o *core.InFlightOrder) {
	m.emit(ctx, core.LifecycleEvent{Kind: core.OrderStateChanged, Time: o.LastUpdate, Order: o})
}

func (m *Manager) emit(ctx context.Context, ev core.LifecycleEvent) {
	if m.opts.Events == nil {
		return
	}
	if err := m.opts.Events.Push(ctx, ev); err != nil {
		m.log.WithFields(logrus.Fields{"event": "lifecycle_event_dropped", "kind": ev.Kind.String()}).WithError(err).Debug("lifecycle event not delivered")
	}
}

func (m *Manager) alert(event string, fields map[string]string) {
	if m.opts.Alerts != nil {
		m.opts.Alerts.Important(event, fields)
	}
}

// noteFailure tracks consecutive failures per operation and raises one
// alert per streak. Bad credentials alert at once; transport failures only
// after a few in a row. The same split is logged so it shows without alerts.
func (m *Manager) noteFailure(op string, err error) {
	auth := errors.Is(err, core.ErrAuthentication) || errors.Is(err, core.ErrInvalidCredentials)
	transient := errors.Is(err, core.ErrTransient)
	if !auth && !transient {
		return
	}
	m.failMu.Lock()
	m.failures[op]++
	n := m.failures[op]
	m.failMu.Unlock()
	switch {
	case auth && n == 1:
		m.log.WithFields(logrus.Fields{"event": alert.EventAuthFailed, "operation": op}).WithError(err).Error("venue rejected credentials")
		m.alert(alert.EventAuthFailed, map[string]string{"operation": op, "error": err.Error()})
	case !auth && n == unreachableAlertAfterFailure:
		m.log.WithFields(logrus.Fields{"event": alert.EventVenueUnreachable, "operation": op, "consecutive_failures": n}).WithError(err).Error("venue unreachable")
		m.alert(alert.EventVenueUnreachable, map[string]string{"operation": op, "consecutive_failures": strconv.Itoa(n), "error": err.Error()})
	}
}

func (m *Manager) noteSuccess(op string) {
	m.failMu.Lock()
	delete(m.failures, op)
	m.failMu.Unlock()
}
