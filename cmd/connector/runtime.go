package main

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/config"
	"xt-connector/internal/core"
	"xt-connector/internal/engine"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
	"xt-connector/internal/marketdata"
	"xt-connector/internal/queue"
	"xt-connector/internal/store"
)

const (
	stateStarting = "starting"
	stateRunning  = "running"
	stateDegraded = "degraded"
	stateStopped  = "stopped"

	defaultHeartbeat = 30 * time.Second
)

type streamStates interface {
	State(pair string) xt.StreamState
}

type orderCounter interface {
	ActiveOrders() []*core.InFlightOrder
}

type bookStatuses interface {
	Statuses() []marketdata.Status
}

type statusWriter interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// statusReporter writes runtime_status.json for operators and watchdogs.
type statusReporter struct {
	mode       string
	instanceID string
	pairs      []string
	startedAt  time.Time
	store      statusWriter
	streams    streamStates
	orders     orderCounter
	log        *logrus.Entry
	now        func() time.Time

	disconnectedAt time.Time
}

func newStatusReporter(cfg config.Config, st statusWriter, streams streamStates, mgr *engine.Manager, logger logrus.FieldLogger) *statusReporter {
	r := &statusReporter{
		mode:       string(cfg.Mode),
		instanceID: cfg.InstanceID,
		pairs:      append([]string(nil), cfg.TradingPairs...),
		startedAt:  time.Now().UTC(),
		store:      st,
		streams:    streams,
		log:        logging.Component(logger, "runtime_status"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if mgr != nil {
		r.orders = mgr
	}
	return r
}

// disconnectedPairs lists pairs whose public stream is not streaming.
func (r *statusReporter) disconnectedPairs() []string {
	if r.streams == nil {
		return nil
	}
	var out []string
	for _, p := range r.pairs {
		if r.streams.State(p) != xt.StreamStreaming {
			out = append(out, p)
		}
	}
	return out
}

func (r *statusReporter) persist(state string, lastErr error) {
	now := r.now()
	status := store.RuntimeStatus{
		Mode:       r.mode,
		Pairs:      r.pairs,
		InstanceID: r.instanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  r.startedAt,
		UpdatedAt:  now,
	}
	if r.orders != nil {
		status.TrackedOrders = len(r.orders.ActiveOrders())
	}
	if state == stateRunning || state == stateDegraded {
		if down := r.disconnectedPairs(); len(down) > 0 {
			if r.disconnectedAt.IsZero() {
				r.disconnectedAt = now
			}
			status.State = stateDegraded
			t := r.disconnectedAt
			status.DisconnectedAt = &t
		} else {
			r.disconnectedAt = time.Time{}
		}
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.store.SaveRuntimeStatus(status); err != nil {
		r.log.WithField("event", "runtime_status_write_failed").WithError(err).Warn("runtime status not written")
	}
}

// run refreshes the status file and logs a per-pair book summary on every
// heartbeat.
func (r *statusReporter) run(ctx context.Context, every time.Duration, books bookStatuses) error {
	if every <= 0 {
		every = defaultHeartbeat
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	r.persist(stateRunning, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.persist(stateRunning, nil)
			if books != nil {
				r.logBooks(books.Statuses())
			}
		}
	}
}

func (r *statusReporter) logBooks(statuses []marketdata.Status) {
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Pair < statuses[j].Pair })
	for _, s := range statuses {
		r.log.WithFields(logrus.Fields{
			"event":          "book_status",
			"pair":           s.Pair,
			"ready":          s.Ready,
			"stale":          s.Stale,
			"last_update_id": s.LastUpdateID,
			"buffered":       s.Buffered,
		}).Info("book heartbeat")
	}
}

// drainBookEvents stands in for the strategy layer: applied book events are
// consumed so the output queue never backs up.
func drainBookEvents(ctx context.Context, q *queue.Queue[core.BookEvent], logger logrus.FieldLogger) error {
	log := logging.Component(logger, "book_events")
	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		if ev.Kind == core.BookTrade && ev.Trade != nil {
			log.WithFields(logrus.Fields{
				"event": "public_trade",
				"pair":  ev.Pair,
				"price": ev.Trade.Price.String(),
				"qty":   ev.Trade.Qty.String(),
			}).Debug("trade")
		}
	}
}

func drainLifecycleEvents(ctx context.Context, q *queue.Queue[core.LifecycleEvent], logger logrus.FieldLogger) error {
	log := logging.Component(logger, "lifecycle_events")
	for {
		ev, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		fields := logrus.Fields{"event": ev.Kind.String()}
		if ev.Order != nil {
			fields["client_id"] = ev.Order.ClientOrderID
			fields["pair"] = ev.Order.Pair
			fields["state"] = string(ev.Order.State)
			fields["filled_qty"] = ev.Order.FilledQty.String()
		}
		if ev.Fill != nil {
			fields["trade_id"] = ev.Fill.TradeID
			fields["fill_qty"] = ev.Fill.Qty.String()
			fields["fill_price"] = ev.Fill.Price.String()
		}
		if len(ev.Balances) > 0 {
			fields["assets"] = len(ev.Balances)
		}
		log.WithFields(fields).Info("lifecycle event")
	}
}
