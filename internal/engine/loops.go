package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"xt-connector/internal/core"
	"xt-connector/internal/queue"
)

// StreamRunner is a private stream connection. Run blocks until ctx ends or
// the connection gives up.
type StreamRunner interface {
	Run(ctx context.Context) error
}

// pollDue reports whether a poll tick boundary was crossed between the last
// poll and now. The short cadence only counts while orders are in flight.
func pollDue(lastMs, nowMs, shortMs, longMs int64, hasActive bool) bool {
	if shortMs > 0 && hasActive && nowMs/shortMs > lastMs/shortMs {
		return true
	}
	return longMs > 0 && nowMs/longMs > lastMs/longMs
}

// fillWindowStart is the lower bound of the next fills query in ms. The
// first poll has no lower bound.
func fillWindowStart(lastPollMs, windowMs int64) int64 {
	if lastPollMs <= 0 {
		return 0
	}
	start := lastPollMs - windowMs
	if start < 0 {
		return 0
	}
	return start
}

// Run drives the private stream, the event consumer, the status and fills
// poller and the balance refresher until ctx ends. stream and events may be
// nil, in which case only the polling loops run.
func (m *Manager) Run(ctx context.Context, stream StreamRunner, events *queue.Queue[core.PrivateEvent]) error {
	g, ctx := errgroup.WithContext(ctx)
	if stream != nil {
		g.Go(func() error { return m.superviseStream(ctx, stream) })
	}
	if events != nil {
		g.Go(func() error { return m.consumeEvents(ctx, events) })
	}
	g.Go(func() error { return m.pollLoop(ctx) })
	g.Go(func() error { return m.balanceLoop(ctx) })
	err := g.Wait()
	m.persist()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) superviseStream(ctx context.Context, stream StreamRunner) error {
	for {
		err := stream.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("private stream ended")
		}
		m.noteFailure("private_stream", err)
		m.log.WithField("event", "private_stream_stopped").WithError(err).Warn("private stream stopped, restarting")
		if !m.sleep(ctx, m.opts.ErrorBackoff) {
			return ctx.Err()
		}
	}
}

func (m *Manager) consumeEvents(ctx context.Context, events *queue.Queue[core.PrivateEvent]) error {
	for {
		ev, err := events.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithField("event", "private_event_pop_failed").WithError(err).Warn("private event queue read failed")
			if !m.sleep(ctx, m.opts.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if err := m.OnPrivateStreamEvent(ctx, ev); err != nil {
			m.log.WithField("event", "private_event_rejected").WithError(err).Warn("private event not applied")
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollTick)
	defer ticker.Stop()
	for {
		if m.takeRestorePending() {
			m.pollRestored(ctx)
		}
		now := m.opts.Clock.Now()
		nowMs := now.UnixMilli()
		m.pollMu.Lock()
		last := m.lastPollMs
		m.pollMu.Unlock()
		if pollDue(last, nowMs, m.opts.ShortPoll.Milliseconds(), m.opts.LongPoll.Milliseconds(), m.hasActive()) {
			if err := m.pollCycle(ctx, now); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.WithField("event", "poll_cycle_failed").WithError(err).Warn("poll cycle failed")
				if !m.sleep(ctx, m.opts.ErrorBackoff) {
					return ctx.Err()
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) takeRestorePending() bool {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	pending := m.restorePending
	m.restorePending = false
	return pending
}

// pollRestored status-polls every restored order before regular polling.
func (m *Manager) pollRestored(ctx context.Context) {
	for _, o := range m.ActiveOrders() {
		if !o.NeedsStatusCheck {
			continue
		}
		if _, err := m.PollOrderStatus(ctx, o.ClientOrderID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			m.log.WithFields(logrus.Fields{"event": "restored_order_poll_failed", "client_id": o.ClientOrderID}).WithError(err).Warn("restored order status unavailable")
		}
	}
}

// pollCycle reconciles fills for every pair, then the status of every
// active order. The fill window overlaps the previous cycle so late
// settlements are still found.
func (m *Manager) pollCycle(ctx context.Context, now time.Time) error {
	m.pollMu.Lock()
	since := fillWindowStart(m.lastTradesPollMs, m.opts.FillWindow.Milliseconds())
	m.pollMu.Unlock()

	var firstErr error
	var sinceTime time.Time
	if since > 0 {
		sinceTime = time.UnixMilli(since)
	}
	tradesOK := true
	for _, pair := range m.opts.Pairs {
		if _, err := m.PollFillsSince(ctx, pair, sinceTime); err != nil {
			tradesOK = false
			if firstErr == nil {
				firstErr = err
			}
			m.log.WithFields(logrus.Fields{"event": "fills_poll_failed", "pair": pair}).WithError(err).Warn("fills poll failed")
		}
	}
	if tradesOK {
		m.pollMu.Lock()
		m.lastTradesPollMs = now.UnixMilli()
		m.pollMu.Unlock()
	}

	for _, o := range m.ActiveOrders() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.PollOrderStatus(ctx, o.ClientOrderID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			m.log.WithFields(logrus.Fields{"event": "status_poll_failed", "client_id": o.ClientOrderID}).WithError(err).Warn("status poll failed")
		}
	}

	m.pollMu.Lock()
	m.lastPollMs = now.UnixMilli()
	m.pollMu.Unlock()
	m.persist()
	if n := m.pruneTerminal(now); n > 0 {
		m.log.WithFields(logrus.Fields{"event": "terminal_orders_pruned", "count": n}).Debug("settled orders dropped")
	}
	return firstErr
}

func (m *Manager) balanceLoop(ctx context.Context) error {
	for {
		wait := m.opts.BalanceRefresh
		if err := m.RefreshBalances(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithField("event", "balance_refresh_failed").WithError(err).Warn("balance refresh failed")
			wait = m.opts.ErrorBackoff
		}
		if !m.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
