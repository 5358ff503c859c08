package marketdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/core"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
	"xt-connector/internal/queue"
)

const defaultBufferSize = 1000

// Resnapshotter is asked for a fresh snapshot when a pair's book falls
// behind the diff stream.
type Resnapshotter interface {
	RequestResnapshot(pair string)
}

type Options struct {
	Pairs      []string
	BufferSize int
	// Output receives every applied snapshot, diff and trade. Nil disables it.
	Output *queue.Queue[core.BookEvent]
	Logger logrus.FieldLogger
}

type pairBook struct {
	book   *core.OrderBook
	ready  bool
	stale  bool
	buffer []core.BookEvent
}

// Tracker owns one order book per pair and keeps it in step with the
// snapshot and diff streams.
type Tracker struct {
	resnap     Resnapshotter
	out        *queue.Queue[core.BookEvent]
	bufferSize int
	log        *logrus.Entry

	mu    sync.RWMutex
	books map[string]*pairBook
}

func NewTracker(resnap Resnapshotter, opts Options) *Tracker {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	t := &Tracker{
		resnap:     resnap,
		out:        opts.Output,
		bufferSize: size,
		log:        logging.Component(opts.Logger, "book_tracker"),
		books:      make(map[string]*pairBook, len(opts.Pairs)),
	}
	for _, pair := range opts.Pairs {
		t.books[pair] = &pairBook{book: core.NewOrderBook(pair)}
	}
	return t
}

// Run consumes the stream queues until ctx ends.
func (t *Tracker) Run(ctx context.Context, in xt.BookQueues) error {
	for {
		var (
			ev core.BookEvent
			ok bool
		)
		// Snapshots first so a pending resnapshot is not starved by diffs.
		select {
		case ev, ok = <-in.Snapshots.C():
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok = <-in.Snapshots.C():
			case ev, ok = <-in.Diffs.C():
			case ev, ok = <-in.Trades.C():
			}
		}
		if !ok {
			return errors.New("book queue closed")
		}
		if err := t.Apply(ctx, ev); err != nil {
			return err
		}
	}
}

// Apply feeds one event through the book rules. The push path and log
// replay both go through here.
func (t *Tracker) Apply(ctx context.Context, ev core.BookEvent) error {
	var emit []core.BookEvent
	switch ev.Kind {
	case core.BookSnapshot:
		emit = t.applySnapshot(ev)
	case core.BookDiff:
		emit = t.applyDiff(ev)
	case core.BookTrade:
		emit = []core.BookEvent{ev}
	default:
		t.log.WithFields(logrus.Fields{"event": "book_event_unknown", "kind": ev.Kind.String()}).Warn("dropping book event")
		return nil
	}
	if t.out == nil {
		return nil
	}
	for _, e := range emit {
		if err := t.out.Push(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) entry(pair string) *pairBook {
	pb, ok := t.books[pair]
	if !ok {
		pb = &pairBook{book: core.NewOrderBook(pair)}
		t.books[pair] = pb
	}
	return pb
}

func (t *Tracker) applySnapshot(ev core.BookEvent) []core.BookEvent {
	t.mu.Lock()
	pb := t.entry(ev.Pair)
	pb.book.ApplySnapshot(ev)
	pb.ready = true
	pb.stale = false
	pending := pb.buffer
	pb.buffer = nil
	sortDiffs(pending)
	emit := []core.BookEvent{ev}
	replayed := 0
	for _, d := range pending {
		if out, applied := t.applyDiffLocked(pb, d); applied {
			emit = append(emit, out)
			replayed++
		}
	}
	stale := pb.stale
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"event":          "book_snapshot_applied",
		"pair":           ev.Pair,
		"last_update_id": ev.LastUpdateID,
		"replayed":       replayed,
	}).Debug("order book reset")
	if stale {
		t.requestResnapshot(ev.Pair)
	}
	return emit
}

func (t *Tracker) applyDiff(ev core.BookEvent) []core.BookEvent {
	t.mu.Lock()
	pb := t.entry(ev.Pair)
	if !pb.ready || pb.stale {
		t.bufferLocked(pb, ev)
		t.mu.Unlock()
		return nil
	}
	out, applied := t.applyDiffLocked(pb, ev)
	stale := pb.stale
	t.mu.Unlock()
	if stale {
		t.requestResnapshot(ev.Pair)
	}
	if !applied {
		return nil
	}
	return []core.BookEvent{out}
}

// applyDiffLocked applies d or decides it is already covered. A gap marks
// the book stale and parks d for the next snapshot.
func (t *Tracker) applyDiffLocked(pb *pairBook, d core.BookEvent) (core.BookEvent, bool) {
	if pb.stale {
		t.bufferLocked(pb, d)
		return core.BookEvent{}, false
	}
	book := pb.book
	if d.HasSequence() && book.LastUpdateID > 0 {
		if d.LastUpdateID <= book.LastUpdateID {
			return core.BookEvent{}, false
		}
		if d.FirstUpdateID > book.LastUpdateID+1 {
			pb.stale = true
			t.bufferLocked(pb, d)
			t.log.WithFields(logrus.Fields{
				"event":    "book_gap",
				"pair":     d.Pair,
				"book_id":  book.LastUpdateID,
				"first_id": d.FirstUpdateID,
				"last_id":  d.LastUpdateID,
			}).Warn("diff sequence gap, resnapshot requested")
			return core.BookEvent{}, false
		}
	} else if !d.Time.IsZero() && d.Time.Before(book.UpdatedAt) {
		return core.BookEvent{}, false
	}
	book.ApplyDiff(d)
	return d, true
}

func (t *Tracker) bufferLocked(pb *pairBook, d core.BookEvent) {
	if len(pb.buffer) >= t.bufferSize {
		pb.buffer = pb.buffer[1:]
		t.log.WithFields(logrus.Fields{"event": "book_buffer_full", "pair": d.Pair}).Debug("dropping oldest buffered diff")
	}
	pb.buffer = append(pb.buffer, d)
}

func (t *Tracker) requestResnapshot(pair string) {
	if t.resnap != nil {
		t.resnap.RequestResnapshot(pair)
	}
}

// sortDiffs orders by sequence when present, otherwise by venue time.
func sortDiffs(diffs []core.BookEvent) {
	sort.SliceStable(diffs, func(i, j int) bool {
		a, b := diffs[i], diffs[j]
		if a.HasSequence() && b.HasSequence() {
			return a.LastUpdateID < b.LastUpdateID
		}
		return a.Time.Before(b.Time)
	})
}

// Book returns a copy of the pair's book. ok is false until the first
// snapshot has been applied.
func (t *Tracker) Book(pair string) (core.OrderBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pb, ok := t.books[pair]
	if !ok || !pb.ready {
		return core.OrderBook{}, false
	}
	return *pb.book.Copy(), true
}

func (t *Tracker) BestBidAsk(pair string) (bid, ask core.PriceLevel, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pb, found := t.books[pair]
	if !found || !pb.ready {
		return core.PriceLevel{}, core.PriceLevel{}, false
	}
	bid, hasBid := pb.book.BestBid()
	ask, hasAsk := pb.book.BestAsk()
	return bid, ask, hasBid && hasAsk
}

// Stale reports whether the pair is waiting for a resnapshot.
func (t *Tracker) Stale(pair string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pb, ok := t.books[pair]
	return ok && pb.stale
}

// Status is a point-in-time summary of one pair.
type Status struct {
	Pair         string
	Ready        bool
	Stale        bool
	LastUpdateID int64
	UpdatedAt    time.Time
	Buffered     int
}

func (t *Tracker) Statuses() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.books))
	for pair, pb := range t.books {
		out = append(out, Status{
			Pair:         pair,
			Ready:        pb.ready,
			Stale:        pb.stale,
			LastUpdateID: pb.book.LastUpdateID,
			UpdatedAt:    pb.book.UpdatedAt,
			Buffered:     len(pb.buffer),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}
