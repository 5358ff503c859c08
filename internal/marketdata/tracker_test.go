package marketdata

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xt-connector/internal/core"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/queue"
)

const pair = "X-USDT"

type recordingResnap struct {
	mu    sync.Mutex
	pairs []string
}

func (r *recordingResnap) RequestResnapshot(p string) {
	r.mu.Lock()
	r.pairs = append(r.pairs, p)
	r.mu.Unlock()
}

func (r *recordingResnap) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func lvl(price, qty string) core.PriceLevel {
	return core.PriceLevel{Price: decimal.RequireFromString(price), Qty: decimal.RequireFromString(qty)}
}

func at(ms int64) time.Time { return time.UnixMilli(1700000000000 + ms) }

func snapshot(id int64, ms int64) core.BookEvent {
	return core.BookEvent{
		Kind:         core.BookSnapshot,
		Pair:         pair,
		Time:         at(ms),
		LastUpdateID: id,
		Bids:         []core.PriceLevel{lvl("1.00", "5"), lvl("0.99", "8")},
		Asks:         []core.PriceLevel{lvl("1.01", "4"), lvl("1.02", "9")},
	}
}

func diff(first, last int64, ms int64, bids, asks []core.PriceLevel) core.BookEvent {
	return core.BookEvent{
		Kind:          core.BookDiff,
		Pair:          pair,
		Time:          at(ms),
		FirstUpdateID: first,
		LastUpdateID:  last,
		Bids:          bids,
		Asks:          asks,
	}
}

func sequence() []core.BookEvent {
	return []core.BookEvent{
		snapshot(100, 0),
		diff(101, 101, 10, []core.PriceLevel{lvl("1.00", "6")}, nil),
		diff(102, 104, 20, nil, []core.PriceLevel{lvl("1.01", "0")}),
		diff(105, 105, 30, []core.PriceLevel{lvl("1.005", "2")}, []core.PriceLevel{lvl("1.015", "1")}),
		{Kind: core.BookTrade, Pair: pair, Time: at(35), Trade: &core.PublicTrade{TradeID: "t9", Price: decimal.RequireFromString("1.005"), Qty: decimal.RequireFromString("1"), TakerSide: core.Sell}},
		diff(106, 107, 40, []core.PriceLevel{lvl("0.99", "0")}, nil),
	}
}

func applyAll(t *testing.T, tr *Tracker, events []core.BookEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, tr.Apply(context.Background(), ev))
	}
}

func TestTrackerSnapshotThenDiffs(t *testing.T) {
	tr := NewTracker(nil, Options{Pairs: []string{pair}})
	_, ok := tr.Book(pair)
	assert.False(t, ok, "book ready before snapshot")

	applyAll(t, tr, sequence())

	book, ok := tr.Book(pair)
	require.True(t, ok)
	assert.Equal(t, int64(107), book.LastUpdateID)
	bids := book.Bids()
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(decimal.RequireFromString("1.005")))
	assert.True(t, bids[1].Qty.Equal(decimal.NewFromInt(6)))
	asks := book.Asks()
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Price.Equal(decimal.RequireFromString("1.015")))

	bid, ask, ok := tr.BestBidAsk(pair)
	require.True(t, ok)
	assert.Equal(t, "1.005", bid.Price.String())
	assert.Equal(t, "1.015", ask.Price.String())
}

func TestTrackerIgnoresCoveredDiffs(t *testing.T) {
	tr := NewTracker(nil, Options{Pairs: []string{pair}})
	applyAll(t, tr, []core.BookEvent{
		snapshot(100, 0),
		diff(90, 100, 5, []core.PriceLevel{lvl("1.00", "99")}, nil),
	})
	book, _ := tr.Book(pair)
	assert.Equal(t, int64(100), book.LastUpdateID)
	best, _ := book.BestBid()
	assert.True(t, best.Qty.Equal(decimal.NewFromInt(5)), "covered diff was applied")

	// A diff straddling the snapshot id is still applied.
	applyAll(t, tr, []core.BookEvent{diff(95, 102, 6, []core.PriceLevel{lvl("1.00", "7")}, nil)})
	book, _ = tr.Book(pair)
	assert.Equal(t, int64(102), book.LastUpdateID)
}

func TestTrackerGapForcesResnapshot(t *testing.T) {
	resnap := &recordingResnap{}
	tr := NewTracker(resnap, Options{Pairs: []string{pair}})
	applyAll(t, tr, []core.BookEvent{
		snapshot(100, 0),
		diff(101, 101, 10, []core.PriceLevel{lvl("1.00", "6")}, nil),
		diff(110, 112, 20, []core.PriceLevel{lvl("1.00", "1")}, nil),
		diff(113, 113, 30, []core.PriceLevel{lvl("0.98", "3")}, nil),
	})
	assert.True(t, tr.Stale(pair))
	assert.Equal(t, 1, resnap.count())
	book, _ := tr.Book(pair)
	assert.Equal(t, int64(101), book.LastUpdateID, "diffs after a gap must not be applied")

	next := snapshot(111, 25)
	next.Bids = []core.PriceLevel{lvl("1.00", "2")}
	applyAll(t, tr, []core.BookEvent{next})
	assert.False(t, tr.Stale(pair))
	book, _ = tr.Book(pair)
	assert.Equal(t, int64(113), book.LastUpdateID)
	best, _ := book.BestBid()
	assert.True(t, best.Qty.Equal(decimal.NewFromInt(1)), "buffered diff 110-112 replays over the snapshot")
	assert.Len(t, book.Bids(), 2)
}

func TestTrackerBuffersDiffsBeforeFirstSnapshot(t *testing.T) {
	tr := NewTracker(nil, Options{Pairs: []string{pair}})
	applyAll(t, tr, []core.BookEvent{
		diff(102, 102, 20, []core.PriceLevel{lvl("1.00", "3")}, nil),
		diff(99, 100, 5, []core.PriceLevel{lvl("1.00", "50")}, nil),
		diff(101, 101, 10, []core.PriceLevel{lvl("0.97", "1")}, nil),
	})
	_, ok := tr.Book(pair)
	require.False(t, ok)

	applyAll(t, tr, []core.BookEvent{snapshot(100, 0)})
	book, ok := tr.Book(pair)
	require.True(t, ok)
	assert.Equal(t, int64(102), book.LastUpdateID)
	best, _ := book.BestBid()
	assert.True(t, best.Qty.Equal(decimal.NewFromInt(3)))
	assert.Len(t, book.Bids(), 3)
}

func TestTrackerTimestampFallback(t *testing.T) {
	tr := NewTracker(nil, Options{Pairs: []string{pair}})
	snap := snapshot(0, 100)
	applyAll(t, tr, []core.BookEvent{
		snap,
		diff(0, 0, 50, []core.PriceLevel{lvl("1.00", "77")}, nil),
		diff(0, 0, 150, []core.PriceLevel{lvl("1.00", "6")}, nil),
	})
	book, _ := tr.Book(pair)
	best, _ := book.BestBid()
	assert.True(t, best.Qty.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, at(150), book.UpdatedAt)
}

func TestTrackerBufferIsBounded(t *testing.T) {
	tr := NewTracker(nil, Options{Pairs: []string{pair}, BufferSize: 3})
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tr.Apply(context.Background(), diff(100+i, 100+i, i, nil, nil)))
	}
	statuses := tr.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 3, statuses[0].Buffered)
	assert.False(t, statuses[0].Ready)
}

func TestPushAndReplayProduceSameBook(t *testing.T) {
	events := sequence()

	// Push path: events flow through the stream queues and Run.
	in := xt.NewBookQueues(64, queue.Block)
	out := queue.New[core.BookEvent]("book_events", 64, queue.DropOldest)
	pushed := NewTracker(nil, Options{Pairs: []string{pair}, Output: out})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pushed.Run(ctx, in) }()
	// The snapshot has to land before diffs are queued so the three
	// channels cannot reorder them.
	require.NoError(t, in.Snapshots.Push(ctx, events[0]))
	require.Eventually(t, func() bool { _, ok := pushed.Book(pair); return ok }, 2*time.Second, 5*time.Millisecond)
	for _, ev := range events[1:] {
		dst := in.Diffs
		if ev.Kind == core.BookTrade {
			dst = in.Trades
		}
		require.NoError(t, dst.Push(ctx, ev))
	}
	require.Eventually(t, func() bool {
		b, _ := pushed.Book(pair)
		return b.LastUpdateID == 107 && out.Len() == len(events)
	}, 2*time.Second, 5*time.Millisecond, "every applied event is emitted")
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Replay path: the same events recorded to a log and read back.
	path := filepath.Join(t.TempDir(), "session.jsonl")
	rec, err := NewRecorder(path)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, rec.Record(ev))
	}
	require.NoError(t, rec.Close())

	feed, err := NewFeed(path)
	require.NoError(t, err)
	defer feed.Close()
	replayed := NewTracker(nil, Options{Pairs: []string{pair}})
	n := 0
	for {
		ev, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NoError(t, replayed.Apply(context.Background(), ev))
		n++
	}
	require.Equal(t, len(events), n)

	a, _ := pushed.Book(pair)
	b, _ := replayed.Book(pair)
	assert.Equal(t, a.LastUpdateID, b.LastUpdateID)
	assert.Equal(t, a.UpdatedAt.UnixMilli(), b.UpdatedAt.UnixMilli())
	assert.Equal(t, levelStrings(a.Bids()), levelStrings(b.Bids()))
	assert.Equal(t, levelStrings(a.Asks()), levelStrings(b.Asks()))
}

func levelStrings(levels []core.PriceLevel) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Price.String()+"@"+l.Qty.String())
	}
	return out
}
