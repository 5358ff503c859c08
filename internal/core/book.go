package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type BookEventKind int

const (
	BookSnapshot BookEventKind = iota + 1
	BookDiff
	BookTrade
)

func (k BookEventKind) String() string {
	switch k {
	case BookSnapshot:
		return "snapshot"
	case BookDiff:
		return "diff"
	case BookTrade:
		return "trade"
	default:
		return "unknown"
	}
}

type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// PublicTrade is one print from the public trade stream.
type PublicTrade struct {
	TradeID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
	// TakerSide is the aggressor side as reported by the venue.
	TakerSide Side
}

// BookEvent is one item of the market data pipeline. Snapshot and Diff carry
// levels; Trade carries a print. A zero quantity level in a diff removes it.
type BookEvent struct {
	Kind          BookEventKind
	Pair          string
	Time          time.Time
	FirstUpdateID int64
	LastUpdateID  int64
	Bids          []PriceLevel
	Asks          []PriceLevel
	Trade         *PublicTrade
	ReceivedAt    time.Time
}

// HasSequence reports whether the venue attached update ids to the event.
func (e BookEvent) HasSequence() bool {
	return e.LastUpdateID > 0
}

// OrderBook mirrors the venue book for one pair. It is not safe for
// concurrent use; the book maintainer owns it.
type OrderBook struct {
	Pair         string
	LastUpdateID int64
	UpdatedAt    time.Time
	bids         map[string]PriceLevel
	asks         map[string]PriceLevel
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		Pair: pair,
		bids: make(map[string]PriceLevel),
		asks: make(map[string]PriceLevel),
	}
}

// ApplySnapshot replaces every level.
func (b *OrderBook) ApplySnapshot(ev BookEvent) {
	b.bids = make(map[string]PriceLevel, len(ev.Bids))
	b.asks = make(map[string]PriceLevel, len(ev.Asks))
	setLevels(b.bids, ev.Bids)
	setLevels(b.asks, ev.Asks)
	b.LastUpdateID = ev.LastUpdateID
	b.UpdatedAt = ev.Time
}

func (b *OrderBook) ApplyDiff(ev BookEvent) {
	if b.bids == nil {
		b.bids = make(map[string]PriceLevel)
	}
	if b.asks == nil {
		b.asks = make(map[string]PriceLevel)
	}
	setLevels(b.bids, ev.Bids)
	setLevels(b.asks, ev.Asks)
	if ev.LastUpdateID > b.LastUpdateID {
		b.LastUpdateID = ev.LastUpdateID
	}
	if ev.Time.After(b.UpdatedAt) {
		b.UpdatedAt = ev.Time
	}
}

func setLevels(side map[string]PriceLevel, levels []PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if !lvl.Qty.IsPositive() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

// Bids returns levels best first (highest price).
func (b *OrderBook) Bids() []PriceLevel {
	out := levelsOf(b.bids)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

// Asks returns levels best first (lowest price).
func (b *OrderBook) Asks() []PriceLevel {
	out := levelsOf(b.asks)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func levelsOf(side map[string]PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	return out
}

func (b *OrderBook) BestBid() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, lvl := range b.bids {
		if !found || lvl.Price.GreaterThan(best.Price) {
			best, found = lvl, true
		}
	}
	return best, found
}

func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, lvl := range b.asks {
		if !found || lvl.Price.LessThan(best.Price) {
			best, found = lvl, true
		}
	}
	return best, found
}

func (b *OrderBook) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

func (b *OrderBook) Copy() *OrderBook {
	cp := &OrderBook{
		Pair:         b.Pair,
		LastUpdateID: b.LastUpdateID,
		UpdatedAt:    b.UpdatedAt,
		bids:         make(map[string]PriceLevel, len(b.bids)),
		asks:         make(map[string]PriceLevel, len(b.asks)),
	}
	for k, v := range b.bids {
		cp.bids[k] = v
	}
	for k, v := range b.asks {
		cp.asks[k] = v
	}
	return cp
}
