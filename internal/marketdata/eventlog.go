package marketdata

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xt-connector/internal/core"
)

// eventLine is the JSONL form of a BookEvent. Levels are [price, qty] pairs.
type eventLine struct {
	Kind          string       `json:"kind"`
	Pair          string       `json:"pair"`
	TimeMs        int64        `json:"time"`
	FirstUpdateID int64        `json:"first_update_id,omitempty"`
	LastUpdateID  int64        `json:"last_update_id,omitempty"`
	Bids          [][2]string  `json:"bids,omitempty"`
	Asks          [][2]string  `json:"asks,omitempty"`
	Trade         *tradeRecord `json:"trade,omitempty"`
}

type tradeRecord struct {
	ID    string `json:"id"`
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Taker string `json:"taker"`
}

func kindFromString(s string) (core.BookEventKind, bool) {
	switch s {
	case "snapshot":
		return core.BookSnapshot, true
	case "diff":
		return core.BookDiff, true
	case "trade":
		return core.BookTrade, true
	}
	return 0, false
}

func encodeLevels(levels []core.PriceLevel) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, [2]string{l.Price.String(), l.Qty.String()})
	}
	return out
}

func decodeLevels(raw [][2]string) ([]core.PriceLevel, error) {
	out := make([]core.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, err
		}
		out = append(out, core.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}

func toLine(ev core.BookEvent) eventLine {
	line := eventLine{
		Kind:          ev.Kind.String(),
		Pair:          ev.Pair,
		FirstUpdateID: ev.FirstUpdateID,
		LastUpdateID:  ev.LastUpdateID,
		Bids:          encodeLevels(ev.Bids),
		Asks:          encodeLevels(ev.Asks),
	}
	if !ev.Time.IsZero() {
		line.TimeMs = ev.Time.UnixMilli()
	}
	if ev.Trade != nil {
		line.Trade = &tradeRecord{
			ID:    ev.Trade.TradeID,
			Price: ev.Trade.Price.String(),
			Qty:   ev.Trade.Qty.String(),
			Taker: string(ev.Trade.TakerSide),
		}
	}
	return line
}

func fromLine(line eventLine) (core.BookEvent, error) {
	kind, ok := kindFromString(line.Kind)
	if !ok {
		return core.BookEvent{}, errors.New("unknown event kind " + line.Kind)
	}
	bids, err := decodeLevels(line.Bids)
	if err != nil {
		return core.BookEvent{}, err
	}
	asks, err := decodeLevels(line.Asks)
	if err != nil {
		return core.BookEvent{}, err
	}
	ev := core.BookEvent{
		Kind:          kind,
		Pair:          line.Pair,
		FirstUpdateID: line.FirstUpdateID,
		LastUpdateID:  line.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
	}
	if line.TimeMs > 0 {
		ev.Time = time.UnixMilli(line.TimeMs)
	}
	if line.Trade != nil {
		price, err := decimal.NewFromString(line.Trade.Price)
		if err != nil {
			return core.BookEvent{}, err
		}
		qty, err := decimal.NewFromString(line.Trade.Qty)
		if err != nil {
			return core.BookEvent{}, err
		}
		ev.Trade = &core.PublicTrade{TradeID: line.Trade.ID, Price: price, Qty: qty, TakerSide: core.Side(line.Trade.Taker)}
	}
	return ev, nil
}

// Recorder appends book events to a JSONL file so a session can be replayed.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &Recorder{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (r *Recorder) Record(ev core.BookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(toLine(ev))
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Feed reads recorded events back from a file or a directory of .jsonl
// files, in name order.
type Feed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
}

func NewFeed(path string) (*Feed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	f := &Feed{paths: paths}
	if err := f.openCurrent(); err != nil {
		return nil, err
	}
	return f, nil
}

// Next returns the next event or io.EOF. Blank and malformed lines are skipped.
func (f *Feed) Next() (core.BookEvent, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.BookEvent{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.BookEvent{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.BookEvent{}, io.EOF
			}
			continue
		}
		raw := strings.TrimSpace(f.scanner.Text())
		if raw == "" {
			continue
		}
		var line eventLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		ev, err := fromLine(line)
		if err != nil {
			continue
		}
		return ev, nil
	}
}

func (f *Feed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *Feed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}
