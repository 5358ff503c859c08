package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/core"
	"xt-connector/internal/logging"
)

// TrackedOrdersSnapshot is the on-disk form of the lifecycle manager's
// active orders.
type TrackedOrdersSnapshot struct {
	SnapshotID string                `json:"snapshot_id"`
	Orders     []*core.InFlightOrder `json:"orders"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type FillLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Pairs             []string   `json:"pairs"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	TrackedOrders     int        `json:"tracked_orders"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Persister is the slice of the store the lifecycle manager writes to.
type Persister interface {
	SaveTrackedOrders(orders []*core.InFlightOrder) error
	HasFillKey(key string) (bool, error)
	RecordFillKey(key string, seenAt time.Time) error
}

type Store struct {
	root string
	log  *logrus.Entry

	mu                sync.Mutex
	fillLedgerLoaded  bool
	fillLedger        map[string]struct{}
	fillLedgerEntries []FillLedgerEntry
}

const (
	fillLedgerMaxEntries    = 10000
	fillLedgerTrimToEntries = 8000
)

func New(root string, log logrus.FieldLogger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create state dir")
	}
	return &Store{root: root, log: logging.Component(log, "store")}, nil
}

func (s *Store) Root() string { return s.root }

// SaveTrackedOrders replaces the snapshot. Orders are written sorted by
// client id so consecutive snapshots diff cleanly.
func (s *Store) SaveTrackedOrders(orders []*core.InFlightOrder) error {
	payload := TrackedOrdersSnapshot{
		SnapshotID: uuid.NewString(),
		Orders:     make([]*core.InFlightOrder, 0, len(orders)),
		UpdatedAt:  time.Now().UTC(),
	}
	for _, o := range orders {
		if o != nil {
			payload.Orders = append(payload.Orders, o)
		}
	}
	sort.Slice(payload.Orders, func(i, j int) bool {
		return payload.Orders[i].ClientOrderID < payload.Orders[j].ClientOrderID
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.ordersPath(), payload)
}

func (s *Store) LoadTrackedOrders() (TrackedOrdersSnapshot, bool, error) {
	data, err := os.ReadFile(s.ordersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return TrackedOrdersSnapshot{}, false, nil
		}
		return TrackedOrdersSnapshot{}, false, err
	}
	snapshot, err := decodeTrackedOrders(data)
	if err != nil {
		return TrackedOrdersSnapshot{}, false, pkgerrors.Wrap(err, "decode tracked orders")
	}
	return snapshot, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// HasFillKey reports whether a fill key was recorded by this or an earlier run.
func (s *Store) HasFillKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadFillLedgerLocked(); err != nil {
		return false, err
	}
	_, ok := s.fillLedger[key]
	return ok, nil
}

func (s *Store) RecordFillKey(key string, seenAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadFillLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.fillLedger[key]; ok {
		return nil
	}

	entry := FillLedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.fillLedgerPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.fillLedger[key] = struct{}{}
	s.fillLedgerEntries = append(s.fillLedgerEntries, entry)
	if len(s.fillLedgerEntries) > fillLedgerMaxEntries {
		return s.trimFillLedgerLocked()
	}
	return nil
}

// trimFillLedgerLocked keeps the newest entries. Older keys belong to
// fills far outside any poll window.
func (s *Store) trimFillLedgerLocked() error {
	if len(s.fillLedgerEntries) <= fillLedgerMaxEntries {
		return nil
	}
	keep := fillLedgerTrimToEntries
	if keep > len(s.fillLedgerEntries) {
		keep = len(s.fillLedgerEntries)
	}
	kept := append([]FillLedgerEntry(nil), s.fillLedgerEntries[len(s.fillLedgerEntries)-keep:]...)
	if err := s.writeJSONLinesAtomic(s.fillLedgerPath(), kept); err != nil {
		return err
	}
	s.fillLedgerEntries = kept
	s.fillLedger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.fillLedger[entry.Key] = struct{}{}
	}
	s.log.WithFields(logrus.Fields{"event": "fill_ledger_trimmed", "kept": len(kept)}).Debug("fill ledger trimmed")
	return nil
}

func (s *Store) loadFillLedgerLocked() error {
	if s.fillLedgerLoaded {
		return nil
	}
	s.fillLedger = make(map[string]struct{})
	s.fillLedgerEntries = make([]FillLedgerEntry, 0)
	f, err := os.Open(s.fillLedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.fillLedgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	loadedAt := time.Now().UTC()
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry FillLedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		if _, ok := s.fillLedger[key]; ok {
			continue
		}
		entry.Key = key
		if entry.SeenAt.IsZero() {
			entry.SeenAt = loadedAt
		}
		s.fillLedger[key] = struct{}{}
		s.fillLedgerEntries = append(s.fillLedgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if skipped > 0 {
		s.log.WithFields(logrus.Fields{"event": "fill_ledger_lines_skipped", "count": skipped}).Warn("malformed fill ledger lines ignored")
	}
	if len(s.fillLedgerEntries) > fillLedgerMaxEntries {
		if err := s.trimFillLedgerLocked(); err != nil {
			return err
		}
	}
	s.fillLedgerLoaded = true
	return nil
}

func (s *Store) ordersPath() string {
	return filepath.Join(s.root, "tracked_orders.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) fillLedgerPath() string {
	return filepath.Join(s.root, "fill_ledger.jsonl")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	return s.writeAtomic(path, func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func (s *Store) writeJSONLinesAtomic(path string, entries []FillLedgerEntry) error {
	return s.writeAtomic(path, func(enc *json.Encoder) error {
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeAtomic writes to a temp file in the same directory and renames it
// over path.
func (s *Store) writeAtomic(path string, encode func(*json.Encoder) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := encode(json.NewEncoder(tmp)); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDirBestEffort(dir, path)
	return nil
}

func (s *Store) fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.log.WithFields(logrus.Fields{"event": "store_dir_fsync_skipped", "reason": err.Error(), "dir": dir, "target": path}).Warn("dir fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.WithFields(logrus.Fields{"event": "store_dir_fsync_failed", "reason": err.Error(), "dir": dir, "target": path}).Warn("dir fsync failed")
	}
}

func decodeTrackedOrders(data []byte) (TrackedOrdersSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return TrackedOrdersSnapshot{}, errors.New("tracked orders snapshot is empty")
	}
	var snapshot TrackedOrdersSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return TrackedOrdersSnapshot{}, err
	}
	orders := snapshot.Orders[:0]
	for _, o := range snapshot.Orders {
		if o == nil || o.ClientOrderID == "" {
			continue
		}
		if o.Fills == nil {
			o.Fills = make(map[string]core.TradeFill)
		}
		orders = append(orders, o)
	}
	snapshot.Orders = orders
	return snapshot, nil
}
