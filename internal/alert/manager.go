package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/logging"
)

// Operator alert events. Auth failures are kept apart from reachability so
// a revoked key is not mistaken for a venue outage.
const (
	EventConnectorStarted = "connector_started"
	EventConnectorStopped = "connector_stopped"
	EventAuthFailed       = "auth_failed"
	EventVenueUnreachable = "venue_unreachable"
	EventCircuitOpen      = "circuit_open"
	EventOrderFailed      = "order_failed"
	EventOrderUnknown     = "order_outcome_unknown"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	Mode               string
	InstanceID         string
	Pairs              []string
	QueueSize          int
	DropReportInterval time.Duration
	Logger             logrus.FieldLogger
}

// Manager delivers alerts on a background goroutine. Important never blocks;
// alerts beyond the queue are counted and reported in the log.
type Manager struct {
	mode                 string
	instanceID           string
	pairs                string
	notifier             Notifier
	log                  *logrus.Entry
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	at     time.Time
	fields map[string]string
}

// NewManager returns nil when notifier is nil. A nil *Manager is a valid
// Alerter that drops everything.
func NewManager(notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               opts.Mode,
		instanceID:         opts.InstanceID,
		pairs:              strings.Join(opts.Pairs, ","),
		notifier:           notifier,
		log:                logging.Component(opts.Logger, "alert"),
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{event: event, at: time.Now().UTC(), fields: cloneFields(fields)}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is logged at once; the rest go into the summary.
		if droppedInWindow == 1 {
			m.log.WithFields(logrus.Fields{
				"event":         "alert_queue_dropped",
				"target_event":  event,
				"reason":        "queue_full",
				"dropped_total": droppedTotal,
				"queue_len":     len(m.queue),
				"queue_cap":     cap(m.queue),
			}).Warn("alert dropped")
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"event":               "alert_queue_dropped_report",
		"dropped_since_last":  dropped,
		"dropped_total":       atomic.LoadUint64(&m.droppedTotal),
		"report_interval_sec": int64(m.dropReportInterval / time.Second),
		"queue_len":           len(m.queue),
		"queue_cap":           cap(m.queue),
	}).Warn("alerts dropped since last report")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithFields(logrus.Fields{"event": "alert_notify_failed", "target_event": ev.event}).WithError(err).Error("alert delivery failed")
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	lines := []string{
		"[xt-connector] important",
		"time: " + ev.at.Format(time.RFC3339),
		"mode: " + m.mode,
		"instance: " + m.instanceID,
		"pairs: " + m.pairs,
		"event: " + ev.event,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
