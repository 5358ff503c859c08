package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/alert"
	"xt-connector/internal/core"
	"xt-connector/internal/logging"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown       = 30 * time.Second
	defaultProbeSuccesses = 1

	actionPlace  = "place order"
	actionCancel = "cancel order"
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

type BreakerOptions struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long an open circuit refuses calls before one probe
	// is let through.
	Cooldown       time.Duration
	ProbeSuccesses int
	Alerter        alert.Alerter
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Breaker counts consecutive venue failures per action and opens a circuit
// once a threshold is reached. Each websocket gets its own reconnect
// circuit through Stream.
type Breaker struct {
	enabled bool

	mu         sync.Mutex
	place      circuit
	cancel     circuit
	reconnects map[string]*circuit

	maxReconnectFailures int
	cooldown             time.Duration
	probeSuccesses       int

	alerter alert.Alerter
	log     *logrus.Entry
	now     func() time.Time
}

func NewBreaker(opts BreakerOptions) *Breaker {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	probes := opts.ProbeSuccesses
	if probes < 1 {
		probes = defaultProbeSuccesses
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		enabled:              opts.Enabled,
		place:                circuit{name: actionPlace, maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
		cancel:               circuit{name: actionCancel, maxFailures: opts.MaxCancelFailures, state: circuitClosed},
		reconnects:           make(map[string]*circuit),
		maxReconnectFailures: opts.MaxReconnectFailures,
		cooldown:             cooldown,
		probeSuccesses:       probes,
		alerter:              opts.Alerter,
		log:                  logging.Component(opts.Logger, "circuit_breaker"),
		now:                  now,
	}
}

// countsAsFailure separates an unhealthy venue from one that answered and
// said no. Rejections and lookups of missing orders prove the venue is up.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, core.ErrOrderRejected),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrInvalidOrder):
		return false
	}
	return true
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	if !countsAsFailure(err) {
		err = nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	if !countsAsFailure(err) {
		err = nil
	}
	return b.record(&b.cancel, err)
}

// Stream returns the reconnect guard for one websocket connection.
func (b *Breaker) Stream(name string) *StreamGuard {
	return &StreamGuard{breaker: b, name: name}
}

func (b *Breaker) reconnectCircuit(name string) *circuit {
	c, ok := b.reconnects[name]
	if !ok {
		c = &circuit{name: "reconnect " + name, maxFailures: b.maxReconnectFailures, state: circuitClosed}
		b.reconnects[name] = c
	}
	return c
}

// CooldownRemaining reports how long the named reconnect circuit stays open.
func (b *Breaker) CooldownRemaining(stream string) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.reconnectCircuit(stream)
	if c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	name := c.name
	b.mu.Unlock()

	cooldownSec := strconv.FormatInt(int64(b.cooldown/time.Second), 10)
	b.log.WithFields(logrus.Fields{"event": "circuit_breaker_half_open", "action": name, "cooldown_sec": cooldownSec}).Info("circuit probing")
	b.notify("circuit_breaker_half_open", map[string]string{"action": name, "cooldown_sec": cooldownSec})
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	name := c.name

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.probeSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// Only a probe admitted by allow may close an open circuit.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.log.WithFields(logrus.Fields{
				"event":                         "circuit_breaker_recovered",
				"action":                        name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit recovered")
			if prevState == circuitHalfOpen {
				b.notify("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		limit := c.maxFailures
		b.mu.Unlock()
		b.reportTrip(name, "half_open", 1, limit, err)
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			b.log.WithFields(logrus.Fields{
				"event":                "circuit_breaker_near_trip",
				"action":               name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("circuit about to open")
		}
		return nil
	}
	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(name, "closed", failures, limit, err)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(name, phase string, failures, limit int, err error) {
	b.log.WithFields(logrus.Fields{
		"event":                "circuit_breaker_trip",
		"action":               name,
		"phase":                phase,
		"consecutive_failures": failures,
		"threshold":            limit,
	}).WithError(err).Error("circuit opened")
	b.notify(alert.EventCircuitOpen, map[string]string{
		"action":               name,
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(limit),
		"last_error":           err.Error(),
	})
}

func (b *Breaker) notify(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}

// StreamGuard is the reconnect circuit of one websocket.
type StreamGuard struct {
	breaker *Breaker
	name    string
}

func (g *StreamGuard) AllowReconnect() error {
	if g == nil || g.breaker == nil {
		return nil
	}
	g.breaker.mu.Lock()
	c := g.breaker.reconnectCircuit(g.name)
	g.breaker.mu.Unlock()
	return g.breaker.allow(c)
}

func (g *StreamGuard) RecordReconnect(err error) error {
	if g == nil || g.breaker == nil {
		return nil
	}
	g.breaker.mu.Lock()
	c := g.breaker.reconnectCircuit(g.name)
	g.breaker.mu.Unlock()
	return g.breaker.record(c, err)
}

func (g *StreamGuard) ResetReconnect() {
	_ = g.RecordReconnect(nil)
}
