package xt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/safety"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	initialBackoff      = time.Second
	wsWriteTimeout      = 5 * time.Second
	heartbeatPing       = "ping"
	heartbeatPong       = "pong"
)

// ReconnectGuard gates reconnect attempts. *safety.StreamGuard satisfies it.
type ReconnectGuard interface {
	AllowReconnect() error
	RecordReconnect(err error) error
	ResetReconnect()
}

// isCircuitOpen reports whether trip only asks the caller to cool down.
func isCircuitOpen(trip error) bool {
	return errors.Is(trip, safety.ErrCircuitOpen)
}

type subscribeCommand struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	ListenKey string   `json:"listenKey,omitempty"`
	ID        int64    `json:"id"`
}

// wsSession serializes writes on one connection; gorilla allows one
// concurrent writer.
type wsSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	readTimeout time.Duration
	closeOnce   sync.Once
}

func dialSession(ctx context.Context, dialer *websocket.Dialer, url string, ping time.Duration) (*wsSession, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if ping <= 0 {
		ping = defaultPingInterval
	}
	s := &wsSession{conn: conn, readTimeout: 3 * ping}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	return s, nil
}

func (s *wsSession) writeText(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeText(data)
}

func (s *wsSession) read() ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

// keepalive sends the text heartbeat until ctx ends or a write fails.
func (s *wsSession) keepalive(ctx context.Context, every time.Duration, log logrus.FieldLogger) error {
	if every <= 0 {
		every = defaultPingInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.writeText([]byte(heartbeatPing)); err != nil {
				log.WithField("event", "ws_ping_failed").WithError(err).Warn("heartbeat write failed")
				return err
			}
		}
	}
}

func isHeartbeat(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.Equal(trimmed, []byte(heartbeatPong)) || bytes.Equal(trimmed, []byte(heartbeatPing))
}

func nextBackoff(cur, max time.Duration) time.Duration {
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if cur <= 0 {
		return initialBackoff
	}
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = initialBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
