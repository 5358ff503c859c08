package xt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"xt-connector/internal/core"
	"xt-connector/internal/logging"
	"xt-connector/internal/queue"
)

const (
	privateStreamID = 3

	eventExecutionReport = "executionReport"
	eventAccountPosition = "outboundAccountPosition"
)

// ErrUnknownEvent is returned for private frames outside the decoded set.
var ErrUnknownEvent = errors.New("unknown private event")

var privateTopics = []string{"balance", "order", "trade"}

type tokenIssuer interface {
	WSToken(ctx context.Context) (string, error)
}

type UserStreamOptions struct {
	WSURL        string
	PingInterval time.Duration
	MaxBackoff   time.Duration
	Guard        ReconnectGuard
	Dialer       *websocket.Dialer
	Logger       logrus.FieldLogger
}

// UserStream delivers decoded order and balance events from the private
// connection. Each (re)connect requests a fresh listen token.
type UserStream struct {
	tokens  tokenIssuer
	symbols core.SymbolMapper
	out     *queue.Queue[core.PrivateEvent]
	opts    UserStreamOptions
	log     *logrus.Entry
}

func NewUserStream(tokens tokenIssuer, symbols core.SymbolMapper, out *queue.Queue[core.PrivateEvent], opts UserStreamOptions) *UserStream {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &UserStream{
		tokens:  tokens,
		symbols: symbols,
		out:     out,
		opts:    opts,
		log:     logging.Component(opts.Logger, "xt_user_stream"),
	}
}

func (u *UserStream) Events() *queue.Queue[core.PrivateEvent] { return u.out }

func (u *UserStream) Run(ctx context.Context) error {
	backoff := time.Duration(0)
	attempts := 0
	for {
		if attempts > 0 && u.opts.Guard != nil {
			if err := u.opts.Guard.AllowReconnect(); err != nil {
				u.log.WithField("event", "reconnect_blocked").WithError(err).Warn("private stream reconnect blocked")
				if waitForReconnect(ctx, u.opts.MaxBackoff) {
					return ctx.Err()
				}
				continue
			}
		}
		err := u.runOnce(ctx, func() {
			if attempts > 0 {
				u.log.WithFields(logrus.Fields{"event": "user_stream_reconnected", "attempts": attempts}).Info("private stream restored")
			}
			attempts = 0
			backoff = 0
			if u.opts.Guard != nil {
				u.opts.Guard.ResetReconnect()
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, core.ErrInvalidCredentials) {
			return err
		}
		attempts++
		u.log.WithFields(logrus.Fields{"event": "user_stream_disconnected", "attempt": attempts}).WithError(err).Warn("private stream lost")
		if u.opts.Guard != nil {
			if trip := u.opts.Guard.RecordReconnect(err); trip != nil && !isCircuitOpen(trip) {
				return trip
			}
		}
		backoff = nextBackoff(backoff, u.opts.MaxBackoff)
		if waitForReconnect(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (u *UserStream) runOnce(ctx context.Context, onStreaming func()) error {
	token, err := u.tokens.WSToken(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "private stream token")
	}
	session, err := dialSession(ctx, u.opts.Dialer, u.opts.WSURL, u.opts.PingInterval)
	if err != nil {
		return pkgerrors.Wrap(err, "dial private stream")
	}
	defer session.close()

	sub := subscribeCommand{Method: "SUBSCRIBE", Params: privateTopics, ListenKey: token, ID: privateStreamID}
	if err := session.writeJSON(sub); err != nil {
		return pkgerrors.Wrap(err, "subscribe private stream")
	}
	u.log.WithField("event", "user_stream_subscribed").Info("private stream subscribed")
	if onStreaming != nil {
		onStreaming()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		session.close()
		return nil
	})
	g.Go(func() error {
		for {
			raw, err := session.read()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return pkgerrors.Wrap(err, "read private stream")
			}
			if err := u.Handle(gctx, raw); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		return session.keepalive(gctx, u.opts.PingInterval, u.log)
	})
	err = g.Wait()
	if err == nil && ctx.Err() == nil {
		err = errors.New("private stream closed")
	}
	return err
}

// Handle decodes one frame and queues the event. Undecodable frames are
// logged and dropped.
func (u *UserStream) Handle(ctx context.Context, raw []byte) error {
	if isHeartbeat(raw) {
		return nil
	}
	ev, err := DecodePrivateEvent(raw, u.symbols)
	if err != nil {
		level := logrus.WarnLevel
		if errors.Is(err, ErrUnknownEvent) {
			level = logrus.DebugLevel
		}
		u.log.WithField("event", "private_decode_skipped").WithError(err).Log(level, "dropping private frame")
		return nil
	}
	if ev == nil {
		return nil
	}
	return u.out.Push(ctx, ev)
}

type privateFrame struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type eventHeader struct {
	Type string `json:"e"`
}

type wsExecutionReport struct {
	Type                  string     `json:"e"`
	EventTime             int64      `json:"E"`
	Symbol                string     `json:"s"`
	ClientOrderID         string     `json:"c"`
	CanceledClientOrderID string     `json:"C"`
	Side                  string     `json:"S"`
	ExecType              string     `json:"x"`
	State                 string     `json:"X"`
	OrderID               flexString `json:"i"`
	TradeID               flexString `json:"t"`
	LastQty               flexString `json:"l"`
	LastPrice             flexString `json:"L"`
	Fee                   flexString `json:"n"`
	FeeAsset              string     `json:"N"`
	TradeTime             int64      `json:"T"`
}

type wsAccountPosition struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string     `json:"a"`
		Free   flexString `json:"f"`
		Locked flexString `json:"l"`
	} `json:"B"`
}

// DecodePrivateEvent turns one private frame into an ExecutionReport or an
// AccountPosition. Acks return (nil, nil). Frames may arrive bare or wrapped
// in a {topic, data} envelope.
func DecodePrivateEvent(raw []byte, symbols core.SymbolMapper) (core.PrivateEvent, error) {
	payload := raw
	var frame privateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		payload = frame.Data
	}
	var head eventHeader
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	switch head.Type {
	case eventExecutionReport:
		return decodeExecutionReport(payload, symbols)
	case eventAccountPosition:
		return decodeAccountPosition(payload)
	case "":
		if frame.Topic == "" && len(frame.ID) > 0 {
			return nil, nil
		}
	}
	kind := head.Type
	if kind == "" {
		kind = frame.Topic
	}
	return nil, pkgerrors.Wrapf(ErrUnknownEvent, "type=%q", kind)
}

func decodeExecutionReport(payload []byte, symbols core.SymbolMapper) (core.PrivateEvent, error) {
	var r wsExecutionReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	state, ok := mapOrderState(r.State)
	if !ok {
		return nil, pkgerrors.Wrapf(core.ErrDecode, "order state %q", r.State)
	}
	pair := ""
	if symbols != nil {
		if p, ok := symbols.Pair(r.Symbol); ok {
			pair = p
		}
	}
	tradeID := r.TradeID.String()
	if tradeID == "-1" || tradeID == "0" {
		tradeID = ""
	}
	return core.ExecutionReport{
		Pair:                  pair,
		ClientOrderID:         r.ClientOrderID,
		CanceledClientOrderID: r.CanceledClientOrderID,
		ExchangeOrderID:       r.OrderID.String(),
		ExecType:              strings.ToUpper(r.ExecType),
		State:                 state,
		Side:                  core.Side(strings.ToUpper(r.Side)),
		TradeID:               tradeID,
		LastQty:               r.LastQty.decimal(),
		LastPrice:             r.LastPrice.decimal(),
		Fee:                   r.Fee.decimal(),
		FeeAsset:              strings.ToUpper(r.FeeAsset),
		EventTime:             millis(r.EventTime),
		TradeTime:             millis(r.TradeTime),
	}, nil
}

func decodeAccountPosition(payload []byte) (core.PrivateEvent, error) {
	var p wsAccountPosition
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, pkgerrors.Wrap(core.ErrDecode, err.Error())
	}
	out := core.AccountPosition{EventTime: millis(p.EventTime)}
	for _, b := range p.Balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if asset == "" {
			continue
		}
		free := b.Free.decimal()
		out.Balances = append(out.Balances, core.NewBalance(asset, free, free.Add(b.Locked.decimal())))
	}
	return out, nil
}
