package xt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/logging"
)

type serverTimeFetcher interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// TimeSynchronizer is a Clock that tracks the venue clock offset.
type TimeSynchronizer struct {
	fetcher  serverTimeFetcher
	offsetMs atomic.Int64
	local    func() time.Time
	log      *logrus.Entry
}

func NewTimeSynchronizer(fetcher serverTimeFetcher, log logrus.FieldLogger) *TimeSynchronizer {
	return &TimeSynchronizer{fetcher: fetcher, local: time.Now, log: logging.Component(log, "time_sync")}
}

func (t *TimeSynchronizer) Now() time.Time {
	return t.local().Add(time.Duration(t.offsetMs.Load()) * time.Millisecond)
}

func (t *TimeSynchronizer) Offset() time.Duration {
	return time.Duration(t.offsetMs.Load()) * time.Millisecond
}

// Sync measures the offset against the midpoint of the round trip.
func (t *TimeSynchronizer) Sync(ctx context.Context) error {
	sent := t.local()
	server, err := t.fetcher.ServerTime(ctx)
	if err != nil {
		return err
	}
	received := t.local()
	mid := sent.Add(received.Sub(sent) / 2)
	t.offsetMs.Store(server.Sub(mid).Milliseconds())
	return nil
}

// Run re-syncs until ctx ends. Failures keep the previous offset.
func (t *TimeSynchronizer) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sync(ctx); err != nil && ctx.Err() == nil {
				t.log.WithField("event", "time_sync_failed").WithError(err).Warn("keeping previous clock offset")
			}
		}
	}
}
