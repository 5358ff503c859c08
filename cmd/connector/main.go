package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"xt-connector/internal/alert"
	"xt-connector/internal/config"
	"xt-connector/internal/core"
	"xt-connector/internal/engine"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
	"xt-connector/internal/marketdata"
	"xt-connector/internal/queue"
	"xt-connector/internal/safety"
	"xt-connector/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err.Error())
	}
	defer logCloser.Close()
	log := logging.Component(logger, "connector")

	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.WithField("event", "alert_close_failed").WithError(err).Warn("close alert manager failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, cfg.InstanceID)
	st, err := store.New(stateDir, logger)
	if err != nil {
		fatal(err.Error())
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		InstanceID:      cfg.InstanceID + "-" + uuid.NewString()[:8],
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		Logger:          logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.WithField("event", "instance_lock_release_failed").WithError(relErr).Warn("release instance lock failed")
		}
	}()

	if err := run(ctx, cfg, logger, st, alerts); err != nil && !errors.Is(err, context.Canceled) {
		log.WithField("event", "connector_stopped").WithError(err).Error("connector stopped")
		alerts.Important(alert.EventConnectorStopped, map[string]string{"reason": err.Error()})
		os.Exit(1)
	}
	log.WithField("event", "connector_stopped").Info("connector stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger, st *store.Store, alerts *alert.Manager) error {
	log := logging.Component(logger, "connector")
	breaker := safety.NewBreaker(safety.BreakerOptions{
		Enabled:              cfg.CircuitBreaker.Enabled,
		MaxPlaceFailures:     cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures:    cfg.CircuitBreaker.MaxCancelFailures,
		MaxReconnectFailures: cfg.CircuitBreaker.MaxReconnectFailures,
		Cooldown:             time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec) * time.Second,
		ProbeSuccesses:       cfg.CircuitBreaker.ReconnectProbePasses,
		Alerter:              alerts,
		Logger:               logger,
	})

	client := xt.NewClient(xt.OptionsFromConfig(cfg, logger))
	clock := xt.NewTimeSynchronizer(client, logger)
	if err := clock.Sync(ctx); err != nil {
		log.WithField("event", "time_sync_failed").WithError(err).Warn("starting with local clock")
	} else {
		log.WithFields(logrus.Fields{"event": "time_synced", "offset_ms": clock.Offset().Milliseconds()}).Info("venue clock synchronized")
	}
	client.UseClock(clock)

	rules := xt.NewTradingRuleCache(client, logger)
	if err := rules.Refresh(ctx); err != nil {
		return fmt.Errorf("load trading rules: %w", err)
	}
	for _, pair := range cfg.TradingPairs {
		if _, ok := rules.Rule(pair); !ok {
			return fmt.Errorf("%w: %s is not tradable on the venue", core.ErrUnknownPair, pair)
		}
	}

	policy := cfg.OverflowPolicy()
	bookQueues := xt.NewBookQueues(cfg.Queues.Capacity, policy)
	md := xt.NewMarketDataSync(client, rules, bookQueues, xt.MarketDataOptions{
		WSURL:           cfg.Exchange.WSPublicURL,
		Pairs:           cfg.TradingPairs,
		SnapshotLimit:   cfg.MarketData.SnapshotLimit,
		SnapshotRefresh: time.Duration(cfg.MarketData.SnapshotRefreshSec) * time.Second,
		PingInterval:    time.Duration(cfg.MarketData.PingIntervalSec) * time.Second,
		MaxBackoff:      time.Duration(cfg.MarketData.ReconnectMaxBackoffSec) * time.Second,
		Clock:           clock,
		Guard:           breaker.Stream("public"),
		Logger:          logger,
	})
	bookOut := queue.New[core.BookEvent]("book_events", cfg.Queues.EventCapacity, policy)
	tracker := marketdata.NewTracker(md, marketdata.Options{
		Pairs:      cfg.TradingPairs,
		BufferSize: cfg.MarketData.DiffBufferSize,
		Output:     bookOut,
		Logger:     logger,
	})

	var mgr *engine.Manager
	var lifecycleEvents *queue.Queue[core.LifecycleEvent]
	if client.HasCredentials() {
		lifecycleEvents = queue.New[core.LifecycleEvent]("lifecycle_events", cfg.Queues.EventCapacity, policy)
		mgr = engine.NewManager(
			safety.NewGuardedVenue(xt.NewVenue(client, rules, clock), breaker),
			rules,
			engine.Options{
				Pairs:                cfg.TradingPairs,
				ClientOrderPrefix:    cfg.Exchange.ClientOrderPrefix,
				ShortPoll:            time.Duration(cfg.Orders.ShortPollSec) * time.Second,
				LongPoll:             time.Duration(cfg.Orders.LongPollSec) * time.Second,
				FillWindow:           time.Duration(cfg.Orders.FillWindowMs) * time.Millisecond,
				BalanceRefresh:       time.Duration(cfg.Orders.BalanceRefreshSec) * time.Second,
				ErrorBackoff:         time.Duration(cfg.Orders.ErrorBackoffSec) * time.Second,
				UnknownNotFoundLimit: cfg.Orders.UnknownNotFoundLimit,
				DedupTTL:             time.Duration(cfg.Orders.DedupTTLHours) * time.Hour,
				MaxOrderNotional:     cfg.Orders.MaxOrderNotional.Decimal,
				ReadOnly:             cfg.Mode == config.ModeObserve,
				Clock:                clock,
				Events:               lifecycleEvents,
				Store:                st,
				Alerts:               alerts,
				Logger:               logger,
			},
		)
		if snap, ok, err := st.LoadTrackedOrders(); err != nil {
			return fmt.Errorf("load tracked orders: %w", err)
		} else if ok {
			mgr.Restore(snap.Orders)
		}
	} else {
		log.WithField("event", "private_surface_disabled").Warn("no api credentials, running market data only")
	}

	status := newStatusReporter(cfg, st, md, mgr, logger)
	status.persist(stateStarting, nil)
	alerts.Important(alert.EventConnectorStarted, map[string]string{"mode": string(cfg.Mode)})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return clock.Run(ctx, time.Duration(cfg.Exchange.TimeSyncSec)*time.Second) })
	g.Go(func() error { return rules.Run(ctx, time.Duration(cfg.Orders.RulesRefreshSec)*time.Second) })
	g.Go(func() error { return md.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx, bookQueues) })
	g.Go(func() error { return drainBookEvents(ctx, bookOut, logger) })
	g.Go(func() error {
		return status.run(ctx, time.Duration(cfg.Observability.Runtime.HeartbeatSec)*time.Second, tracker)
	})
	if mgr != nil {
		privateEvents := queue.New[core.PrivateEvent]("private_events", cfg.Queues.Capacity, queue.Block)
		userStream := xt.NewUserStream(client, rules, privateEvents, xt.UserStreamOptions{
			WSURL:        cfg.Exchange.WSPrivateURL,
			PingInterval: time.Duration(cfg.MarketData.PingIntervalSec) * time.Second,
			MaxBackoff:   time.Duration(cfg.MarketData.ReconnectMaxBackoffSec) * time.Second,
			Guard:        breaker.Stream("private"),
			Logger:       logger,
		})
		g.Go(func() error { return mgr.Run(ctx, userStream, privateEvents) })
		g.Go(func() error { return drainLifecycleEvents(ctx, lifecycleEvents, logger) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	status.persist(stateStopped, err)
	return err
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, logger logrus.FieldLogger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		Enabled:  tg.Enabled,
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	})
	return alert.NewManager(notifier, alert.ManagerOptions{
		Mode:               string(cfg.Mode),
		InstanceID:         cfg.InstanceID,
		Pairs:              cfg.TradingPairs,
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}
