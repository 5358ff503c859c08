package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"xt-connector/internal/config"
	"xt-connector/internal/core"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
	"xt-connector/internal/marketdata"
	"xt-connector/internal/queue"
)

func main() {
	var (
		configPath string
		pairsRaw   string
		recordPath string
		replayPath string
		everySec   int
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&pairsRaw, "pairs", "", "comma separated pairs, overrides trading_pairs")
	flag.StringVar(&recordPath, "record", "", "append applied snapshot and diff events to this jsonl file")
	flag.StringVar(&replayPath, "replay", "", "replay a recorded jsonl file or directory instead of connecting")
	flag.IntVar(&everySec, "every-sec", 5, "top of book print interval seconds")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if pairs := parsePairs(pairsRaw); len(pairs) > 0 {
		cfg.TradingPairs = pairs
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err.Error())
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if replayPath != "" {
		n, err := replay(ctx, replayPath, cfg.TradingPairs, os.Stdout, logger)
		if err != nil {
			fatal(err.Error())
		}
		fmt.Printf("replayed events=%d\n", n)
		return
	}
	if err := watch(ctx, cfg, recordPath, time.Duration(everySec)*time.Second, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
}

func parsePairs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type noResnapshot struct{ log *logrus.Entry }

func (n noResnapshot) RequestResnapshot(pair string) {
	n.log.WithFields(logrus.Fields{"event": "replay_gap", "pair": pair}).Warn("sequence gap in recording")
}

// replay rebuilds books from a recording and prints the final top of book.
func replay(ctx context.Context, path string, pairs []string, w io.Writer, logger logrus.FieldLogger) (int, error) {
	feed, err := marketdata.NewFeed(path)
	if err != nil {
		return 0, err
	}
	defer feed.Close()
	tracker := marketdata.NewTracker(noResnapshot{log: logging.Component(logger, "replay")}, marketdata.Options{Pairs: pairs, Logger: logger})
	n := 0
	for {
		ev, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		if err := tracker.Apply(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
	printTops(w, tracker, pairs)
	return n, nil
}

func watch(ctx context.Context, cfg config.Config, recordPath string, every time.Duration, logger *logrus.Logger) error {
	client := xt.NewClient(xt.OptionsFromConfig(cfg, logger))
	rules := xt.NewTradingRuleCache(client, logger)
	if err := rules.Refresh(ctx); err != nil {
		return fmt.Errorf("load symbols: %w", err)
	}
	for _, pair := range cfg.TradingPairs {
		if _, ok := rules.ExchangeSymbol(pair); !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownPair, pair)
		}
	}

	policy := cfg.OverflowPolicy()
	in := xt.NewBookQueues(cfg.Queues.Capacity, policy)
	md := xt.NewMarketDataSync(client, rules, in, xt.MarketDataOptions{
		WSURL:           cfg.Exchange.WSPublicURL,
		Pairs:           cfg.TradingPairs,
		SnapshotLimit:   cfg.MarketData.SnapshotLimit,
		SnapshotRefresh: time.Duration(cfg.MarketData.SnapshotRefreshSec) * time.Second,
		PingInterval:    time.Duration(cfg.MarketData.PingIntervalSec) * time.Second,
		MaxBackoff:      time.Duration(cfg.MarketData.ReconnectMaxBackoffSec) * time.Second,
		Logger:          logger,
	})
	out := queue.New[core.BookEvent]("book_events", cfg.Queues.EventCapacity, policy)
	tracker := marketdata.NewTracker(md, marketdata.Options{
		Pairs:      cfg.TradingPairs,
		BufferSize: cfg.MarketData.DiffBufferSize,
		Output:     out,
		Logger:     logger,
	})

	var rec *marketdata.Recorder
	if recordPath != "" {
		var err error
		if rec, err = marketdata.NewRecorder(recordPath); err != nil {
			return err
		}
		defer rec.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return md.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx, in) })
	g.Go(func() error {
		for {
			ev, err := out.Pop(ctx)
			if err != nil {
				return err
			}
			if rec != nil && ev.Kind != core.BookTrade {
				if err := rec.Record(ev); err != nil {
					return fmt.Errorf("record book event: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		if every <= 0 {
			every = 5 * time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				printTops(os.Stdout, tracker, cfg.TradingPairs)
			}
		}
	})
	return g.Wait()
}

type topSource interface {
	BestBidAsk(pair string) (bid, ask core.PriceLevel, ok bool)
	Stale(pair string) bool
}

func printTops(w io.Writer, books topSource, pairs []string) {
	for _, pair := range pairs {
		fmt.Fprintln(w, topLine(books, pair))
	}
}

func topLine(books topSource, pair string) string {
	bid, ask, ok := books.BestBidAsk(pair)
	if !ok {
		return fmt.Sprintf("pair=%s ready=false", pair)
	}
	spread := ask.Price.Sub(bid.Price)
	return fmt.Sprintf("pair=%s bid=%s bid_qty=%s ask=%s ask_qty=%s spread=%s stale=%t",
		pair, bid.Price, bid.Qty, ask.Price, ask.Qty, spread, books.Stale(pair))
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
