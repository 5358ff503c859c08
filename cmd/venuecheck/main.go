package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/config"
	"xt-connector/internal/core"
	"xt-connector/internal/engine"
	"xt-connector/internal/exchange/xt"
	"xt-connector/internal/logging"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Pair       string        `json:"pair"`
	Checks     []checkResult `json:"checks"`
}

func (r *report) add(name string, start time.Time, detail string, err error) checkResult {
	cr := checkResult{Name: name, DurationMs: time.Since(start).Milliseconds(), Detail: detail, Status: statusPass}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	r.Checks = append(r.Checks, cr)
	return cr
}

func (r *report) skip(name, reason string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: statusSkip, Detail: reason})
	fmt.Printf("[SKIP] %s - %s\n", name, reason)
}

func (r *report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

func main() {
	var (
		configPath  string
		pair        string
		timeoutSec  int
		outJSONPath string
		placeOrder  bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&pair, "pair", "", "pair to check, defaults to the first trading pair")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&placeOrder, "place-order", false, "place and cancel a far-from-market limit order (mode=live only)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if pair == "" {
		pair = cfg.TradingPairs[0]
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if placeOrder && cfg.Mode != config.ModeLive {
		fatal("-place-order requires mode=live")
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err.Error())
	}
	defer logCloser.Close()

	if timeoutSec < 10 {
		timeoutSec = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	r := runChecks(ctx, cfg, pair, placeOrder, logger)
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	if r.failed() {
		os.Exit(1)
	}
}

func runChecks(ctx context.Context, cfg config.Config, pair string, placeOrder bool, logger *logrus.Logger) report {
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Pair: pair}
	client := xt.NewClient(xt.OptionsFromConfig(cfg, logger))
	clock := xt.NewTimeSynchronizer(client, logger)
	rules := xt.NewTradingRuleCache(client, logger)

	run := func(name string, fn func() (string, error)) bool {
		start := time.Now()
		detail, err := fn()
		cr := r.add(name, start, detail, err)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
			return true
		}
		fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		return false
	}

	run("time_sync", func() (string, error) {
		if err := clock.Sync(ctx); err != nil {
			return "", err
		}
		client.UseClock(clock)
		return fmt.Sprintf("offset=%s", clock.Offset()), nil
	})

	var rule core.TradingRule
	metadataOK := run("symbol_metadata", func() (string, error) {
		if err := rules.Refresh(ctx); err != nil {
			return "", err
		}
		var ok bool
		rule, ok = rules.Rule(pair)
		if !ok {
			return "", fmt.Errorf("%w: %s", core.ErrUnknownPair, pair)
		}
		symbol, _ := rules.ExchangeSymbol(pair)
		return fmt.Sprintf("symbol=%s pairs=%d minQty=%s minNotional=%s tick=%s step=%s",
			symbol, len(rules.Rules()), rule.MinQty, rule.MinNotional, rule.PriceTick, rule.QtyStep), nil
	})

	var bestBid, lastPrice decimal.Decimal
	if metadataOK {
		symbol, _ := rules.ExchangeSymbol(pair)
		run("ticker_price", func() (string, error) {
			prices, err := client.TickerPrices(ctx, symbol)
			if err != nil {
				return "", err
			}
			price, ok := prices[symbol]
			if !ok || !price.IsPositive() {
				return "", fmt.Errorf("no last price for %s", symbol)
			}
			lastPrice = price
			return fmt.Sprintf("last=%s", price), nil
		})
		md := xt.NewMarketDataSync(client, rules, xt.BookQueues{}, xt.MarketDataOptions{
			Pairs:         []string{pair},
			SnapshotLimit: cfg.MarketData.SnapshotLimit,
			Logger:        logger,
		})
		run("depth_snapshot", func() (string, error) {
			book, err := md.RequestSnapshot(ctx, pair)
			if err != nil {
				return "", err
			}
			bid, hasBid := book.BestBid()
			ask, hasAsk := book.BestAsk()
			if !hasBid || !hasAsk {
				return "", errors.New("snapshot has an empty side")
			}
			bestBid = bid.Price
			return fmt.Sprintf("lastUpdateId=%d bids=%d asks=%d bid=%s ask=%s", book.LastUpdateID, len(book.Bids()), len(book.Asks()), bid.Price, ask.Price), nil
		})
	} else {
		r.skip("ticker_price", "symbol metadata unavailable")
		r.skip("depth_snapshot", "symbol metadata unavailable")
	}

	if !client.HasCredentials() {
		r.skip("signed_balances", "no api credentials")
		r.skip("order_place_cancel", "no api credentials")
		r.FinishedAt = time.Now().UTC()
		return r
	}

	venue := xt.NewVenue(client, rules, clock)
	run("signed_balances", func() (string, error) {
		balances, err := venue.Balances(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("assets=%d", len(balances)), nil
	})

	switch {
	case !placeOrder:
		r.skip("order_place_cancel", "enable with -place-order")
	case referencePrice(lastPrice, bestBid).IsZero():
		r.skip("order_place_cancel", "no reference price")
	default:
		ref := referencePrice(lastPrice, bestBid)
		run("order_place_cancel", func() (string, error) {
			return placeAndCancel(ctx, venue, rules, cfg, pair, rule, ref, logger)
		})
	}
	r.FinishedAt = time.Now().UTC()
	return r
}

// referencePrice prefers the last traded price and falls back to the best bid.
func referencePrice(last, bestBid decimal.Decimal) decimal.Decimal {
	if last.IsPositive() {
		return last
	}
	if bestBid.IsPositive() {
		return bestBid
	}
	return decimal.Zero
}

// placeAndCancel drives one order through the lifecycle manager: a buy at
// half the reference price, a status poll, then a cancel.
func placeAndCancel(ctx context.Context, venue *xt.Venue, rules *xt.TradingRuleCache, cfg config.Config, pair string, rule core.TradingRule, ref decimal.Decimal, logger *logrus.Logger) (string, error) {
	price := core.RoundDown(ref.Div(decimal.NewFromInt(2)), rule.PriceTick)
	qty, err := minimalQty(rule, price)
	if err != nil {
		return "", err
	}
	mgr := engine.NewManager(venue, rules, engine.Options{
		Pairs:             []string{pair},
		ClientOrderPrefix: cfg.Exchange.ClientOrderPrefix,
		Logger:            logger,
	})
	placed, err := mgr.PlaceOrder(ctx, pair, core.Buy, core.Limit, price, qty)
	if err != nil {
		return "", err
	}
	if placed.ExchangeOrderID == core.UnknownExchangeOrderID {
		if _, err := mgr.PollOrderStatus(ctx, placed.ClientOrderID); err != nil {
			return "", fmt.Errorf("create outcome unknown: %w", err)
		}
	}
	status := "unknown"
	if _, err := mgr.PollOrderStatus(ctx, placed.ClientOrderID); err == nil {
		if o, ok := mgr.Order(placed.ClientOrderID); ok {
			status = string(o.State)
		}
	}
	cancelled, err := mgr.CancelOrder(ctx, placed.ClientOrderID)
	if err != nil {
		return "", fmt.Errorf("cancel order %s: %w", placed.ClientOrderID, err)
	}
	if !cancelled {
		return "", fmt.Errorf("cancel order %s not confirmed", placed.ClientOrderID)
	}
	return fmt.Sprintf("clientId=%s id=%s price=%s qty=%s statusBeforeCancel=%s", placed.ClientOrderID, placed.ExchangeOrderID, price, qty, status), nil
}

// minimalQty is the smallest step-aligned quantity that clears both the
// minimum size and the minimum notional at price.
func minimalQty(rule core.TradingRule, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, errors.New("calculated order price <= 0")
	}
	qty := rule.MinQty
	if rule.MinNotional.IsPositive() {
		if byNotional := rule.MinNotional.Div(price); byNotional.GreaterThan(qty) {
			qty = byNotional
		}
	}
	qty = roundUp(qty, rule.QtyStep)
	if !qty.IsPositive() {
		return decimal.Zero, errors.New("calculated qty <= 0")
	}
	return qty, nil
}

func roundUp(qty, step decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

func printSummary(r report) {
	pass, fail, skip := 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		default:
			skip++
		}
	}
	fmt.Printf("\nsummary mode=%s pair=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.Mode, r.Pair, pass, fail, skip,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
