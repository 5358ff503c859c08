package xt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/core"
	"xt-connector/internal/logging"
)

// fallbackMinimum applies when the venue leaves a size or notional bound null.
var fallbackMinimum = decimal.RequireFromString("0.0000001")

type metadataFetcher interface {
	Symbols(ctx context.Context) ([]SymbolInfo, error)
}

type ruleSet struct {
	rules       map[string]core.TradingRule
	symbols     *SymbolMap
	refreshedAt time.Time
}

// TradingRuleCache holds the rules and symbol map derived from one metadata
// fetch. Readers always see a complete set; a refresh swaps it atomically.
type TradingRuleCache struct {
	fetcher metadataFetcher
	current atomic.Pointer[ruleSet]
	log     *logrus.Entry
}

func NewTradingRuleCache(fetcher metadataFetcher, log logrus.FieldLogger) *TradingRuleCache {
	c := &TradingRuleCache{fetcher: fetcher, log: logging.Component(log, "trading_rules")}
	c.current.Store(&ruleSet{rules: map[string]core.TradingRule{}, symbols: NewSymbolMap(nil)})
	return c
}

// IsTradable reports whether a symbol can be traded right now.
func IsTradable(info SymbolInfo) bool {
	return info.State == "ONLINE" && info.TradingEnabled
}

// BuildTradingRules derives rules and the symbol map from metadata. It is
// pure: the same input always yields the same output.
func BuildTradingRules(symbols []SymbolInfo) (map[string]core.TradingRule, *SymbolMap) {
	rules := make(map[string]core.TradingRule, len(symbols))
	mapping := make(map[string]string, len(symbols))
	for _, info := range symbols {
		if !IsTradable(info) || info.Symbol == "" || info.BaseCurrency == "" || info.QuoteCurrency == "" {
			continue
		}
		pair := CombinePair(info.BaseCurrency, info.QuoteCurrency)
		mapping[info.Symbol] = pair
		rules[pair] = ruleFromSymbol(pair, info)
	}
	return rules, NewSymbolMap(mapping)
}

func ruleFromSymbol(pair string, info SymbolInfo) core.TradingRule {
	rule := core.TradingRule{
		Pair:        pair,
		MinQty:      fallbackMinimum,
		MinNotional: fallbackMinimum,
		QtyStep:     core.StepFromPrecision(info.QuantityPrecision),
		PriceTick:   core.StepFromPrecision(info.PricePrecision),
	}
	for _, f := range info.Filters {
		switch f.Filter {
		case "QUANTITY":
			if v, ok := positive(f.Min); ok {
				rule.MinQty = v
			}
			if v, ok := positive(f.TickSize); ok {
				rule.QtyStep = v
			}
		case "PRICE":
			if v, ok := positive(f.TickSize); ok {
				rule.PriceTick = v
			}
		case "QUOTE_QTY":
			if v, ok := positive(f.Min); ok {
				rule.MinNotional = v
			}
		}
	}
	return rule
}

func positive(raw flexString) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw.String())
	if err != nil || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}

// Apply replaces the cache with rules built from symbols.
func (c *TradingRuleCache) Apply(symbols []SymbolInfo, at time.Time) {
	rules, mapping := BuildTradingRules(symbols)
	c.current.Store(&ruleSet{rules: rules, symbols: mapping, refreshedAt: at})
}

// Refresh fetches metadata and swaps the cache. On failure the previous
// rules stay in place.
func (c *TradingRuleCache) Refresh(ctx context.Context) error {
	symbols, err := c.fetcher.Symbols(ctx)
	if err != nil {
		return err
	}
	c.Apply(symbols, time.Now())
	c.log.WithFields(logrus.Fields{"event": "trading_rules_refreshed", "pairs": len(c.current.Load().rules)}).Info("trading rules updated")
	return nil
}

// Run refreshes on every tick until ctx ends.
func (c *TradingRuleCache) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.WithField("event", "trading_rules_refresh_failed").WithError(err).Warn("keeping previous trading rules")
			}
		}
	}
}

func (c *TradingRuleCache) Rule(pair string) (core.TradingRule, bool) {
	r, ok := c.current.Load().rules[pair]
	return r, ok
}

func (c *TradingRuleCache) Rules() map[string]core.TradingRule {
	cur := c.current.Load().rules
	out := make(map[string]core.TradingRule, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

func (c *TradingRuleCache) RefreshedAt() time.Time {
	return c.current.Load().refreshedAt
}

func (c *TradingRuleCache) ExchangeSymbol(pair string) (string, bool) {
	return c.current.Load().symbols.ExchangeSymbol(pair)
}

func (c *TradingRuleCache) Pair(symbol string) (string, bool) {
	return c.current.Load().symbols.Pair(symbol)
}
