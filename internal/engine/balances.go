package engine

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"xt-connector/internal/core"
)

// RefreshBalances replaces the balance cache with the venue's view. Assets
// the venue no longer reports are removed. On error the cache is untouched.
func (m *Manager) RefreshBalances(ctx context.Context) error {
	list, err := m.venue.Balances(ctx)
	if err != nil {
		m.noteFailure("balances", err)
		return err
	}
	m.noteSuccess("balances")
	next := make(map[string]core.Balance, len(list))
	for _, b := range list {
		if b.Asset == "" {
			continue
		}
		next[b.Asset] = core.NewBalance(b.Asset, b.Available, b.Total)
	}
	m.mu.Lock()
	removed := 0
	for asset := range m.balances {
		if _, ok := next[asset]; !ok {
			removed++
		}
	}
	m.balances = next
	snapshot := sortedBalances(next)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"event": "balances_refreshed", "assets": len(snapshot), "removed": removed}).Debug("balances replaced")
	m.emit(ctx, core.LifecycleEvent{Kind: core.BalanceUpdated, Time: m.opts.Clock.Now(), Balances: snapshot})
	return nil
}

// applyPosition updates only the assets named by a push event.
func (m *Manager) applyPosition(ctx context.Context, p core.AccountPosition) {
	if len(p.Balances) == 0 {
		return
	}
	changed := make([]core.Balance, 0, len(p.Balances))
	m.mu.Lock()
	for _, b := range p.Balances {
		if b.Asset == "" {
			continue
		}
		nb := core.NewBalance(b.Asset, b.Available, b.Total)
		m.balances[b.Asset] = nb
		changed = append(changed, nb)
	}
	m.mu.Unlock()
	if len(changed) == 0 {
		return
	}
	at := p.EventTime
	if at.IsZero() {
		at = m.opts.Clock.Now()
	}
	m.emit(ctx, core.LifecycleEvent{Kind: core.BalanceUpdated, Time: at, Balances: changed})
}

// Balances returns the cached balances sorted by asset.
func (m *Manager) Balances() []core.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedBalances(m.balances)
}

func (m *Manager) Balance(asset string) (core.Balance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[asset]
	return b, ok
}

func sortedBalances(in map[string]core.Balance) []core.Balance {
	out := make([]core.Balance, 0, len(in))
	for _, b := range in {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
