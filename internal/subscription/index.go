// Package subscription maintains the read-mostly user index that the
// fan-out joins signals against, and the fan-out itself.
package subscription

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/store/sqlite"
)

// DefaultRefreshInterval is how often the index is rebuilt from the
// relational store.
const DefaultRefreshInterval = 60 * time.Second

// Source supplies subscription rows. *sqlite.Store implements it.
type Source interface {
	ActiveSubscriptions(ctx context.Context) ([]sqlite.SubscriptionRow, error)
	UsersFor(ctx context.Context, symbol, timeframe string) ([]model.User, error)
}

// Index caches the (symbol, timeframe) -> users mapping in process so
// per-signal lookups never hit the database. Refresh swaps the whole
// snapshot, so readers always observe a complete one.
type Index struct {
	src      Source
	interval time.Duration

	mu        sync.RWMutex
	byKey     map[string][]model.User
	refreshed time.Time

	// MaxPairsPerUser caps how many pairs one user occupies in the
	// snapshot; edges beyond the cap are not admitted. Zero means no
	// cap. Set before Run.
	MaxPairsPerUser int

	// OnRefresh reports the number of (symbol, timeframe) entries
	// after each successful rebuild.
	OnRefresh func(entries int)
}

// NewIndex creates an index over src, refreshed every interval.
func NewIndex(src Source, interval time.Duration) *Index {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Index{src: src, interval: interval}
}

// Refresh rebuilds the snapshot from the store.
func (ix *Index) Refresh(ctx context.Context) error {
	rows, err := ix.src.ActiveSubscriptions(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]model.User)
	pairCount := make(map[int64]int)
	overCap := 0
	for _, row := range rows {
		if ix.MaxPairsPerUser > 0 {
			if pairCount[row.User.ID] >= ix.MaxPairsPerUser {
				overCap++
				continue
			}
			pairCount[row.User.ID]++
		}
		for _, tf := range row.Timeframes {
			k := indexKey(row.Symbol, tf)
			next[k] = append(next[k], row.User)
		}
	}
	if overCap > 0 {
		log.Printf("[subs] %d subscriptions over the %d-pair user cap not admitted", overCap, ix.MaxPairsPerUser)
	}

	ix.mu.Lock()
	ix.byKey = next
	ix.refreshed = time.Now()
	ix.mu.Unlock()

	if ix.OnRefresh != nil {
		ix.OnRefresh(len(next))
	}
	return nil
}

// UsersFor returns the users subscribed to (symbol, timeframe). Until
// the first refresh lands it falls back to a direct store query.
// Callers must not mutate the returned slice.
func (ix *Index) UsersFor(ctx context.Context, symbol, timeframe string) ([]model.User, error) {
	ix.mu.RLock()
	snap := ix.byKey
	ix.mu.RUnlock()

	if snap == nil {
		return ix.src.UsersFor(ctx, symbol, timeframe)
	}
	return snap[indexKey(symbol, timeframe)], nil
}

// Symbols returns the distinct symbols present in the snapshot, sorted.
func (ix *Index) Symbols() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range ix.byKey {
		if sym, _, ok := strings.Cut(k, ":"); ok {
			seen[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of (symbol, timeframe) entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byKey)
}

// Run refreshes immediately and then on every interval tick until ctx
// is cancelled. A failed refresh keeps the previous snapshot.
func (ix *Index) Run(ctx context.Context) {
	if err := ix.Refresh(ctx); err != nil {
		log.Printf("[subs] initial refresh failed: %v", err)
	}

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Refresh(ctx); err != nil {
				log.Printf("[subs] refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

func indexKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + ":" + timeframe
}
