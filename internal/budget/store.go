// Package budget implements the Ext-A collaborator: current-period spend
// utilization per (tenant, department), read by the PolicyEngine's soft
// budget-downgrade step (§4.4 step 5). It mirrors apikey.BudgetChecker's
// cache-over-store pattern, scoped to department rather than API key, and
// adds the bounded read latency the PolicyEngine needs: a slow or
// unreachable store must never stall a routing decision, so a read that
// does not finish within the configured timeout is reported as unknown
// rather than blocking or erroring the request (§5, §9).
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/tokenhub/internal/store"
)

const (
	defaultCacheTTL = 30 * time.Second
	defaultIOTimeout = 50 * time.Millisecond
)

type key struct {
	tenant     string
	department string
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// Store answers "what fraction of this department's current-period budget
// has been spent" without ever making the PolicyEngine wait on a slow
// database.
type Store struct {
	backend store.Store

	cacheTTL  time.Duration
	ioTimeout time.Duration
	periodStart func() time.Time

	mu    sync.RWMutex
	cache map[key]cachedSpend
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithCacheTTL overrides the default 30s spend cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) { s.cacheTTL = d }
}

// WithIOTimeout overrides the default 50ms store read deadline.
func WithIOTimeout(d time.Duration) Option {
	return func(s *Store) { s.ioTimeout = d }
}

// New creates a budget Store backed by the given persistence layer.
func New(backend store.Store, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		cacheTTL:  defaultCacheTTL,
		ioTimeout: defaultIOTimeout,
		periodStart: startOfMonth,
		cache:     make(map[key]cachedSpend),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func startOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Utilization returns the department's current-period spend as a percentage
// of periodLimitUSD. When periodLimitUSD is unset (<= 0, budget not tracked
// for this department) it returns 0 with known=true without reading the
// store. known is false when the underlying read fails or does not
// complete within the store's I/O timeout; a caller observing known=false
// must treat the budget as budget_unknown and proceed without a downgrade
// (§4.4 step 5, §9: budget pressure only ever softens routing, never
// blocks it, and an unreachable BudgetStore must not change that).
func (s *Store) Utilization(ctx context.Context, tenant, department string, periodLimitUSD float64) (pct float64, known bool) {
	if periodLimitUSD <= 0 {
		return 0, true
	}

	spent, ok := s.getSpend(ctx, tenant, department)
	if !ok {
		return 0, false
	}
	return (spent / periodLimitUSD) * 100, true
}

func (s *Store) getSpend(ctx context.Context, tenant, department string) (float64, bool) {
	k := key{tenant, department}

	s.mu.RLock()
	if cached, ok := s.cache[k]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.amount, true
	}
	s.mu.RUnlock()

	readCtx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()

	spent, err := s.backend.GetPeriodSpend(readCtx, tenant, department, s.periodStart())
	if err != nil {
		return 0, false
	}

	s.mu.Lock()
	s.cache[k] = cachedSpend{amount: spent, expiresAt: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return spent, true
}

// InvalidateCache drops the cached spend for one department, forcing the
// next Utilization call to re-read the store. Called after a request is
// logged so a burst of spend is reflected without waiting out the TTL.
func (s *Store) InvalidateCache(tenant, department string) {
	s.mu.Lock()
	delete(s.cache, key{tenant, department})
	s.mu.Unlock()
}
