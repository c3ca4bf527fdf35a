package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Factory opens the ledger for an account.
type Factory func(ctx context.Context, accountID string) (*Ledger, error)

// Registry lazily opens ledgers per account id.
type Registry struct {
	mu       sync.RWMutex
	ledgers  map[string]*Ledger // accountID -> Ledger
	lastSeen map[string]time.Time
	factory  Factory
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		ledgers:  make(map[string]*Ledger),
		lastSeen: make(map[string]time.Time),
		factory:  factory,
	}
}

// StoreFactory opens accounts from store with a default initial balance.
func StoreFactory(store Store, initial decimal.Decimal, opts ...Option) Factory {
	return func(ctx context.Context, accountID string) (*Ledger, error) {
		return Open(ctx, accountID, initial, store, opts...)
	}
}

// GetOrCreate returns the ledger for an account, opening it if needed.
func (r *Registry) GetOrCreate(ctx context.Context, accountID string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[accountID]; ok {
		r.lastSeen[accountID] = time.Now()
		return l, nil
	}

	l, err := r.factory(ctx, accountID)
	if err != nil {
		return nil, err
	}
	r.ledgers[accountID] = l
	r.lastSeen[accountID] = time.Now()
	return l, nil
}

// Get returns an already open ledger, or nil. It refreshes activity for
// existing entries and never opens a new one.
func (r *Registry) Get(accountID string) *Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.ledgers[accountID]; ok {
		r.lastSeen[accountID] = time.Now()
		return l
	}
	return nil
}

// Remove drops an account from the registry.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ledgers, accountID)
	delete(r.lastSeen, accountID)
}

// AccountCount returns the number of open ledgers.
func (r *Registry) AccountCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ledgers)
}

// GetAllBalances returns balances for all open ledgers.
func (r *Registry) GetAllBalances() map[string]Balance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Balance, len(r.ledgers))
	for id, l := range r.ledgers {
		result[id] = l.Balance()
	}
	return result
}

// AccountIDs lists open accounts, sorted.
func (r *Registry) AccountIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ledgers))
	for id := range r.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupIdle removes ledgers that have been idle longer than ttl. pinned
// accounts are never removed.
func (r *Registry) CleanupIdle(ttl time.Duration, pinned ...string) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)
	keep := make(map[string]bool, len(pinned))
	for _, id := range pinned {
		keep[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.lastSeen {
		if t.Before(cutoff) && !keep[id] {
			delete(r.ledgers, id)
			delete(r.lastSeen, id)
		}
	}
}
