package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists ledger state. Implementations must make Atomically
// all-or-nothing: when fn returns an error nothing written through tx is
// visible afterwards.
type Store interface {
	LoadAccountState(ctx context.Context, accountID string) (State, error)
	// AppendTrade inserts a trade or replaces the record with the same ID.
	AppendTrade(ctx context.Context, t Trade) error
	// SaveAccountState writes the balance and replaces the account's positions.
	SaveAccountState(ctx context.Context, b Balance, positions []Position) error
	// ListTrades returns trades newest first; limit <= 0 returns all.
	ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error)
	ListAccounts(ctx context.Context) ([]string, error)
	Atomically(ctx context.Context, fn func(tx Store) error) error
}

// MemoryStore is an in-process Store for mock runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data memData
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memData{}}
}

func (s *MemoryStore) LoadAccountState(ctx context.Context, accountID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.load(accountID), nil
}

func (s *MemoryStore) AppendTrade(ctx context.Context, t Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.appendTrade(t)
	return nil
}

func (s *MemoryStore) SaveAccountState(ctx context.Context, b Balance, positions []Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.save(b, positions)
	return nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listTrades(accountID, limit), nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.accounts(), nil
}

// Atomically runs fn against a copy of the data and commits the copy only
// when fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

type memTx struct {
	data memData
}

func (t *memTx) LoadAccountState(ctx context.Context, accountID string) (State, error) {
	return t.data.load(accountID), nil
}

func (t *memTx) AppendTrade(ctx context.Context, tr Trade) error {
	t.data.appendTrade(tr)
	return nil
}

func (t *memTx) SaveAccountState(ctx context.Context, b Balance, positions []Position) error {
	t.data.save(b, positions)
	return nil
}

func (t *memTx) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	return t.data.listTrades(accountID, limit), nil
}

func (t *memTx) ListAccounts(ctx context.Context) ([]string, error) {
	return t.data.accounts(), nil
}

func (t *memTx) Atomically(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

type memAccount struct {
	found     bool
	balance   Balance
	positions []Position
	trades    []Trade // insertion order
}

type memData map[string]*memAccount

func (d memData) account(id string) *memAccount {
	a, ok := d[id]
	if !ok {
		a = &memAccount{}
		d[id] = a
	}
	return a
}

func (d memData) load(id string) State {
	a, ok := d[id]
	if !ok || !a.found {
		return State{}
	}
	st := State{
		Found:     true,
		Balance:   a.balance,
		Positions: append([]Position(nil), a.positions...),
	}
	for _, t := range a.trades {
		if t.Status == StatusOpen && !t.IsClosing() {
			st.OpenTrades = append(st.OpenTrades, t)
		}
	}
	sort.SliceStable(st.OpenTrades, func(i, j int) bool {
		return st.OpenTrades[i].OpenedAt.Before(st.OpenTrades[j].OpenedAt)
	})
	return st
}

func (d memData) appendTrade(t Trade) {
	a := d.account(t.AccountID)
	for i := range a.trades {
		if a.trades[i].ID == t.ID {
			a.trades[i] = t
			return
		}
	}
	a.trades = append(a.trades, t)
}

func (d memData) save(b Balance, positions []Position) {
	a := d.account(b.AccountID)
	a.found = true
	a.balance = b
	a.positions = append([]Position(nil), positions...)
}

func (d memData) listTrades(id string, limit int) []Trade {
	a, ok := d[id]
	if !ok {
		return nil
	}
	out := make([]Trade, 0, len(a.trades))
	for i := len(a.trades) - 1; i >= 0; i-- {
		out = append(out, a.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (d memData) accounts() []string {
	var ids []string
	for id, a := range d {
		if a.found {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d memData) clone() memData {
	out := make(memData, len(d))
	for id, a := range d {
		cp := *a
		cp.positions = append([]Position(nil), a.positions...)
		cp.trades = append([]Trade(nil), a.trades...)
		out[id] = &cp
	}
	return out
}
