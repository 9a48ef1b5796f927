package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode and
// tests.
type MemoryStore struct {
	balances map[string]*Balance
	applied  map[string]bool // transaction id -> already applied
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		applied:  make(map[string]bool),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, userID string, delta decimal.Decimal, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[transactionID] {
		return false, nil
	}
	m.applied[transactionID] = true

	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID, Amount: decimal.Zero}
		m.balances[userID] = bal
	}
	bal.Amount = bal.Amount.Add(delta)
	bal.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, Amount: decimal.Zero, UpdatedAt: time.Now()}, nil
}
