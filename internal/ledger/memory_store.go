package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. Compare-and-set transitions are serialized by the store mutex, so
// it honors the same status-guard contract as the Postgres store.
type MemoryStore struct {
	purchases map[string]*Purchase    // id -> purchase
	byPair    map[string]string       // buyer:course -> purchase id
	txns      map[string]*Transaction // id -> transaction
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		byPair:    make(map[string]string),
		txns:      make(map[string]*Transaction),
	}
}

func pairKey(buyerID, courseID string) string {
	return buyerID + ":" + courseID
}

func (m *MemoryStore) CreatePurchase(ctx context.Context, p *Purchase, txns ...*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(p.BuyerID, p.CourseID)
	if _, exists := m.byPair[key]; exists {
		return ErrDuplicatePurchase
	}

	cp := *p
	m.purchases[p.ID] = &cp
	m.byPair[key] = p.ID
	for _, t := range txns {
		tc := cloneTxn(t)
		m.txns[t.ID] = tc
	}
	return nil
}

func (m *MemoryStore) UpgradePurchase(ctx context.Context, p *Purchase, txns ...*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.purchases[p.ID]
	if !ok {
		return ErrPurchaseNotFound
	}
	// Same compare-and-set contract as the Postgres store: the stored row
	// must still be freemium or a concurrent upgrade already won.
	if cur.Kind != KindFreemium {
		return ErrAlreadySubscribed
	}
	cp := *p
	m.purchases[p.ID] = &cp
	for _, t := range txns {
		m.txns[t.ID] = cloneTxn(t)
	}
	return nil
}

func (m *MemoryStore) GetPurchase(ctx context.Context, buyerID, courseID string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[pairKey(buyerID, courseID)]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *m.purchases[id]
	return &cp, nil
}

func (m *MemoryStore) GetPurchaseByID(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

// GetSaleCredit returns the most recent sale_credit for the purchase. A
// freemium-upgraded purchase has exactly one; the newest wins by creation
// time in any case.
func (m *MemoryStore) GetSaleCredit(ctx context.Context, purchaseID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Transaction
	for _, t := range m.txns {
		if t.PurchaseID == purchaseID && t.Kind == TxSaleCredit {
			if found == nil || t.CreatedAt.After(found.CreatedAt) {
				found = t
			}
		}
	}
	if found == nil {
		return nil, ErrCreditNotFound
	}
	return cloneTxn(found), nil
}

func (m *MemoryStore) FindByExternalRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.ExternalRef != "" && t.ExternalRef == ref {
			return cloneTxn(t), nil
		}
	}
	return nil, ErrUnknownReference
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, txnID string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[txnID]
	if !ok {
		return ErrCreditNotFound
	}
	if t.Status != from {
		return ErrStorageConflict
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SettleCredit(ctx context.Context, creditID string, metadata map[string]string, commission *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	credit, ok := m.txns[creditID]
	if !ok {
		return ErrCreditNotFound
	}
	if credit.Status != StatusPending {
		return ErrStorageConflict
	}

	credit.Status = StatusCredited
	credit.Metadata = copyMeta(metadata)
	credit.UpdatedAt = time.Now()
	m.txns[commission.ID] = cloneTxn(commission)
	return nil
}

func (m *MemoryStore) RefundPurchase(ctx context.Context, purchaseID string) (*Transaction, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var debit, credit *Transaction
	for _, t := range m.txns {
		if t.PurchaseID != purchaseID {
			continue
		}
		switch {
		case t.Kind == TxSaleCredit && t.Status == StatusReported:
			if credit == nil || t.CreatedAt.After(credit.CreatedAt) {
				credit = t
			}
		case t.Kind == TxPurchaseDebit && t.Status == StatusCompleted:
			if debit == nil || t.CreatedAt.After(debit.CreatedAt) {
				debit = t
			}
		}
	}
	if credit == nil {
		return nil, nil, ErrNotRefundable
	}
	if debit == nil {
		return nil, nil, ErrCreditNotFound
	}

	now := time.Now()
	debit.Status = StatusRefunded
	debit.Amount = debit.Amount.Neg()
	debit.UpdatedAt = now
	credit.Status = StatusRefunded
	credit.Amount = credit.Amount.Neg()
	credit.UpdatedAt = now

	return cloneTxn(debit), cloneTxn(credit), nil
}

func (m *MemoryStore) ListMatured(ctx context.Context, now time.Time, limit int) ([]*MaturedCredit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MaturedCredit
	for _, t := range m.txns {
		if t.Kind != TxSaleCredit || t.Status != StatusPending || t.PurchaseID == "" {
			continue
		}
		p, ok := m.purchases[t.PurchaseID]
		if !ok || p.HoldDays == nil || !p.EscrowMatured(now) {
			continue
		}
		cp := *p
		out = append(out, &MaturedCredit{Credit: cloneTxn(t), Purchase: &cp})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Credit.CreatedAt.Before(out[j].Credit.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.UserID == userID {
			out = append(out, cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumByPurchase(ctx context.Context, purchaseID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range m.txns {
		if t.PurchaseID == purchaseID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func cloneTxn(t *Transaction) *Transaction {
	cp := *t
	cp.Metadata = copyMeta(t.Metadata)
	return &cp
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
