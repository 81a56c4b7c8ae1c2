package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/domain"
)

// Memory is an in-process Store double. It implements exactly the same
// optimistic-concurrency and active-deal-uniqueness rules the Postgres
// implementation must, so scenario tests (spec §8 S1-S6) exercise real
// invariants without a database.
type Memory struct {
	mu sync.Mutex

	nextDealID int64
	nextTxID   int64
	nextAuditID int64
	nextDisputeID int64

	deals        map[int64]*domain.Deal
	dealsByShort map[string]int64
	dealsByAddr  map[string]int64
	wallets      map[int64]*domain.MultisigWallet
	transactions map[int64][]*domain.Transaction
	audit        map[int64][]*domain.AuditEntry
	disputes     map[int64]*domain.Dispute
	disputesByDeal map[int64]int64
	stats        map[string]*domain.DisputeStats
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		deals:          map[int64]*domain.Deal{},
		dealsByShort:   map[string]int64{},
		dealsByAddr:    map[string]int64{},
		wallets:        map[int64]*domain.MultisigWallet{},
		transactions:   map[int64][]*domain.Transaction{},
		audit:          map[int64][]*domain.AuditEntry{},
		disputes:       map[int64]*domain.Dispute{},
		disputesByDeal: map[int64]int64{},
		stats:          map[string]*domain.DisputeStats{},
	}
}

func cloneDeal(d *domain.Deal) *domain.Deal {
	cp := *d
	if d.PendingKeyValidation != nil {
		v := *d.PendingKeyValidation
		cp.PendingKeyValidation = &v
	}
	if d.OperationalCosts != nil {
		v := *d.OperationalCosts
		cp.OperationalCosts = &v
	}
	if d.CompletedAt != nil {
		v := *d.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func (m *Memory) CreateDeal(ctx context.Context, d *domain.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDealID++
	d.ID = m.nextDealID
	d.Version = 1
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now

	m.deals[d.ID] = cloneDeal(d)
	m.dealsByShort[d.ShortID] = d.ID
	if d.MultisigAddress != "" {
		m.dealsByAddr[d.MultisigAddress] = d.ID
	}
	return nil
}

func (m *Memory) GetDeal(ctx context.Context, id int64) (*domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeal(d), nil
}

func (m *Memory) GetDealByShortID(ctx context.Context, shortID string) (*domain.Deal, error) {
	m.mu.Lock()
	id, ok := m.dealsByShort[shortID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetDeal(ctx, id)
}

func (m *Memory) GetDealByMultisigAddress(ctx context.Context, address string) (*domain.Deal, error) {
	m.mu.Lock()
	id, ok := m.dealsByAddr[address]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetDeal(ctx, id)
}

func (m *Memory) ListDeals(ctx context.Context, filter DealFilter) ([]*domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := map[domain.Status]bool{}
	for _, s := range filter.Status {
		statusSet[s] = true
	}

	var out []*domain.Deal
	for _, d := range m.deals {
		if len(statusSet) > 0 && !statusSet[d.Status] {
			continue
		}
		if filter.BuyerID != "" && d.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != "" && d.SellerID != filter.SellerID {
			continue
		}
		if filter.UserID != "" && d.BuyerID != filter.UserID && d.SellerID != filter.UserID {
			continue
		}
		if filter.DeadlineBefore != nil && d.Deadline.Unix() >= *filter.DeadlineBefore {
			continue
		}
		out = append(out, cloneDeal(d))
	}
	return out, nil
}

func (m *Memory) HasActiveDeal(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deals {
		if !domain.ActiveStatuses[d.Status] {
			continue
		}
		if d.BuyerID == userID || d.SellerID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UpdateDeal(ctx context.Context, d *domain.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.deals[d.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != d.Version {
		return ErrVersionConflict
	}

	updated := cloneDeal(d)
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()

	m.deals[d.ID] = updated
	m.dealsByShort[updated.ShortID] = updated.ID
	if updated.MultisigAddress != "" {
		m.dealsByAddr[updated.MultisigAddress] = updated.ID
	}

	// The caller's in-memory copy should observe the new version so a
	// chained UpdateDeal in the same request succeeds.
	d.Version = updated.Version
	d.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *Memory) GetWallet(ctx context.Context, dealID int64) (*domain.MultisigWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[dealID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) PutWallet(ctx context.Context, w *domain.MultisigWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wallets[w.DealID] = &cp
	return nil
}

func (m *Memory) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID++
	tx.ID = m.nextTxID
	tx.CreatedAt = time.Now()
	cp := *tx
	m.transactions[tx.DealID] = append(m.transactions[tx.DealID], &cp)
	return nil
}

func (m *Memory) ListTransactions(ctx context.Context, dealID int64) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range m.transactions[dealID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SumByType(ctx context.Context, dealID int64, types ...domain.TransactionType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[domain.TransactionType]bool{}
	for _, t := range types {
		want[t] = true
	}
	sum := decimal.Zero
	for _, tx := range m.transactions[dealID] {
		if want[tx.Type] {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum.String(), nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	e.ID = m.nextAuditID
	e.CreatedAt = time.Now()
	cp := *e
	m.audit[e.DealID] = append(m.audit[e.DealID], &cp)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, dealID int64) ([]*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range m.audit[dealID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDisputeID++
	d.ID = m.nextDisputeID
	d.CreatedAt = time.Now()
	cp := *d
	m.disputes[d.ID] = &cp
	m.disputesByDeal[d.DealID] = d.ID
	return nil
}

func (m *Memory) GetDispute(ctx context.Context, id int64) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Dispute
	for _, d := range m.disputes {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetOpenDisputeForDeal(ctx context.Context, dealID int64) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.disputesByDeal[dealID]
	if !ok {
		return nil, ErrNotFound
	}
	d := m.disputes[id]
	if d.Status != domain.DisputeOpen {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *Memory) GetDisputeStats(ctx context.Context, userID string) (*domain.DisputeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		return &domain.DisputeStats{UserID: userID}, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) PutDisputeStats(ctx context.Context, s *domain.DisputeStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.stats[s.UserID] = &cp
	return nil
}

var _ Store = (*Memory)(nil)
