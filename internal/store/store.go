// Package store defines the persistence seam over the Deal aggregate and
// its children (spec §3, §6 "Persisted state"). Concrete implementations
// back onto Postgres (internal/store's postgres.go, via pgx) or an
// in-memory double (memory.go) used by unit and scenario tests, the same
// split the teacher draws between channeldb's on-disk bolt store and the
// mocks htlcswitch/mock.go hands to its own tests.
package store

import (
	"context"
	"errors"

	"github.com/escrowd/escrowd/internal/domain"
)

// ErrNotFound is returned when a lookup by id/address finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by UpdateDeal when the deal's version
// has moved since the caller read it — the optimistic-concurrency
// precondition of spec §5 ("concurrent transitions are impossible
// because each transition carries a precondition on the current status
// and fails on mismatch").
var ErrVersionConflict = errors.New("store: version conflict")

// DealFilter narrows ListDeals queries; zero values are wildcards.
type DealFilter struct {
	Status     []domain.Status
	BuyerID    string
	SellerID   string
	UserID     string // either buyer or seller
	DeadlineBefore *int64
}

// DealStore persists the Deal aggregate root and serializes transitions
// via optimistic concurrency (spec §5).
type DealStore interface {
	CreateDeal(ctx context.Context, d *domain.Deal) error
	GetDeal(ctx context.Context, id int64) (*domain.Deal, error)
	GetDealByShortID(ctx context.Context, shortID string) (*domain.Deal, error)
	GetDealByMultisigAddress(ctx context.Context, address string) (*domain.Deal, error)
	ListDeals(ctx context.Context, filter DealFilter) ([]*domain.Deal, error)

	// HasActiveDeal implements invariant 2 (spec §3, §8): at most one
	// active deal per user.
	HasActiveDeal(ctx context.Context, userID string) (bool, error)

	// UpdateDeal persists a compare-and-swap on d.Version. Implementations
	// must increment the stored version and reject (ErrVersionConflict)
	// if the caller's d.Version does not match the currently stored one.
	UpdateDeal(ctx context.Context, d *domain.Deal) error

	GetWallet(ctx context.Context, dealID int64) (*domain.MultisigWallet, error)
	PutWallet(ctx context.Context, w *domain.MultisigWallet) error
}

// TransactionStore persists the Transaction ledger (spec §3).
type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, dealID int64) ([]*domain.Transaction, error)
	SumByType(ctx context.Context, dealID int64, types ...domain.TransactionType) (string, error)
}

// AuditStore persists the append-only Audit Log (spec §3).
type AuditStore interface {
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAudit(ctx context.Context, dealID int64) ([]*domain.AuditEntry, error)
}

// DisputeFilter narrows ListDisputes queries; a zero Status is a wildcard.
type DisputeFilter struct {
	Status domain.DisputeStatus
}

// DisputeStore persists Dispute records and the per-user DisputeStats
// read model (spec §4.4).
type DisputeStore interface {
	CreateDispute(ctx context.Context, d *domain.Dispute) error
	GetDispute(ctx context.Context, id int64) (*domain.Dispute, error)
	GetOpenDisputeForDeal(ctx context.Context, dealID int64) (*domain.Dispute, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d *domain.Dispute) error

	GetDisputeStats(ctx context.Context, userID string) (*domain.DisputeStats, error)
	PutDisputeStats(ctx context.Context, s *domain.DisputeStats) error
}

// Store is the full persistence facade escrowd's subsystems depend on.
type Store interface {
	DealStore
	TransactionStore
	AuditStore
	DisputeStore
}
