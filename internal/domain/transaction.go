package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the closed variant over on-chain effects recorded
// against a deal (§3).
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxPayout     TransactionType = "payout"
	TxRefund     TransactionType = "refund"
	TxCommission TransactionType = "commission"
	TxResource   TransactionType = "resource"
)

// TransactionStatus tracks a Transaction row's on-chain lifecycle.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction is a ledger row per on-chain effect (§3). It carries DealID,
// never a pointer to the parent Deal.
type Transaction struct {
	ID      int64
	DealID  int64
	Type    TransactionType
	Asset   string
	Amount  decimal.Decimal
	TxHash  string
	From    string
	To      string
	Status  TransactionStatus
	Block   int64

	CreatedAt time.Time
}

// AuditEntry is an append-only record of a status transition or arbiter
// decision (§3).
type AuditEntry struct {
	ID       int64
	DealID   int64
	FromStatus Status
	ToStatus   Status
	Actor      string // user id, "system", or "arbiter"
	Reason     string
	CreatedAt  time.Time
}
