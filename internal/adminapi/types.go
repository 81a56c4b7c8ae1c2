package adminapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/domain"
)

// dealView is the JSON shape GET /deals and GET /deals/:id return. It
// flattens domain.Deal rather than exposing it directly so adding an
// internal-only field later doesn't silently leak onto the wire.
type dealView struct {
	ID                 int64           `json:"id"`
	ShortID            string          `json:"short_id"`
	Status             domain.Status   `json:"status"`
	BuyerID            string          `json:"buyer_id"`
	SellerID           string          `json:"seller_id"`
	ProductName        string          `json:"product_name"`
	Asset              string          `json:"asset"`
	Amount             decimal.Decimal `json:"amount"`
	Commission         decimal.Decimal `json:"commission"`
	CommissionPayer    string          `json:"commission_payer"`
	Deadline           time.Time       `json:"deadline"`
	MultisigAddress    string          `json:"multisig_address"`
	DepositTxHash      string          `json:"deposit_tx_hash,omitempty"`
	PayoutTxHash       string          `json:"payout_tx_hash,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func newDealView(d *domain.Deal) dealView {
	return dealView{
		ID: d.ID, ShortID: d.ShortID, Status: d.Status,
		BuyerID: d.BuyerID, SellerID: d.SellerID,
		ProductName: d.ProductName, Asset: d.Asset,
		Amount: d.Amount, Commission: d.Commission, CommissionPayer: d.CommissionPayer,
		Deadline: d.Deadline, MultisigAddress: d.MultisigAddress,
		DepositTxHash: d.DepositTxHash, PayoutTxHash: d.PayoutTxHash,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

// transactionView mirrors domain.Transaction for the wire.
type transactionView struct {
	ID        int64                    `json:"id"`
	DealID    int64                    `json:"deal_id"`
	Type      domain.TransactionType   `json:"type"`
	Asset     string                   `json:"asset"`
	Amount    decimal.Decimal          `json:"amount"`
	TxHash    string                   `json:"tx_hash"`
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	Status    domain.TransactionStatus `json:"status"`
	Block     int64                    `json:"block"`
	CreatedAt time.Time                `json:"created_at"`
}

func newTransactionView(t *domain.Transaction) transactionView {
	return transactionView{
		ID: t.ID, DealID: t.DealID, Type: t.Type, Asset: t.Asset, Amount: t.Amount,
		TxHash: t.TxHash, From: t.From, To: t.To, Status: t.Status, Block: t.Block,
		CreatedAt: t.CreatedAt,
	}
}

// disputeView mirrors domain.Dispute for the wire.
type disputeView struct {
	ID            int64                    `json:"id"`
	DealID        int64                    `json:"deal_id"`
	OpenerID      string                   `json:"opener_id"`
	Reason        string                   `json:"reason"`
	Status        domain.DisputeStatus     `json:"status"`
	Decision      *domain.DisputeDecision  `json:"decision,omitempty"`
	ArbiterReason string                   `json:"arbiter_reason,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	ResolvedAt    *time.Time               `json:"resolved_at,omitempty"`
}

func newDisputeView(d *domain.Dispute) disputeView {
	return disputeView{
		ID: d.ID, DealID: d.DealID, OpenerID: d.OpenerID, Reason: d.Reason,
		Status: d.Status, Decision: d.Decision, ArbiterReason: d.ArbiterReason,
		CreatedAt: d.CreatedAt, ResolvedAt: d.ResolvedAt,
	}
}

// alertView mirrors alerts.Alert for the wire; kept distinct from the
// internal type for the same reason as dealView.
type alertView struct {
	Kind       string    `json:"kind"`
	DealID     int64     `json:"deal_id"`
	IncidentID string    `json:"incident_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

func newAlertView(a alerts.Alert) alertView {
	return alertView{
		Kind: string(a.Kind), DealID: a.DealID, IncidentID: a.IncidentID,
		Message: a.Message, CreatedAt: a.CreatedAt,
	}
}

// receiptView is the data export backing the out-of-scope "PDF/email
// receipt generation" external collaborator: this package hands back
// the structured facts a receipt renderer needs, not a rendered
// document, matching spec.md's "CRUD around auxiliary entities ...
// specified only where they read/write core state."
type receiptView struct {
	Deal         dealView           `json:"deal"`
	Transactions []transactionView  `json:"transactions"`
	Audit        []auditView        `json:"audit"`
}

type auditView struct {
	FromStatus domain.Status `json:"from_status"`
	ToStatus   domain.Status `json:"to_status"`
	Actor      string        `json:"actor"`
	Reason     string        `json:"reason"`
	CreatedAt  time.Time     `json:"created_at"`
}

func newAuditView(e *domain.AuditEntry) auditView {
	return auditView{
		FromStatus: e.FromStatus, ToStatus: e.ToStatus, Actor: e.Actor,
		Reason: e.Reason, CreatedAt: e.CreatedAt,
	}
}

// resolveRequest is the POST /disputes/:id/resolve body (spec §6).
type resolveRequest struct {
	Winner string `json:"winner"` // "buyer" or "seller"
	Reason string `json:"reason"`
}

// cancelRequest is the POST /disputes/:id/cancel body (spec §6).
type cancelRequest struct {
	Reason string `json:"reason"`
}

// broadcastReconcileView is the POST /broadcast/:txhash response: the
// reconciled on-chain truth for a previously-built transaction, since
// escrowd does not persist raw signed transaction bytes to literally
// resubmit (internal/chainclient.SignedTx is an in-process-only value,
// never written to the store) — the only admin lever over a stuck
// broadcast is to reconcile the ledger against the chain's own record
// and let the pipeline run again (a step-2 abort clears
// pendingKeyValidation so the key can be resubmitted), not to replay raw
// bytes.
type broadcastReconcileView struct {
	TxHash     string `json:"tx_hash"`
	Confirmed  bool   `json:"confirmed"`
	Success    bool   `json:"success"`
	Block      int64  `json:"block"`
	Reconciled bool   `json:"reconciled"` // true if a ?deal_id= ledger row's status agrees with the chain
}
