package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/errs"
	"github.com/escrowd/escrowd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("adminapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if kind, ok := errs.KindOf(err); ok {
		switch kind {
		case errs.KindValidation:
			status = http.StatusBadRequest
		case errs.KindInvalidStateTransition:
			status = http.StatusConflict
		case errs.KindServiceUnavailable:
			status = http.StatusServiceUnavailable
		}
		msg = err.Error()
	} else if err == store.ErrNotFound {
		status = http.StatusNotFound
		msg = "not found"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathInt64(ps httprouter.Params, name string) (int64, error) {
	return strconv.ParseInt(ps.ByName(name), 10, 64)
}

// listDeals handles GET /deals, optionally filtered by ?status= and
// ?user_id=.
func (s *Server) listDeals(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var filter store.DealFilter
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = []domain.Status{domain.Status(st)}
	}
	filter.UserID = r.URL.Query().Get("user_id")

	deals, err := s.cfg.Store.ListDeals(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]dealView, len(deals))
	for i, d := range deals {
		views[i] = newDealView(d)
	}
	writeJSON(w, http.StatusOK, views)
}

// getDeal handles GET /deals/:id.
func (s *Server) getDeal(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathInt64(ps, "id")
	if err != nil {
		writeError(w, errs.Validationf("invalid deal id"))
		return
	}
	d, err := s.cfg.Store.GetDeal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDealView(d))
}

// listTransactions handles GET /transactions?deal_id=N, the only filter
// internal/store's ledger read path supports (spec §3: transactions are
// always looked up per-deal, never globally).
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dealIDStr := r.URL.Query().Get("deal_id")
	if dealIDStr == "" {
		writeError(w, errs.Validationf("deal_id query parameter is required"))
		return
	}
	dealID, err := strconv.ParseInt(dealIDStr, 10, 64)
	if err != nil {
		writeError(w, errs.Validationf("invalid deal_id"))
		return
	}
	txs, err := s.cfg.Store.ListTransactions(r.Context(), dealID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]transactionView, len(txs))
	for i, t := range txs {
		views[i] = newTransactionView(t)
	}
	writeJSON(w, http.StatusOK, views)
}

// listDisputes handles GET /disputes, optionally filtered by ?status=.
func (s *Server) listDisputes(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var filter store.DisputeFilter
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = domain.DisputeStatus(st)
	}
	disputes, err := s.cfg.Store.ListDisputes(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]disputeView, len(disputes))
	for i, d := range disputes {
		views[i] = newDisputeView(d)
	}
	writeJSON(w, http.StatusOK, views)
}

// resolveDispute handles POST /disputes/:id/resolve { winner, reason }.
// Per spec §6 this is idempotent on an already-resolved dispute: the
// current state is returned rather than re-running resolution, since
// internal/dispute.Engine.Resolve itself has no idempotency guard (its
// second call would fail looking up an open dispute that no longer
// exists).
func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathInt64(ps, "id")
	if err != nil {
		writeError(w, errs.Validationf("invalid dispute id"))
		return
	}
	disp, err := s.cfg.Store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if disp.Status != domain.DisputeOpen {
		writeJSON(w, http.StatusOK, newDisputeView(disp))
		return
	}

	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	var decision domain.DisputeDecision
	switch body.Winner {
	case "buyer":
		decision = domain.DecisionRefundBuyer
	case "seller":
		decision = domain.DecisionReleaseSeller
	default:
		writeError(w, errs.Validationf("winner must be \"buyer\" or \"seller\""))
		return
	}

	if err := s.cfg.Dispute.Resolve(r.Context(), disp.DealID, decision, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.cfg.Store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(updated))
}

// cancelDispute handles POST /disputes/:id/cancel { reason }, aborting
// an open dispute back to its prior state (spec §6).
func (s *Server) cancelDispute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathInt64(ps, "id")
	if err != nil {
		writeError(w, errs.Validationf("invalid dispute id"))
		return
	}
	disp, err := s.cfg.Store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if disp.Status != domain.DisputeOpen {
		writeJSON(w, http.StatusOK, newDisputeView(disp))
		return
	}

	var body cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := s.cfg.Dispute.Cancel(r.Context(), disp.DealID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.cfg.Store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(updated))
}

// listAlerts handles GET /alerts.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list := s.cfg.Alerts.List()
	views := make([]alertView, len(list))
	for i, a := range list {
		views[i] = newAlertView(a)
	}
	writeJSON(w, http.StatusOK, views)
}

// dealReceipt handles POST /deals/:id/receipt: assembles the structured
// export an out-of-scope PDF/email renderer would consume.
func (s *Server) dealReceipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathInt64(ps, "id")
	if err != nil {
		writeError(w, errs.Validationf("invalid deal id"))
		return
	}
	d, err := s.cfg.Store.GetDeal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	txs, err := s.cfg.Store.ListTransactions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	audit, err := s.cfg.Store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	txViews := make([]transactionView, len(txs))
	for i, t := range txs {
		txViews[i] = newTransactionView(t)
	}
	auditViews := make([]auditView, len(audit))
	for i, e := range audit {
		auditViews[i] = newAuditView(e)
	}

	writeJSON(w, http.StatusOK, receiptView{
		Deal: newDealView(d), Transactions: txViews, Audit: auditViews,
	})
}

// triggerBroadcast handles POST /broadcast/:txhash: asks the chain for
// the current truth about a transaction hash and compares it against
// the ledger. escrowd never persists a raw signed envelope to literally
// replay (see broadcastReconcileView's comment) — the transaction
// ledger is append-only (internal/store.TransactionStore has no update
// path, matching spec §3's ledger semantics) — so this is a read-only
// reconciliation report rather than a write: the operator-facing half
// of investigating a transaction whose broadcast went wrong (neither
// internal/circuitbreaker nor internal/payout retries a failed broadcast),
// with any ledger mismatch logged for follow-up rather than silently
// patched.
func (s *Server) triggerBroadcast(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	txHash := ps.ByName("txhash")
	if txHash == "" {
		writeError(w, errs.Validationf("tx hash is required"))
		return
	}

	info, err := s.cfg.Chain.GetTransactionInfo(r.Context(), txHash)
	if err != nil {
		writeError(w, errs.RPC("chain client", err))
		return
	}

	matchesLedger := false
	if dealIDStr := r.URL.Query().Get("deal_id"); dealIDStr != "" {
		if dealID, err := strconv.ParseInt(dealIDStr, 10, 64); err == nil {
			if txs, err := s.cfg.Store.ListTransactions(r.Context(), dealID); err == nil {
				for _, t := range txs {
					if t.TxHash != txHash {
						continue
					}
					ledgerConfirmed := t.Status == domain.TxStatusConfirmed
					matchesLedger = ledgerConfirmed == info.Confirmed
					if !matchesLedger {
						log.Warnf("adminapi: tx %s ledger status %s disagrees with chain (confirmed=%v success=%v)",
							txHash, t.Status, info.Confirmed, info.Success)
					}
					break
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, broadcastReconcileView{
		TxHash: txHash, Confirmed: info.Confirmed, Success: info.Success,
		Block: info.Block, Reconciled: matchesLedger,
	})
}
