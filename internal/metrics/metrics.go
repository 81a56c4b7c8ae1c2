// Package metrics registers the service-wide prometheus collectors that
// sit above internal/circuitbreaker's own per-dependency counters: deal
// lifecycle counts, monitor cycle timings, and payout pipeline outcomes.
// Grounded on the teacher's use of prometheus/client_golang for its own
// rpcserver metrics (go.mod direct dependency; no local source in the
// pack, so the registration shape follows the library's own idiom).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DealTransitions counts state-machine transitions by event and
	// resulting status, the aggregate view over internal/statemachine.
	DealTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_deal_transitions_total",
		Help: "Deal state transitions, labeled by event and resulting status.",
	}, []string{"event", "status"})

	// DepositsConfirmed counts deposits the Deposit Monitor locked.
	DepositsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowd_deposits_confirmed_total",
		Help: "Deposits confirmed and locked by the deposit monitor.",
	})

	// DeadlineNoticesSent counts one-shot deadline notices emitted.
	DeadlineNoticesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowd_deadline_notices_total",
		Help: "Deadline-passed notices sent by the deadline monitor.",
	})

	// DeadlineAutoResolutionsOpened counts grace-period key-validation
	// sessions the deadline monitor opened.
	DeadlineAutoResolutionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowd_deadline_auto_resolutions_opened_total",
		Help: "Key-validation sessions opened after a deal's grace period elapsed.",
	})

	// DisputesOpened and DisputesResolved count Dispute Engine activity.
	DisputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowd_disputes_opened_total",
		Help: "Disputes opened.",
	})
	DisputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_disputes_resolved_total",
		Help: "Disputes resolved, labeled by decision.",
	}, []string{"decision"})

	// Autobans counts loss-streak autoban events (§4.4 threshold 3).
	Autobans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowd_autobans_total",
		Help: "Users autobanned after reaching the consecutive-loss threshold.",
	})

	// PayoutPipelineRuns counts Payout Pipeline invocations by outcome.
	PayoutPipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_payout_pipeline_runs_total",
		Help: "Payout pipeline runs, labeled by outcome (completed, aborted).",
	}, []string{"outcome"})

	// PayoutResourceMethod counts which resource-provisioning path step 1
	// took, labeled feesaver vs trx (§4.6 step 1).
	PayoutResourceMethod = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_payout_resource_method_total",
		Help: "Resource provisioning method used per payout, labeled feesaver or trx.",
	}, []string{"method"})

	// PayoutCostUSD observes each completed deal's total operational cost.
	PayoutCostUSD = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrowd_payout_cost_usd",
		Help:    "Total USD operational cost per completed payout.",
		Buckets: prometheus.LinearBuckets(0, 1, 10),
	})

	// AdminAPIRequests counts internal/adminapi requests, labeled by route
	// and outcome (ok, unauthorized, error).
	AdminAPIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowd_admin_api_requests_total",
		Help: "Admin API requests, labeled by route and outcome.",
	}, []string{"route", "outcome"})
)

// MustRegister registers every collector in this package against reg. A
// panic here is a startup-time programming error, not a runtime
// condition, matching prometheus's own MustRegister contract.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DealTransitions,
		DepositsConfirmed,
		DeadlineNoticesSent,
		DeadlineAutoResolutionsOpened,
		DisputesOpened,
		DisputesResolved,
		Autobans,
		PayoutPipelineRuns,
		PayoutResourceMethod,
		PayoutCostUSD,
		AdminAPIRequests,
	)
}
