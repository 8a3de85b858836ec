package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched, by tool name and result status.",
	}, []string{"tool", "status"})

	guardDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spend_guard_decisions_total",
		Help:      "Spend guard authorisation outcomes per chain.",
	}, []string{"chain", "outcome"})

	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_submissions_total",
		Help:      "Ledger submissions per chain and outcome.",
	}, []string{"chain", "outcome"})

	sessionSpent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_spent",
		Help:      "Amount reserved by the current session in native units.",
	}, []string{"chain"})
)

func init() {
	registry.MustRegister(toolCalls, guardDecisions, submissions, sessionSpent)
}

// ObserveToolCall counts a dispatched tool call.
func ObserveToolCall(tool, status string) {
	toolCalls.WithLabelValues(tool, status).Inc()
}

// ObserveGuardDecision counts a spend guard outcome. outcome is "approved" or
// the rejection code.
func ObserveGuardDecision(chain, outcome string) {
	guardDecisions.WithLabelValues(chain, outcome).Inc()
}

// ObserveSubmission counts a ledger submission outcome.
func ObserveSubmission(chain, outcome string) {
	submissions.WithLabelValues(chain, outcome).Inc()
}

// SetSessionSpent publishes the reserved amount for chain.
func SetSessionSpent(chain string, spent decimal.Decimal) {
	sessionSpent.WithLabelValues(chain).Set(spent.InexactFloat64())
}
