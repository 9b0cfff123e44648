package observability

import "time"

// ObserveLLMRequest records one guarded LLM call.
func ObserveLLMRequest(provider, kind, outcome string, elapsed time.Duration) {
	llmRequestsTotal.WithLabelValues(provider, kind, outcome).Inc()
	llmRequestDurationSeconds.WithLabelValues(provider, kind).Observe(elapsed.Seconds())
}

// ObserveWarehouseQuery records a statement outcome: ok, empty or error.
func ObserveWarehouseQuery(outcome string) {
	warehouseQueriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveLogin records a login attempt outcome.
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSessions publishes the number of registered sessions.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}
