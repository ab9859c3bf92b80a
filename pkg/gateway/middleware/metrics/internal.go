// Package metrics provides internal metrics tracking for LLM operations.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory
// aggregation, keyed by provider/model/role. This is much simpler than
// Prometheus and doesn't require external services. pkg/metrics does
// not read from it; that package queries a Prometheus server.
type InternalRecorder struct {
	totals map[string]*ProviderMetrics // "provider/model/role" -> aggregated metrics
	mu     sync.RWMutex
}

// ProviderMetrics represents aggregated metrics for one provider/model/role triple.
type ProviderMetrics struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Role             string    `json:"role"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	ErrorCount       int64     `json:"error_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	LastUpdated      time.Time `json:"last_updated"`
}

//nolint:gochecknoglobals // Singleton instance and initialization synchronization.
var (
	internalInstance *InternalRecorder
	internalOnce     sync.Once
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			totals: make(map[string]*ProviderMetrics),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	provider, model, role string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	key := provider + "/" + model + "/" + role

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.totals[key]
	if !exists {
		entry = &ProviderMetrics{Provider: provider, Model: model, Role: role}
		r.totals[key] = entry
	}

	entry.RequestCount++
	entry.LastUpdated = time.Now()
	if !success {
		entry.ErrorCount++
		return
	}

	entry.PromptTokens += int64(promptTokens)
	entry.CompletionTokens += int64(completionTokens)
	entry.TotalTokens = entry.PromptTokens + entry.CompletionTokens
	entry.TotalCost += cost
}

// Snapshot returns a copy of the current aggregated metrics, keyed as
// they are stored internally ("provider/model/role").
func (r *InternalRecorder) Snapshot() map[string]ProviderMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]ProviderMetrics, len(r.totals))
	for key, entry := range r.totals {
		result[key] = *entry
	}
	return result
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = make(map[string]*ProviderMetrics)
}
