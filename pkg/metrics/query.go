// Package metrics provides services for querying aggregated LLM usage and
// cost metrics back out of Prometheus, independent of the in-process
// recorder used by the gateway middleware (cadforge/pkg/gateway/middleware/metrics).
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// UsageMetrics represents aggregated token and cost usage for a single
// provider/model pair.
type UsageMetrics struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query aggregated LLM usage from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetProviderUsage retrieves aggregated token and cost metrics for a
// single provider, across every model it served.
func (q *QueryService) GetProviderUsage(ctx context.Context, provider string) (*UsageMetrics, error) {
	usage := &UsageMetrics{Provider: provider}

	promptQuery := fmt.Sprintf(`sum(llm_tokens_total{provider=%q, type="prompt"})`, provider)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		usage.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(llm_tokens_total{provider=%q, type="completion"})`, provider)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		usage.CompletionTokens = int64(vector[0].Value)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	costQuery := fmt.Sprintf(`sum(llm_cost_usd_total{provider=%q})`, provider)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		usage.TotalCost = float64(vector[0].Value)
	}

	return usage, nil
}

// GetUsageByModel retrieves usage metrics broken down by model, across all
// providers that served requests in the queried window.
func (q *QueryService) GetUsageByModel(ctx context.Context) (map[string]*UsageMetrics, error) {
	result := make(map[string]*UsageMetrics)

	modelsQuery := `group by (provider, model) (llm_tokens_total)`
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	type providerModel struct{ provider, model string }
	var pairs []providerModel
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			pairs = append(pairs, providerModel{
				provider: string(sample.Metric["provider"]),
				model:    string(sample.Metric["model"]),
			})
		}
	}

	for _, pm := range pairs {
		usage := &UsageMetrics{Provider: pm.provider, Model: pm.model}

		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{provider=%q, model=%q, type="prompt"})`, pm.provider, pm.model)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for %s/%s: %w", pm.provider, pm.model, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			usage.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{provider=%q, model=%q, type="completion"})`, pm.provider, pm.model)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for %s/%s: %w", pm.provider, pm.model, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			usage.CompletionTokens = int64(vector[0].Value)
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		costQuery := fmt.Sprintf(`sum(llm_cost_usd_total{provider=%q, model=%q})`, pm.provider, pm.model)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for %s/%s: %w", pm.provider, pm.model, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			usage.TotalCost = float64(vector[0].Value)
		}

		result[pm.provider+"/"+pm.model] = usage
	}

	return result, nil
}
