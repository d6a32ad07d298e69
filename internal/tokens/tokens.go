// Package tokens tracks per-run token usage and derived cost, and rolls
// those totals up onto the owning project (spec.md C9). Grounded on
// apps/ReleaseParty/backend/internal/store/models.go's UpsertProject: a
// single transaction doing an upsert/increment followed by a derived
// read, generalized here into two BEGIN IMMEDIATE row-locked increments
// (run, then project) plus a trailing metric log insert.
package tokens

import (
	"context"
	"math"

	"paidagent/orchestrator/internal/model"
)

// Pricing is per-million-token cost in US dollars for the configured
// model. Claude 3.5 Sonnet's published rates are the hard-wired default
// (spec.md C9); spec.md gives no per-provider pricing table, so no
// provider-keyed override is plumbed in (see DESIGN.md).
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing is Claude 3.5 Sonnet's published per-million rate.
var DefaultPricing = Pricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// CalculateCost returns the cost in integer cents for a single call,
// per spec.md C9's rounding rule.
func CalculateCost(tokensInput, tokensOutput int64, pricing Pricing) int64 {
	dollars := (float64(tokensInput)/1e6)*pricing.InputPerMillion +
		(float64(tokensOutput)/1e6)*pricing.OutputPerMillion
	return int64(math.Round(dollars * 100))
}

// Store is the subset of store.Store Track needs.
type Store interface {
	IncrementAgentRunUsage(ctx context.Context, id int64, tokensIn, tokensOut, costCents int64) error
	IncrementProjectUsage(ctx context.Context, id int64, costCents, tokens int64) error
	AppendAgentRunLog(ctx context.Context, l model.AgentRunLog) (model.AgentRunLog, error)
}

// Tracker applies usage increments using a fixed pricing table.
type Tracker struct {
	store   Store
	pricing Pricing
}

func New(store Store, pricing Pricing) *Tracker {
	return &Tracker{store: store, pricing: pricing}
}

// Track increments the run's and project's running totals for one call
// and appends a metric log line recording the call's own usage.
func (t *Tracker) Track(ctx context.Context, run model.AgentRun, tokensInput, tokensOutput int64) error {
	costCents := CalculateCost(tokensInput, tokensOutput, t.pricing)

	if err := t.store.IncrementAgentRunUsage(ctx, run.ID, tokensInput, tokensOutput, costCents); err != nil {
		return err
	}
	if err := t.store.IncrementProjectUsage(ctx, run.ProjectID, costCents, tokensInput+tokensOutput); err != nil {
		return err
	}
	_, err := t.store.AppendAgentRunLog(ctx, model.AgentRunLog{
		AgentRunID: run.ID,
		LogType:    model.LogMetric,
		Content:    "token_usage",
		Metadata: map[string]any{
			"type":          "token_usage",
			"tokens_input":  tokensInput,
			"tokens_output": tokensOutput,
			"cost_cents":    costCents,
		},
	})
	return err
}
