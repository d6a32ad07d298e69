package tokens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"paidagent/orchestrator/internal/model"
)

func TestCalculateCostMatchesClaude35SonnetPricing(t *testing.T) {
	// 1M input + 1M output tokens = $3.00 + $15.00 = $18.00 = 1800 cents.
	require.Equal(t, int64(1800), CalculateCost(1_000_000, 1_000_000, DefaultPricing))
}

func TestCalculateCostRoundsToNearestCent(t *testing.T) {
	require.Equal(t, int64(0), CalculateCost(1, 0, DefaultPricing))
	require.Equal(t, int64(225), CalculateCost(500_000, 50_000, DefaultPricing))
}

type fakeStore struct {
	runTokensIn, runTokensOut, runCost int64
	projectCost, projectTokens        int64
	logs                              []model.AgentRunLog
}

func (f *fakeStore) IncrementAgentRunUsage(ctx context.Context, id int64, tokensIn, tokensOut, costCents int64) error {
	f.runTokensIn += tokensIn
	f.runTokensOut += tokensOut
	f.runCost += costCents
	return nil
}

func (f *fakeStore) IncrementProjectUsage(ctx context.Context, id int64, costCents, tokens int64) error {
	f.projectCost += costCents
	f.projectTokens += tokens
	return nil
}

func (f *fakeStore) AppendAgentRunLog(ctx context.Context, l model.AgentRunLog) (model.AgentRunLog, error) {
	f.logs = append(f.logs, l)
	return l, nil
}

func TestTrackIncrementsRunAndProjectAndAppendsMetricLog(t *testing.T) {
	store := &fakeStore{}
	tracker := New(store, DefaultPricing)

	run := model.AgentRun{ID: 1, ProjectID: 9}
	err := tracker.Track(context.Background(), run, 1_000_000, 1_000_000)
	require.NoError(t, err)

	require.Equal(t, int64(1800), store.runCost)
	require.Equal(t, int64(1800), store.projectCost)
	require.Equal(t, int64(2_000_000), store.projectTokens)
	require.Len(t, store.logs, 1)
	require.Equal(t, model.LogMetric, store.logs[0].LogType)
	require.Equal(t, "token_usage", store.logs[0].Metadata["type"])
}
