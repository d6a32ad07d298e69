package ghclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryDelayHonorsRetryAfterSeconds(t *testing.T) {
	d := retryDelay(1, "2", time.Second, 30*time.Second)
	require.Equal(t, 2*time.Second, d)
}

func TestRetryDelayClampsToMax(t *testing.T) {
	d := retryDelay(1, "9999", time.Second, 5*time.Second)
	require.Equal(t, 5*time.Second, d)
}

func TestRetryDelayBacksOffExponentiallyWithoutRetryAfter(t *testing.T) {
	d := retryDelay(3, "", 500*time.Millisecond, 30*time.Second)
	// base*2^(attempt-1) = 500ms*4 = 2s, +/-50% jitter.
	require.GreaterOrEqual(t, d, time.Duration(0))
	require.LessOrEqual(t, d, 30*time.Second)
}

func TestShouldRetryStatus(t *testing.T) {
	require.True(t, shouldRetryStatus(429))
	require.True(t, shouldRetryStatus(503))
	require.False(t, shouldRetryStatus(404))
	require.False(t, shouldRetryStatus(200))
}

func TestClassifyStatusTaxonomy(t *testing.T) {
	require.IsType(t, &AuthenticationError{}, classifyStatus(401, false, time.Time{}))
	require.IsType(t, &NotFoundError{}, classifyStatus(404, false, time.Time{}))
	require.IsType(t, &RateLimitError{}, classifyStatus(429, false, time.Time{}))
	require.IsType(t, &RateLimitError{}, classifyStatus(403, true, time.Time{}))
	require.IsType(t, &ApiError{}, classifyStatus(403, false, time.Time{}))
	require.Nil(t, classifyStatus(200, false, time.Time{}))
}
