// ABOUTME: Tests for error statistics and cleanup
// ABOUTME: Covers aggregation, age-based pruning and repeat-call idempotence

package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-delivery/internal/event"
)

func TestErrorStatistics_Aggregates(t *testing.T) {
	m := NewManager(Options{})
	ctx := t.Context()

	for _, id := range []string{"m1", "m2"} {
		_, err := m.SendToUser(ctx, "u1", testEvent(event.TypeAgentStarted, id))
		require.NoError(t, err)
	}
	_, err := m.SendToUser(ctx, "u2", testEvent(event.TypeAgentStarted, "m3"))
	require.NoError(t, err)

	stats := m.ErrorStatistics()
	assert.Equal(t, 2, stats.TotalUsersWithErrors)
	assert.Equal(t, 3, stats.TotalErrorCount)
	assert.Equal(t, 3, stats.QueuedMessages)
	assert.True(t, stats.ErrorRecoveryEnabled)
	assert.Equal(t, 2, stats.ErrorDetails["u1"].ErrorCount)
	assert.Equal(t, 2, stats.ErrorDetails["u1"].QueuedMessages)
	assert.False(t, stats.ErrorDetails["u1"].LastErrorAt.IsZero())

	raw, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"total_users_with_errors":2`)
	assert.Contains(t, string(raw), `"queued_messages":2`)
}

func TestCleanupErrorData_KeepsRecentData(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)

	result := m.CleanupErrorData(time.Hour)
	assert.Equal(t, CleanupResult{}, result)
	assert.Equal(t, 1, m.ErrorStatistics().TotalErrorCount)
	assert.Equal(t, 1, m.Queue().Len("u1"))
}

func TestCleanupErrorData_PrunesStaleAndIsIdempotent(t *testing.T) {
	m := NewManager(Options{})
	ctx := t.Context()

	_, err := m.SendToUser(ctx, "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	_, err = m.SendToUser(ctx, "u2", testEvent(event.TypeAgentStarted, "m2"))
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	m.now = func() time.Time { return later }

	first := m.CleanupErrorData(time.Hour)
	assert.Equal(t, CleanupResult{CleanedErrorUsers: 2, CleanedQueueUsers: 2}, first)

	second := m.CleanupErrorData(time.Hour)
	assert.Equal(t, CleanupResult{}, second)

	stats := m.ErrorStatistics()
	assert.Equal(t, 0, stats.TotalUsersWithErrors)
	assert.Equal(t, 0, stats.QueuedMessages)
	assert.Empty(t, stats.ErrorDetails)
}

func TestCleanupErrorData_NegativeTreatedAsZero(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Second) }
	result := m.CleanupErrorData(-time.Minute)
	assert.Equal(t, 1, result.CleanedErrorUsers)
}
