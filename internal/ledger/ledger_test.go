package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dingzd/internal/db"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestAppendAndQuery(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	id, err := l.Append(ctx, EventModeChangeUnsupported, "AABBCC", map[string]any{"old_mode": 1, "new_mode": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = l.Append(ctx, EventReconcileCompleted, "DDEEFF", nil)
	require.NoError(t, err)

	entries, err := l.GetByType(ctx, EventModeChangeUnsupported, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "AABBCC", entries[0].Device)
	assert.Equal(t, float64(3), entries[0].Payload["new_mode"])

	byDevice, err := l.GetByDevice(ctx, "DDEEFF", 10)
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Nil(t, byDevice[0].Payload)
}

func TestDeleteOlderThan(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base.Add(-10 * 24 * time.Hour) }
	_, err := l.Append(ctx, EventReconcileCompleted, "AA", nil)
	require.NoError(t, err)

	l.now = func() time.Time { return base }
	_, err = l.Append(ctx, EventReconcileCompleted, "AA", nil)
	require.NoError(t, err)

	n, err := l.DeleteOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := l.GetByDevice(ctx, "AA", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
