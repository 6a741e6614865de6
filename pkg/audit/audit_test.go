package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/canonical"
	"github.com/leash-dev/leash/pkg/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := NewLog(db)
	require.NoError(t, err)
	return l
}

func TestAppend_FirstEventChainsToGenesis(t *testing.T) {
	// Invariant: the first event's prev_hash is the genesis sentinel.
	l := newTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, EventAdminLogin, map[string]any{"username": "admin"})
	require.NoError(t, err)
	assert.Equal(t, Genesis, e.PrevHash)
	assert.Len(t, e.EventHash, 64)
}

func TestAppend_LinksToPreviousHash(t *testing.T) {
	// Invariant: event N's prev_hash equals event N-1's event_hash.
	l := newTestLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, EventAgentCreated, map[string]any{"agentId": 1})
	require.NoError(t, err)
	second, err := l.Append(ctx, EventAgentCreated, map[string]any{"agentId": 2})
	require.NoError(t, err)

	assert.Equal(t, first.EventHash, second.PrevHash)
}

func TestAppend_HashCoversCanonicalPayload(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, EventSettingUpdated, map[string]any{"key": "safe_mode"})
	require.NoError(t, err)

	// Recompute from the stored payload exactly as a third party would.
	recomputed := canonical.HashString(e.PrevHash + string(e.Data))
	assert.Equal(t, e.EventHash, recomputed)
}

func TestVerify_CleanChain(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, EventRequestCreated, map[string]any{"requestId": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Verify(ctx))
}

func TestVerify_DetectsDataTampering(t *testing.T) {
	// Invariant: mutating any persisted payload breaks verification.
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, EventRequestCreated, map[string]any{"requestId": i})
		require.NoError(t, err)
	}

	_, err := l.db.ExecContext(ctx,
		`UPDATE audit_events SET data = ? WHERE id = 2`,
		`{"data":{"requestId":99},"eventType":"REQUEST_CREATED","timestamp":"2026-01-01T00:00:00.000Z"}`)
	require.NoError(t, err)

	err = l.Verify(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerify_DetectsDeletedEvent(t *testing.T) {
	// Invariant: removing an interior event leaves a dangling prev_hash.
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, EventRequestCreated, map[string]any{"requestId": i})
		require.NoError(t, err)
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = 2`)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Verify(ctx), ErrChainBroken)
}

func TestList_FiltersAndOrders(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, EventAdminLogin, map[string]any{"username": "admin"})
	require.NoError(t, err)
	_, err = l.Append(ctx, EventRequestCreated, map[string]any{"requestId": 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, EventRequestCreated, map[string]any{"requestId": 2})
	require.NoError(t, err)

	all, err := l.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, EventRequestCreated, all[0].EventType)
	assert.Equal(t, EventAdminLogin, all[2].EventType)

	filtered, err := l.List(ctx, EventRequestCreated, 0)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	limited, err := l.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHead_EmptyLogIsGenesis(t *testing.T) {
	l := newTestLog(t)
	head, err := l.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Genesis, head)
}
