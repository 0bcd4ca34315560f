package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LatestSnapshot(ctx, "w1")
	require.ErrorIs(t, err, ErrNoSnapshot)

	snap := AgentStateSnapshot{
		WorkerID:    "w1",
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ActiveTasks: []string{"a"},
		Config:      map[string]string{"k": "v"},
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	snap.ActiveTasks[0] = "mutated"
	snap.Config["k"] = "mutated"

	got, err := s.LatestSnapshot(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.ActiveTasks, "store keeps its own copy")
	assert.Equal(t, "v", got.Config["k"])

	require.NoError(t, s.SaveCheckpoint(ctx, TaskCheckpoint{TaskID: "b", WorkerID: "w1", Progress: 0.2}))
	require.NoError(t, s.SaveCheckpoint(ctx, TaskCheckpoint{TaskID: "a", WorkerID: "w1", Progress: 0.4}))
	require.NoError(t, s.SaveCheckpoint(ctx, TaskCheckpoint{TaskID: "c", WorkerID: "w2"}))
	require.NoError(t, s.SaveCheckpoint(ctx, TaskCheckpoint{TaskID: "b", WorkerID: "w1", Progress: 0.9}))
	assert.Error(t, s.SaveCheckpoint(ctx, TaskCheckpoint{WorkerID: "w1"}))

	cps, err := s.Checkpoints(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "a", cps[0].TaskID)
	assert.Equal(t, 0.9, cps[1].Progress, "later checkpoint replaces earlier one")

	require.NoError(t, s.DeleteCheckpoint(ctx, "a"))
	cps, err = s.Checkpoints(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}
