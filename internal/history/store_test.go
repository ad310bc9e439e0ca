package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/amaloop/internal/loop"
	"github.com/mrcode/amaloop/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, loop.Event{
		Type:      loop.EventDecision,
		Initiator: "timer",
		Timestamp: now.Add(-10 * time.Minute),
		Decision: &models.DosingDecision{
			ID:                 "d-1",
			Rate:               1.35,
			Duration:           30,
			TempBasalRequested: true,
			Reason:             "Eventual BG 160 > 120",
			EventualBG:         160,
			IOB:                &models.IobTotal{IOB: 0.8},
			Raw:                []byte(`{"rate":1.35}`),
		},
	}))
	require.NoError(t, s.Notify(loop.Event{
		Type:      loop.EventAborted,
		Initiator: "timer",
		Kind:      "validation",
		Reason:    "sens out of range",
	}))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	aborted := records[0]
	assert.Equal(t, loop.EventAborted, aborted.Event)
	assert.Equal(t, "validation", aborted.Kind)
	assert.Equal(t, "sens out of range", aborted.Reason)
	assert.True(t, aborted.Timestamp.Equal(now), "unstamped events get the current time")

	decision := records[1]
	assert.Equal(t, loop.EventDecision, decision.Event)
	assert.Equal(t, "d-1", decision.DecisionID)
	assert.Equal(t, 1.35, decision.Rate)
	assert.Equal(t, 30, decision.Duration)
	assert.True(t, decision.TempBasalRequested)
	assert.Equal(t, 160.0, decision.EventualBG)
	assert.Equal(t, 0.8, decision.IOB)
	assert.JSONEq(t, `{"rate":1.35}`, decision.Raw)
}

func TestStore_RecentLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, loop.Event{
			Type:      loop.EventAborted,
			Initiator: "timer",
			Timestamp: now.Add(time.Duration(i) * 5 * time.Minute),
		}))
	}

	records, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Timestamp.After(records[1].Timestamp))
}

func TestStore_Prune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		require.NoError(t, s.Append(ctx, loop.Event{Type: loop.EventAborted, Initiator: "timer", Timestamp: now.Add(-age)}))
	}

	removed, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), loop.Event{Type: loop.EventAborted, Initiator: "cli", Timestamp: now}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	records, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, path, s.Path())
}
