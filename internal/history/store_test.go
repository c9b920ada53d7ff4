package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestCycleWithStages(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	id, err := s.BeginCycle(ctx, "loop")
	require.NoError(t, err)
	require.NoError(t, s.RecordStage(ctx, id, Stage{Name: "ingest", OK: true, Seconds: 1.25}))
	require.NoError(t, s.RecordStage(ctx, id, Stage{Name: "grow", OK: false, Seconds: 0.01, Error: "boom"}))
	require.NoError(t, s.FinishCycle(ctx, id, false))

	cycles, err := s.RecentCycles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)

	c := cycles[0]
	assert.Equal(t, id, c.ID)
	assert.Equal(t, "loop", c.Trigger)
	assert.False(t, c.OK)
	assert.True(t, c.FinishedAt.After(c.StartedAt))

	want := []Stage{
		{Name: "ingest", OK: true, Seconds: 1.25},
		{Name: "grow", OK: false, Seconds: 0.01, Error: "boom"},
	}
	if diff := cmp.Diff(want, c.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentCyclesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	var ids []string
	for _, trig := range []string{"loop", "manual", "stage:evaluate"} {
		id, err := s.BeginCycle(ctx, trig)
		require.NoError(t, err)
		require.NoError(t, s.FinishCycle(ctx, id, true))
		ids = append(ids, id)
	}

	cycles, err := s.RecentCycles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, ids[2], cycles[0].ID)
	assert.Equal(t, ids[1], cycles[1].ID)
	assert.Empty(t, cycles[0].Stages)
}

func TestRunningCycleHasNoFinish(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.BeginCycle(ctx, "loop")
	require.NoError(t, err)

	cycles, err := s.RecentCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].FinishedAt.IsZero())
}

func TestFinishUnknownCycle(t *testing.T) {
	s := openTest(t)
	err := s.FinishCycle(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrUnknownCycle)
}

func TestLastPromotion(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, ok, err := s.LastPromotion(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordPromotion(ctx, "c1", Promotion{State: "rejected", Reason: "cooldown", Candidate: "a.txt", Score: 0.7, Active: 0.5}))
	require.NoError(t, s.RecordPromotion(ctx, "c2", Promotion{State: "promoted", Candidate: "b.txt", Score: 0.9, Active: 0.5}))

	p, ok, err := s.LastPromotion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Promotion{State: "promoted", Candidate: "b.txt", Score: 0.9, Active: 0.5}, p)
}

func TestScoreTrend(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	for _, v := range []float64{0.1, 0.2, 0.3, 0.4} {
		require.NoError(t, s.RecordEvaluation(ctx, "c", Evaluation{Prompt: "active.txt", AvgScore: v, Cases: 3}))
	}
	require.NoError(t, s.RecordEvaluation(ctx, "c", Evaluation{Prompt: "other.txt", AvgScore: 0.9, Cases: 3}))

	trend, err := s.ScoreTrend(ctx, "active.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.3, 0.4}, trend)
}

func TestSelfUpdateRecorded(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	require.NoError(t, s.RecordSelfUpdate(ctx, "c", SelfUpdate{State: "rolled_back", Gain: -0.1, Applied: []string{"app/a.py", "app/b.py"}, Backup: "logs/backup_x"}))

	var applied string
	require.NoError(t, s.db.QueryRow(`SELECT applied FROM self_updates`).Scan(&applied))
	assert.Equal(t, "app/a.py,app/b.py", applied)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.BeginCycle(ctx, "manual")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	cycles, err := s.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, id, cycles[0].ID)
}
