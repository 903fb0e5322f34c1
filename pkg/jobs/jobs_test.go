package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

type fakePruner struct {
	before time.Time
}

func (f *fakePruner) Prune(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

func TestScheduler_AddRejectsBadSpec(t *testing.T) {
	s := NewScheduler(observability.NewNopLogger(), time.Second)
	assert.Error(t, s.Add("bad", "not a schedule", SessionSweep(auth.NewMemorySessionStore())))
	require.NoError(t, s.Add("sweep", "*/15 * * * *", SessionSweep(auth.NewMemorySessionStore())))
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_RunLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(observability.NewLogger(observability.InfoLevel, &buf), time.Second)

	s.Run("ok", func(ctx context.Context) (int64, error) { return 7, nil })
	s.Run("broken", func(ctx context.Context) (int64, error) { return 0, errors.New("bucket missing") })

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var ok, broken map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &broken))
	assert.Equal(t, "ok", ok["job"])
	assert.EqualValues(t, 7, ok["handled"])
	assert.Equal(t, "broken", broken["job"])
	assert.Contains(t, broken["error"], "bucket missing")
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := NewScheduler(observability.NewNopLogger(), time.Minute)
	started := make(chan struct{})
	finished := make(chan error, 1)

	go s.Run("slow", func(ctx context.Context) (int64, error) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return 0, ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, <-finished, context.Canceled)
}

func TestPrune_UsesRetention(t *testing.T) {
	p := &fakePruner{}
	n, err := Prune(p, time.Hour)(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), p.before, time.Minute)
}

func TestSessionSweep(t *testing.T) {
	sessions := auth.NewMemorySessionStore()
	ctx := context.Background()
	require.NoError(t, sessions.Save(ctx, "old", "alice", time.Now().Add(-time.Minute)))
	require.NoError(t, sessions.Save(ctx, "live", "alice", time.Now().Add(time.Hour)))

	n, err := SessionSweep(sessions)(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
