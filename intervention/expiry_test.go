package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
)

func TestNewExpirySweeper_RejectsInvalidCron(t *testing.T) {
	c, _, _, _ := newTestController(t)
	_, err := NewExpirySweeper(c, "not a cron spec", nil)
	assert.Error(t, err)
}

func TestNewExpirySweeper_AcceptsDefaultSpec(t *testing.T) {
	c, _, _, _ := newTestController(t)
	sweeper, err := NewExpirySweeper(c, DefaultExpirySweepCron, nil)
	require.NoError(t, err)
	require.NotNil(t, sweeper)
}

func TestExpirySweeper_SweepExpiresDueTasks(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestController(t)

	run := &core.Run{ID: "run-1", JobID: "job-1", Status: core.RunStatusRunning}
	task, err := c.PauseRun(ctx, run, "blocked.com", core.InterventionManualAccess, "sustained-403", nil)
	require.NoError(t, err)

	// Force the task due by rewriting its expiry directly in the store.
	task.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, *task))

	sweeper, err := NewExpirySweeper(c, DefaultExpirySweepCron, nil)
	require.NoError(t, err)
	sweeper.sweep()

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InterventionExpired, got.Status)
}
