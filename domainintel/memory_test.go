package domainintel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
)

func TestMemoryStore_LookupEmptyDomain(t *testing.T) {
	store := NewMemoryStore()
	stats, cfg, err := store.Lookup(context.Background(), "nowhere.com")
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Equal(t, core.AccessPublic, cfg.AccessClass)
}

func TestMemoryStore_RecordOutcomeAccumulates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.RecordOutcome(ctx, Outcome{
		Domain: "example.com", Engine: core.EngineHTTP, Success: true, RecordsExtracted: 1,
	}))

	stats, _, err := store.Lookup(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[core.EngineHTTP].Attempts)
	assert.Equal(t, 1, stats[core.EngineHTTP].Successes)
	assert.Equal(t, 1.0, stats[core.EngineHTTP].SuccessRate())
}

func TestMemoryStore_ClassifyHumanAfterSustainedBlocks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.RecordOutcome(ctx, Outcome{
			Domain: "blocked.com", Engine: core.EngineHTTP, Success: false, ResponseCode: 403,
		}))
	}

	cfg, err := store.Classify(ctx, "blocked.com")
	require.NoError(t, err)
	assert.Equal(t, core.AccessHuman, cfg.AccessClass)
}

func TestMemoryStore_ClassifyBelowSampleThresholdStaysPublic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordOutcome(ctx, Outcome{
			Domain: "new.com", Engine: core.EngineHTTP, Success: false, ResponseCode: 403,
		}))
	}

	cfg, err := store.Classify(ctx, "new.com")
	require.NoError(t, err)
	assert.Equal(t, core.AccessPublic, cfg.AccessClass, "fewer than 5 attempts must not bias the classification")
}

func TestMemoryStore_SuccessCountNeverExceedsAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordOutcome(ctx, Outcome{
			Domain: "x.com", Engine: core.EngineHTTP, Success: i%2 == 0,
		}))
	}

	stats, _, err := store.Lookup(ctx, "x.com")
	require.NoError(t, err)
	assert.LessOrEqual(t, stats[core.EngineHTTP].Successes, stats[core.EngineHTTP].Attempts)
}

func TestMemoryStore_WindowCapsAtTwentyAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 30; i++ {
		require.NoError(t, store.RecordOutcome(ctx, Outcome{
			Domain: "w.com", Engine: core.EngineHTTP, Success: true, ResponseCode: 200,
		}))
	}

	assert.Len(t, store.window["w.com"], blockRateWindow)
}
