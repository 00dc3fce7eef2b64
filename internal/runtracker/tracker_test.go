package runtracker_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentcore/internal/runtracker"
	"github.com/relayforge/agentcore/pkg/types"
)

func TestCreate_AssignsRunIDAndPendingStatus(t *testing.T) {
	tr := runtracker.New(runtracker.DefaultConfig())
	run := tr.Create("ses_1", "client-req-1")

	assert.True(t, strings.HasPrefix(run.ID, "run_"))
	assert.GreaterOrEqual(t, len(run.ID), 10)
	assert.Equal(t, types.RunPending, run.Status)
}

func TestLifecycle_PendingRunningCompleted(t *testing.T) {
	tr := runtracker.New(runtracker.DefaultConfig())
	run := tr.Create("ses_1", "")

	require.NoError(t, tr.MarkRunning(run.ID))
	got, ok := tr.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, types.RunRunning, got.Status)

	require.NoError(t, tr.Complete(run.ID, "done", 10, 20))
	got, ok = tr.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, types.RunCompleted, got.Status)
	assert.True(t, got.Terminal())
	assert.Equal(t, 10, got.InputTokens)
	assert.NotNil(t, got.CompletedAt)
}

func TestMarkRunning_UnknownRunFails(t *testing.T) {
	tr := runtracker.New(runtracker.DefaultConfig())
	err := tr.MarkRunning("run_does_not_exist")
	assert.Error(t, err)
}

func TestEvictOverCap_DropsOldestPerSession(t *testing.T) {
	cfg := runtracker.DefaultConfig()
	cfg.MaxPerSession = 2
	tr := runtracker.New(cfg)

	first := tr.Create("ses_1", "")
	tr.Create("ses_1", "")
	tr.Create("ses_1", "")

	runs := tr.ListForSession("ses_1")
	assert.Len(t, runs, 2)
	_, ok := tr.Get(first.ID)
	assert.False(t, ok)
}

func TestSweep_EvictsExpiredCompletedRuns(t *testing.T) {
	cfg := runtracker.DefaultConfig()
	cfg.RetentionWindow = time.Hour
	tr := runtracker.New(cfg)

	run := tr.Create("ses_1", "")
	require.NoError(t, tr.Complete(run.ID, "done", 0, 0))

	tr.Sweep(time.Now().Add(2 * time.Hour))
	_, ok := tr.Get(run.ID)
	assert.False(t, ok)
}

func TestIdempotency_SecondCallWithSameKeyIsCached(t *testing.T) {
	cfg := runtracker.DefaultIdempotencyConfig()
	cfg.Methods["agent.prompt"] = true
	idem := runtracker.NewIdempotency(cfg)

	calls := 0
	fn := func() (any, error) {
		calls++
		return "result", nil
	}

	r1, err1 := idem.Execute("agent.prompt", "key-1", fn)
	r2, err2 := idem.Execute("agent.prompt", "key-1", fn)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_DifferentKeysInvokeSeparately(t *testing.T) {
	cfg := runtracker.DefaultIdempotencyConfig()
	cfg.Methods["agent.prompt"] = true
	idem := runtracker.NewIdempotency(cfg)

	calls := 0
	fn := func() (any, error) { calls++; return calls, nil }

	_, _ = idem.Execute("agent.prompt", "key-a", fn)
	_, _ = idem.Execute("agent.prompt", "key-b", fn)

	assert.Equal(t, 2, calls)
}

func TestIdempotency_UnconfiguredMethodBypassesCache(t *testing.T) {
	idem := runtracker.NewIdempotency(runtracker.DefaultIdempotencyConfig())

	calls := 0
	fn := func() (any, error) { calls++; return calls, nil }

	_, _ = idem.Execute("session.create", "key-1", fn)
	_, _ = idem.Execute("session.create", "key-1", fn)

	assert.Equal(t, 2, calls)
}

func TestIdempotency_ErrorsNotCachedByDefault(t *testing.T) {
	cfg := runtracker.DefaultIdempotencyConfig()
	cfg.Methods["agent.prompt"] = true
	idem := runtracker.NewIdempotency(cfg)

	calls := 0
	fn := func() (any, error) {
		calls++
		return nil, errors.New("boom")
	}

	_, _ = idem.Execute("agent.prompt", "key-1", fn)
	_, _ = idem.Execute("agent.prompt", "key-1", fn)

	assert.Equal(t, 2, calls)
}

func TestIdempotency_CacheErrorsWhenConfigured(t *testing.T) {
	cfg := runtracker.DefaultIdempotencyConfig()
	cfg.Methods["agent.prompt"] = true
	cfg.CacheErrors = true
	idem := runtracker.NewIdempotency(cfg)

	calls := 0
	fn := func() (any, error) {
		calls++
		return nil, errors.New("boom")
	}

	_, err1 := idem.Execute("agent.prompt", "key-1", fn)
	_, err2 := idem.Execute("agent.prompt", "key-1", fn)

	assert.Equal(t, 1, calls)
	assert.Equal(t, err1, err2)
}

func TestIdempotency_SweepEvictsExpiredEntries(t *testing.T) {
	cfg := runtracker.DefaultIdempotencyConfig()
	cfg.Methods["agent.prompt"] = true
	cfg.TTL = time.Minute
	idem := runtracker.NewIdempotency(cfg)

	calls := 0
	fn := func() (any, error) { calls++; return calls, nil }

	_, _ = idem.Execute("agent.prompt", "key-1", fn)
	idem.Sweep(time.Now().Add(2 * time.Minute))
	_, _ = idem.Execute("agent.prompt", "key-1", fn)

	assert.Equal(t, 2, calls)
}
