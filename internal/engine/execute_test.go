package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/handler"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/state"
	"github.com/stackform-io/stackform/providers/mem"
)

type execEnv struct {
	store    *state.LocalStore
	registry *handler.Registry
	handler  *mem.Handler
	token    string
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	store := state.NewLocalStore(t.TempDir())
	registry := handler.NewRegistry()
	h := mem.New()
	require.NoError(t, mem.Register(registry, h))

	token, err := store.AcquireLock(context.Background(), "test", state.LockOptions{Holder: "test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.ReleaseLock(context.Background(), "test", token)
	})

	return &execEnv{store: store, registry: registry, handler: h, token: token}
}

func (e *execEnv) plan(t *testing.T, resources []*ir.Resource, snap *ir.Snapshot) *ir.Plan {
	t.Helper()
	g, err := BuildGraph(resources, e.registry)
	require.NoError(t, err)
	cs, err := Diff(g, snap, e.registry)
	require.NoError(t, err)
	plan, err := Schedule("test", cs, g, snap)
	require.NoError(t, err)
	return plan
}

func (e *execEnv) executor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(e.registry, e.store, ExecutorOptions{
		Parallelism: 4,
		Retry:       &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func testStack() []*ir.Resource {
	return []*ir.Resource{
		{
			Type:  "mem.network",
			Name:  "core",
			Attrs: map[string]ir.Value{"cidr": ir.String("10.0.0.0/16")},
		},
		{
			Type: "mem.instance",
			Name: "web",
			Attrs: map[string]ir.Value{
				"network_id": ir.RefTo("mem.network.core", "id"),
				"image":      ir.String("ubuntu-24.04"),
			},
		},
	}
}

func TestExecutor_AppliesStackAndResolvesReferences(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	plan := env.plan(t, testStack(), nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	assert.Equal(t, RunApplied, result.Status)
	assert.Equal(t, "test", result.Snapshot.Scope)
	assert.Equal(t, 2, env.handler.Count())

	net := result.Snapshot.Records["mem.network.core"]
	inst := result.Snapshot.Records["mem.instance.web"]
	require.NotNil(t, net)
	require.NotNil(t, inst)
	assert.True(t, env.handler.Live(net.ExternalID))
	assert.True(t, env.handler.Live(inst.ExternalID))

	// The instance was created with the network's concrete ID.
	resolved, ok := inst.Outputs["network_id"]
	require.True(t, ok)
	assert.Equal(t, ir.String(net.ExternalID), resolved)

	// The declared (symbolic) attribute survives for the next diff.
	assert.Equal(t, ir.KindReference, inst.Attrs["network_id"].Kind)
	assert.Equal(t, []string{"mem.network.core"}, inst.Dependencies)
}

func TestExecutor_CommitsIncrementally(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	plan := env.plan(t, testStack(), nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)
	require.Equal(t, RunApplied, result.Status)

	// One committed version per successful operation.
	assert.Equal(t, 2, result.Snapshot.Version)
	stored, err := env.store.ReadSnapshot(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Len(t, stored.Records, 2)
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.handler.FailNext("create", mem.TypeNetwork, "core",
		errors.New(errors.KindTransientProvider, "simulated throttle"))

	plan := env.plan(t, testStack()[:1], nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	assert.Equal(t, RunApplied, result.Status)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, 2, result.Ops[0].Attempts)
	assert.Equal(t, 1, env.handler.Count())
}

func TestExecutor_FatalFailureIsNotRetried(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.handler.FailNext("create", mem.TypeNetwork, "core",
		errors.New(errors.KindFatalProvider, "simulated denial"))

	plan := env.plan(t, testStack()[:1], nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	assert.Equal(t, RunPartiallyApplied, result.Status)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, OpFailed, result.Ops[0].Status)
	assert.Equal(t, 1, result.Ops[0].Attempts)
}

func TestExecutor_PartialFailureLeavesExactSnapshot(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	// The network create fails permanently, so the dependent instance's
	// wave never starts.
	env.handler.FailNext("create", mem.TypeNetwork, "core",
		errors.New(errors.KindFatalProvider, "simulated denial"))

	plan := env.plan(t, testStack(), nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	assert.Equal(t, RunPartiallyApplied, result.Status)
	assert.Empty(t, result.Snapshot.Records)
	assert.Equal(t, 0, env.handler.Count())
	require.Len(t, result.Failed(), 1)
	assert.Equal(t, "mem.network.core", result.Failed()[0].Op.Address)

	// Re-planning against the committed snapshot yields only the delta.
	stored, err := env.store.ReadSnapshot(ctx, "test")
	require.NoError(t, err)
	replan := env.plan(t, testStack(), stored)
	assert.Equal(t, 2, replan.OpCount())

	// Once the fault clears, the re-run converges.
	result, err = env.executor(t).Apply(ctx, replan, stored, env.token)
	require.NoError(t, err)
	assert.Equal(t, RunApplied, result.Status)
	assert.Equal(t, 2, env.handler.Count())
}

func TestExecutor_IndependentOpsSurvivePeerFailure(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	resources := []*ir.Resource{
		{Type: "mem.network", Name: "a", Attrs: map[string]ir.Value{"cidr": ir.String("10.0.0.0/16")}},
		{Type: "mem.network", Name: "b", Attrs: map[string]ir.Value{"cidr": ir.String("10.1.0.0/16")}},
	}
	env.handler.FailNext("create", mem.TypeNetwork, "a",
		errors.New(errors.KindFatalProvider, "simulated denial"))

	plan := env.plan(t, resources, nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	// Both ops share a wave; the failure of one does not abort the other.
	assert.Equal(t, RunPartiallyApplied, result.Status)
	require.Len(t, result.Ops, 2)
	assert.Contains(t, result.Snapshot.Records, "mem.network.b")
	assert.NotContains(t, result.Snapshot.Records, "mem.network.a")
	assert.Equal(t, 1, env.handler.Count())
}

func TestExecutor_DestroyRemovesRecords(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	plan := env.plan(t, testStack(), nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)
	require.Equal(t, RunApplied, result.Status)

	destroyPlan := env.plan(t, nil, result.Snapshot)
	require.Len(t, destroyPlan.Waves, 2)

	result, err = env.executor(t).Apply(ctx, destroyPlan, result.Snapshot, env.token)
	require.NoError(t, err)
	assert.Equal(t, RunApplied, result.Status)
	assert.Empty(t, result.Snapshot.Records)
	assert.Equal(t, 0, env.handler.Count())
}

// brownoutStore delegates to an inner store but fails every snapshot write
// while tripped, simulating a state backend outage mid-run.
type brownoutStore struct {
	state.Store
	tripped bool
}

func (s *brownoutStore) WriteSnapshot(ctx context.Context, scope string, snap *ir.Snapshot, token string) error {
	if s.tripped {
		return errors.New(errors.KindStateIO, "backend unavailable")
	}
	return s.Store.WriteSnapshot(ctx, scope, snap, token)
}

func TestExecutor_FailedPersistLeavesWorkingSnapshotUntouched(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	store := &brownoutStore{Store: env.store, tripped: true}
	exec := NewExecutor(env.registry, store, ExecutorOptions{
		Parallelism: 4,
		Retry:       &RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	plan := env.plan(t, testStack()[:1], nil)
	result, err := exec.Apply(ctx, plan, nil, env.token)
	require.NoError(t, err)

	// The handler call succeeded but the persist did not: the op fails and
	// the working snapshot stays exactly at the last committed state.
	assert.Equal(t, RunPartiallyApplied, result.Status)
	require.Len(t, result.Failed(), 1)
	assert.Empty(t, result.Snapshot.Records)
	assert.Equal(t, 0, result.Snapshot.Version)

	stored, err := env.store.ReadSnapshot(ctx, "test")
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Once the backend recovers, a re-run converges from the clean state.
	store.tripped = false
	replan := env.plan(t, testStack()[:1], nil)
	result, err = exec.Apply(ctx, replan, nil, env.token)
	require.NoError(t, err)
	assert.Equal(t, RunApplied, result.Status)
	assert.Contains(t, result.Snapshot.Records, "mem.network.core")
}

func TestExecutor_RejectsPlanWithoutScope(t *testing.T) {
	env := newExecEnv(t)

	plan := &ir.Plan{Metadata: &ir.PlanMetadata{}, Summary: &ir.Summary{}}
	_, err := env.executor(t).Apply(context.Background(), plan, nil, env.token)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestExecutor_CancelledContextStopsRun(t *testing.T) {
	env := newExecEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := env.plan(t, testStack(), nil)
	result, err := env.executor(t).Apply(ctx, plan, nil, env.token)
	require.Error(t, err)
	assert.Equal(t, RunCancelled, result.Status)
	assert.Equal(t, 0, env.handler.Count())
}
