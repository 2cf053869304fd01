package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/handler"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/internal/state"
)

// DefaultParallelism bounds concurrent operations within a wave.
const DefaultParallelism = 10

// RunStatus is the terminal status of an apply run.
type RunStatus string

const (
	RunApplied          RunStatus = "applied"
	RunPartiallyApplied RunStatus = "partially-applied"
	RunCancelled        RunStatus = "cancelled"
)

// OpStatus tracks one operation through the executor's state machine.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpInProgress OpStatus = "in-progress"
	OpSucceeded  OpStatus = "succeeded"
	OpFailed     OpStatus = "failed"
)

// Event reports operation progress for CLI rendering.
type Event struct {
	Address  string
	Kind     ir.OpKind
	Status   string // "started", "retrying", "succeeded", "failed"
	Attempt  int
	Duration time.Duration
	Err      error
}

// EventFunc receives progress events if set.
type EventFunc func(Event)

// OpResult is the outcome of one executed operation.
type OpResult struct {
	Op       *ir.Op
	Status   OpStatus
	Attempts int
	Duration time.Duration
	Err      error
}

// Result is the outcome of an apply run. Snapshot is the last committed
// snapshot, which after a partial failure reflects exactly the operations
// that succeeded.
type Result struct {
	Status   RunStatus
	Snapshot *ir.Snapshot
	Ops      []*OpResult
}

// Failed returns the results of failed operations for error reporting.
func (r *Result) Failed() []*OpResult {
	var out []*OpResult
	for _, op := range r.Ops {
		if op.Status == OpFailed {
			out = append(out, op)
		}
	}
	return out
}

// ExecutorOptions tune an Executor.
type ExecutorOptions struct {
	// Parallelism bounds concurrent operations within a wave.
	Parallelism int
	// Retry is the policy for transient handler failures.
	Retry *RetryPolicy
	// RateLimit throttles handler calls across all workers. Zero disables.
	RateLimit rate.Limit
	// Events receives progress events.
	Events EventFunc
}

// Executor applies plans wave by wave, committing the snapshot after every
// successful operation so a crash leaves recoverable state.
type Executor struct {
	registry    *handler.Registry
	store       state.Store
	parallelism int
	retry       *RetryPolicy
	limiter     *rate.Limiter
	events      EventFunc
}

func NewExecutor(registry *handler.Registry, store state.Store, opts ExecutorOptions) *Executor {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}
	return &Executor{
		registry:    registry,
		store:       store,
		parallelism: parallelism,
		retry:       retry,
		limiter:     limiter,
		events:      opts.Events,
	}
}

func (e *Executor) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

// Apply executes a plan against the scope whose lock token is held by the
// caller. Waves run strictly in sequence; on any failed operation the
// current wave drains and no further wave starts, ending the run in
// PartiallyApplied. Successful operations are committed incrementally and
// stay committed regardless of later failures.
func (e *Executor) Apply(ctx context.Context, plan *ir.Plan, snap *ir.Snapshot, token string) (*Result, error) {
	scope := plan.Metadata.Scope
	if scope == "" {
		return nil, errors.New(errors.KindValidation, "plan metadata is missing a scope")
	}

	working := ir.NewSnapshot(scope, uuid.New().String())
	if snap != nil {
		working = snap.Clone()
	}

	result := &Result{Status: RunApplied, Snapshot: working}
	var mu sync.Mutex // guards working snapshot and result.Ops

	for i, wave := range plan.Waves {
		if err := ctx.Err(); err != nil {
			result.Status = RunCancelled
			return result, errors.Wrap(err, errors.KindFatalProvider, "run cancelled")
		}

		logging.Debug("starting wave", "scope", scope, "wave", i, "ops", len(wave))
		waveFailed := e.runWave(ctx, wave, working, token, &mu, result)

		if waveFailed {
			if ctx.Err() != nil {
				result.Status = RunCancelled
			} else {
				result.Status = RunPartiallyApplied
			}
			return result, nil
		}
	}

	return result, nil
}

// runWave executes one wave's operations concurrently under the
// parallelism bound. It always drains in-flight operations before
// returning, even when some have failed.
func (e *Executor) runWave(ctx context.Context, wave []*ir.Op, working *ir.Snapshot, token string, mu *sync.Mutex, result *Result) bool {
	sem := semaphore.NewWeighted(int64(e.parallelism))
	var wg sync.WaitGroup
	failed := false

	for _, op := range wave {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-wave: the op never started, leave it pending.
			mu.Lock()
			result.Ops = append(result.Ops, &OpResult{Op: op, Status: OpPending, Err: err})
			failed = true
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(op *ir.Op) {
			defer wg.Done()
			defer sem.Release(1)

			res := e.runOp(ctx, op, working, token, mu)

			mu.Lock()
			result.Ops = append(result.Ops, res)
			if res.Status == OpFailed {
				failed = true
			}
			mu.Unlock()
		}(op)
	}

	wg.Wait()
	return failed
}

// runOp drives a single operation through Pending -> InProgress ->
// Succeeded | Failed, committing the snapshot on success.
func (e *Executor) runOp(ctx context.Context, op *ir.Op, working *ir.Snapshot, token string, mu *sync.Mutex) *OpResult {
	res := &OpResult{Op: op, Status: OpInProgress}
	start := time.Now()
	e.emit(Event{Address: op.Address, Kind: op.Kind, Status: "started"})

	err := e.dispatch(ctx, op, working, token, mu, res)

	res.Duration = time.Since(start)
	if err != nil {
		res.Status = OpFailed
		res.Err = err
		e.emit(Event{Address: op.Address, Kind: op.Kind, Status: "failed", Attempt: res.Attempts, Duration: res.Duration, Err: err})
		logging.Error("operation failed", "address", op.Address, "op", op.Kind, "error", err)
		return res
	}

	res.Status = OpSucceeded
	e.emit(Event{Address: op.Address, Kind: op.Kind, Status: "succeeded", Attempt: res.Attempts, Duration: res.Duration})
	return res
}

func (e *Executor) dispatch(ctx context.Context, op *ir.Op, working *ir.Snapshot, token string, mu *sync.Mutex, res *OpResult) error {
	switch op.Kind {
	case ir.OpCreate, ir.OpUpdate:
		return e.applyDesired(ctx, op, working, token, mu, res)
	case ir.OpDestroy:
		return e.applyDestroy(ctx, op, working, token, mu, res)
	default:
		return errors.Newf(errors.KindFatalProvider, "cannot execute %s operation", op.Kind).
			WithAddress(op.Address).WithOp(string(op.Kind))
	}
}

func (e *Executor) applyDesired(ctx context.Context, op *ir.Op, working *ir.Snapshot, token string, mu *sync.Mutex, res *OpResult) error {
	desired := op.Desired
	h, err := e.registry.HandlerFor(desired.Type)
	if err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "resolving handler").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}
	handlerName, err := e.registry.HandlerName(desired.Type)
	if err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "resolving handler").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}

	mu.Lock()
	attrs, err := resolveAttrs(desired, working)
	mu.Unlock()
	if err != nil {
		return err
	}

	req := &handler.Request{
		Type:  desired.Type,
		Name:  desired.Name,
		Attrs: attrs,
	}
	mu.Lock()
	if rec, ok := working.Records[op.Address]; ok {
		req.ExternalID = rec.ExternalID
		req.Prior = goAttrs(rec.Attrs)
	}
	mu.Unlock()

	var resp *handler.Response
	call := func() error {
		res.Attempts++
		if res.Attempts > 1 {
			e.emit(Event{Address: op.Address, Kind: op.Kind, Status: "retrying", Attempt: res.Attempts})
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var callErr error
		if op.Kind == ir.OpCreate {
			resp, callErr = h.Create(ctx, req)
		} else {
			resp, callErr = h.Update(ctx, req)
		}
		return callErr
	}
	if err := RetryWithBackoff(ctx, e.retry, call, IsRetryable); err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "handler call failed").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}

	outputs, err := outputAttrs(resp.Attrs)
	if err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "invalid handler response").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}

	record := &ir.Record{
		Type:         desired.Type,
		Name:         desired.Name,
		Handler:      handlerName,
		ExternalID:   resp.ExternalID,
		Attrs:        ir.CloneAttrs(desired.Attrs),
		Outputs:      outputs,
		Dependencies: dependencyAddrs(desired),
	}

	return e.commit(ctx, working, token, mu, func(snap *ir.Snapshot) {
		snap.Records[op.Address] = record
	})
}

func (e *Executor) applyDestroy(ctx context.Context, op *ir.Op, working *ir.Snapshot, token string, mu *sync.Mutex, res *OpResult) error {
	prior := op.Prior
	h, err := e.registry.HandlerFor(prior.Type)
	if err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "resolving handler").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}

	req := &handler.Request{
		Type:       prior.Type,
		Name:       prior.Name,
		ExternalID: prior.ExternalID,
		Prior:      goAttrs(prior.Attrs),
	}

	call := func() error {
		res.Attempts++
		if res.Attempts > 1 {
			e.emit(Event{Address: op.Address, Kind: op.Kind, Status: "retrying", Attempt: res.Attempts})
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return h.Destroy(ctx, req)
	}
	if err := RetryWithBackoff(ctx, e.retry, call, IsRetryable); err != nil {
		return errors.Wrap(err, errors.KindFatalProvider, "handler call failed").
			WithAddress(op.Address).WithOp(string(op.Kind))
	}

	return e.commit(ctx, working, token, mu, func(snap *ir.Snapshot) {
		delete(snap.Records, op.Address)
	})
}

// commit applies a mutation to a clone of the working snapshot, persists
// the next version, and swaps the clone in only after the write succeeds.
// The working snapshot always matches the committed one exactly, so a
// failed persist cannot leak an unwritten record to sibling operations.
func (e *Executor) commit(ctx context.Context, working *ir.Snapshot, token string, mu *sync.Mutex, mutate func(*ir.Snapshot)) error {
	mu.Lock()
	defer mu.Unlock()

	next := working.Clone()
	mutate(next)
	next.Version = working.Version + 1
	if err := e.store.WriteSnapshot(ctx, working.Scope, next, token); err != nil {
		return err
	}
	working.Version = next.Version
	working.Records = next.Records
	return nil
}

// resolveAttrs flattens a resource's attributes to plain Go values,
// resolving references against the already-applied records.
func resolveAttrs(res *ir.Resource, working *ir.Snapshot) (map[string]any, error) {
	out := make(map[string]any, len(res.Attrs))
	for name, val := range res.Attrs {
		if val.Kind != ir.KindReference {
			out[name] = val.Interface()
			continue
		}
		rec, ok := working.Records[val.Ref.Address]
		if !ok {
			return nil, errors.Newf(errors.KindUnresolvedReference,
				"attribute %q references %s which has not been applied", name, val.Ref.Address).
				WithAddress(res.Address())
		}
		resolved, ok := rec.Attr(val.Ref.Attribute)
		if !ok {
			return nil, errors.Newf(errors.KindUnresolvedReference,
				"attribute %q references %s.%s which does not exist", name, val.Ref.Address, val.Ref.Attribute).
				WithAddress(res.Address())
		}
		out[name] = resolved.Interface()
	}
	return out, nil
}

func goAttrs(attrs map[string]ir.Value) map[string]any {
	out := make(map[string]any, len(attrs))
	for name, val := range attrs {
		out[name] = val.Interface()
	}
	return out
}

func outputAttrs(attrs map[string]any) (map[string]ir.Value, error) {
	out := make(map[string]ir.Value, len(attrs))
	for name, raw := range attrs {
		val, err := ir.FromGo(raw)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

// dependencyAddrs collects the addresses a resource depends on, for
// destroy ordering when the resource later disappears from the desired
// graph.
func dependencyAddrs(res *ir.Resource) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, dep := range res.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, val := range res.Attrs {
		if val.Kind == ir.KindReference && !seen[val.Ref.Address] {
			seen[val.Ref.Address] = true
			deps = append(deps, val.Ref.Address)
		}
	}
	return deps
}
