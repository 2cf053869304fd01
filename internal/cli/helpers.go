package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/stackform-io/stackform/internal/config"
	"github.com/stackform-io/stackform/internal/document"
	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/handler"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/state"
	"github.com/stackform-io/stackform/providers/mem"
	"github.com/stackform-io/stackform/providers/null"
)

// loadConfig merges the config file, STACKFORM_* environment variables,
// and command-line flag overrides.
func loadConfig() (*config.Config, error) {
	v, err := config.NewViper(rootConfigFile)
	if err != nil {
		return nil, err
	}
	if rootScope != "" {
		v.Set("scope", rootScope)
	}
	if rootDocument != "" {
		v.Set("document", rootDocument)
	}
	if rootLogLevel != "" {
		v.Set("log.level", rootLogLevel)
	}
	if rootLogFormat != "" {
		v.Set("log.format", rootLogFormat)
	}
	return config.FromViper(v)
}

// openStore builds the snapshot store the backend config selects.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.Backend.Type {
	case "s3":
		return state.NewS3Store(ctx, cfg.Backend.S3)
	default:
		return state.NewLocalStore(cfg.Backend.Dir), nil
	}
}

// buildRegistry wires every bundled handler into a fresh registry.
func buildRegistry() (*handler.Registry, error) {
	r := handler.NewRegistry()
	if err := null.Register(r); err != nil {
		return nil, err
	}
	if err := mem.Register(r, mem.New()); err != nil {
		return nil, err
	}
	return r, nil
}

// buildDesiredGraph loads the desired-state document and builds the
// validated resource graph from it.
func buildDesiredGraph(cfg *config.Config, registry *handler.Registry) (*engine.Graph, error) {
	doc, err := document.Load(cfg.Document)
	if err != nil {
		return nil, err
	}
	if doc.Scope != "" && doc.Scope != cfg.Scope {
		return nil, fmt.Errorf("document declares scope %q but the run targets scope %q", doc.Scope, cfg.Scope)
	}
	return engine.BuildGraph(doc.Resources, registry)
}

// computePlan runs the full planning pipeline against the given graph and
// the scope's latest committed snapshot.
func computePlan(ctx context.Context, cfg *config.Config, store state.Store, registry *handler.Registry, g *engine.Graph) (*ir.Plan, *ir.Snapshot, error) {
	snap, err := store.ReadSnapshot(ctx, cfg.Scope)
	if err != nil {
		return nil, nil, err
	}
	cs, err := engine.Diff(g, snap, registry)
	if err != nil {
		return nil, nil, err
	}
	plan, err := engine.Schedule(cfg.Scope, cs, g, snap)
	if err != nil {
		return nil, nil, err
	}
	return plan, snap, nil
}

// lockOptions derives the store lock options for this run.
func lockOptions(cfg *config.Config) state.LockOptions {
	holder, _ := os.Hostname()
	return state.LockOptions{
		Holder:   fmt.Sprintf("%s/pid-%d", holder, os.Getpid()),
		Wait:     cfg.LockWait.Wait,
		LeaseTTL: cfg.LockWait.LeaseTTL,
	}
}

func retryPolicy(cfg *config.Config) *engine.RetryPolicy {
	return &engine.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}
}

func executorOptions(cfg *config.Config, parallelism int, events engine.EventFunc) engine.ExecutorOptions {
	if parallelism <= 0 {
		parallelism = cfg.Apply.Parallelism
	}
	return engine.ExecutorOptions{
		Parallelism: parallelism,
		Retry:       retryPolicy(cfg),
		RateLimit:   rate.Limit(cfg.Apply.RateLimit),
		Events:      events,
	}
}

// confirmApply asks for interactive approval of a rendered plan.
func confirmApply(prompt string) (bool, error) {
	fmt.Printf("\n%s\n  Only 'yes' will be accepted to approve.\n\n  Enter a value: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("reading approval: %w", err)
		}
		return false, nil
	}
	return scanner.Text() == "yes", nil
}

// heartbeatInterval renews at a quarter of the lease so a single missed
// beat does not expire the lock.
func heartbeatInterval(cfg *config.Config) time.Duration {
	ttl := cfg.LockWait.LeaseTTL
	if ttl <= 0 {
		ttl = state.DefaultLeaseTTL
	}
	return ttl / 4
}
