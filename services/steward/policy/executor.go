// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	executorOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "executor",
		Name:      "operations_total",
		Help:      "Executed operations by outcome",
	}, []string{"outcome"})

	executorRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "executor",
		Name:      "retries_total",
		Help:      "Retry attempts for transient failures",
	})
)

var executorTracer = otel.Tracer("aleutian.steward.policy.executor")

// =============================================================================
// Operation Types
// =============================================================================

// OpResult is what a capability dispatch returns for one operation.
type OpResult struct {
	// Identifier is the resource identifier or ARN reported back.
	Identifier string

	// Status is the capability's status string.
	Status string

	// LongRunning is true when the operation will not complete within
	// the synchronous window and the user should check back later.
	LongRunning bool

	// EstimatedCompletion is the capability's completion estimate for
	// long-running operations, zero when unknown.
	EstimatedCompletion time.Duration
}

// DispatchFunc performs the external capability call for one operation.
type DispatchFunc func(ctx context.Context) (*OpResult, error)

// MutationOp is one confirmed operation handed to the executor.
type MutationOp struct {
	Resource ResourceRef
	Class    OperationClass
	Dispatch DispatchFunc
}

// OpOutcome labels a finished operation in the report.
type OpOutcome string

const (
	OpCompleted   OpOutcome = "completed"
	OpLongRunning OpOutcome = "long_running"
	OpFailed      OpOutcome = "failed"
	OpSkipped     OpOutcome = "skipped"
)

// OpReport is the executor's record for one operation.
type OpReport struct {
	Resource ResourceRef
	Class    OperationClass
	Outcome  OpOutcome
	Result   *OpResult
	Err      error
	Attempts int
}

// ErrBatchPaused signals that a failure stopped the batch before its
// remaining operations. Already-completed operations are never undone;
// the user decides whether to continue, skip, or abort.
type ErrBatchPaused struct {
	Failed    ResourceRef
	Remaining int
	cause     error
}

func (e *ErrBatchPaused) Error() string {
	return fmt.Sprintf("batch paused after failure on %s with %d operations remaining: %v",
		e.Failed.DisplayName(), e.Remaining, e.cause)
}

func (e *ErrBatchPaused) Unwrap() error { return e.cause }

// =============================================================================
// Executor
// =============================================================================

// Executor dispatches confirmed mutations in dependency order.
//
// Description:
//
//	Operations are bucketed by the configured dependency rank of their
//	resource type. Creates run ranks ascending, network and identity
//	before the compute and data that reference them; deletes run ranks
//	descending, dependents before dependencies. Operations sharing a
//	rank are independent and dispatch concurrently. Transient failures
//	on non-destructive operations retry up to the configured attempt
//	and budget caps; destructive operations are never silently retried.
//	An operation expected to exceed the long-running window returns
//	immediately with check-back guidance instead of polling.
//
// Thread Safety: Safe for concurrent use across independent batches.
type Executor struct {
	cfg    *config.PolicyConfig
	logger *slog.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. A nil logger falls back to
// slog.Default.
func NewExecutor(cfg *config.PolicyConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs one confirmed batch.
//
// Inputs:
//
//	ctx - Cancelling the context stops the batch before the next
//	    not-yet-started operation; in-flight operations finish.
//	ops - The confirmed operations. Input order breaks rank ties, so
//	    reports come back in a stable order regardless of rank layout.
//
// Outputs:
//
//	[]OpReport - One report per operation, in input order.
//	error - *ErrBatchPaused when a failure stopped the batch early, nil
//	    when every operation was attempted.
func (e *Executor) Execute(ctx context.Context, ops []MutationOp) ([]OpReport, error) {
	ctx, span := executorTracer.Start(ctx, "policy.Executor.Execute")
	defer span.End()
	span.SetAttributes(attribute.Int("operations", len(ops)))

	reports := make([]OpReport, len(ops))
	for i, op := range ops {
		reports[i] = OpReport{Resource: op.Resource, Class: op.Class, Outcome: OpSkipped}
	}

	for _, rank := range e.rankOrder(ops) {
		if err := ctx.Err(); err != nil {
			return reports, nil
		}

		indices := rank.indices
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range indices {
			idx := idx
			g.Go(func() error {
				reports[idx] = e.runOp(gctx, ops[idx])
				return nil
			})
		}
		_ = g.Wait()

		// A failure inside a rank pauses the batch before the next
		// rank dispatches. Completed work stands.
		for _, idx := range indices {
			if reports[idx].Outcome == OpFailed {
				remaining := 0
				for _, r := range reports {
					if r.Outcome == OpSkipped {
						remaining++
					}
				}
				e.logger.WarnContext(ctx, "mutation batch paused",
					slog.String("failed_resource", reports[idx].Resource.DisplayName()),
					slog.Int("remaining", remaining))
				return reports, &ErrBatchPaused{
					Failed:    reports[idx].Resource,
					Remaining: remaining,
					cause:     reports[idx].Err,
				}
			}
		}
	}
	return reports, nil
}

type rankBucket struct {
	rank    int
	indices []int
}

// rankOrder buckets operations by dependency rank. Delete-equivalent
// batches run ranks descending so dependents go before dependencies.
func (e *Executor) rankOrder(ops []MutationOp) []rankBucket {
	buckets := make(map[int][]int)
	deletes := false
	for i, op := range ops {
		r := e.cfg.RankFor(op.Resource.Type)
		buckets[r] = append(buckets[r], i)
		if op.Class.IsDestructive() {
			deletes = true
		}
	}
	ranks := make([]int, 0, len(buckets))
	for r := range buckets {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	if deletes {
		for i, j := 0, len(ranks)-1; i < j; i, j = i+1, j-1 {
			ranks[i], ranks[j] = ranks[j], ranks[i]
		}
	}
	out := make([]rankBucket, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, rankBucket{rank: r, indices: buckets[r]})
	}
	return out
}

// runOp dispatches one operation with the retry policy.
func (e *Executor) runOp(ctx context.Context, op MutationOp) OpReport {
	report := OpReport{Resource: op.Resource, Class: op.Class}
	ex := &e.cfg.Executor

	maxAttempts := ex.MaxAttempts
	if op.Class.IsDestructive() {
		// Destructive operations never silently retry; the error is
		// reported verbatim and the user directs what happens next.
		maxAttempts = 1
	}

	budget := time.Duration(ex.RetryBudgetSeconds) * time.Second
	spacing := time.Duration(ex.RetrySpacingSeconds) * time.Second
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Attempts = attempt
		result, err := op.Dispatch(ctx)
		if err == nil {
			report.Result = result
			if result != nil && result.LongRunning {
				report.Outcome = OpLongRunning
			} else {
				report.Outcome = OpCompleted
			}
			executorOpsTotal.WithLabelValues(string(report.Outcome)).Inc()
			return report
		}

		report.Err = err
		if !IsTransient(err) || attempt == maxAttempts {
			break
		}
		if time.Since(start)+spacing > budget {
			break
		}
		executorRetriesTotal.Inc()
		e.logger.InfoContext(ctx, "retrying transient failure",
			slog.String("resource", op.Resource.DisplayName()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if e.sleep(ctx, spacing) != nil {
			break
		}
	}

	report.Outcome = OpFailed
	executorOpsTotal.WithLabelValues(string(OpFailed)).Inc()
	return report
}

// =============================================================================
// Progressive Polling
// =============================================================================

// PollUntil polls check with progressively lengthening intervals until
// it reports done, the long-running window elapses, or ctx is cancelled.
// The interval starts at the configured initial cadence and doubles up
// to the configured maximum.
//
// Outputs:
//
//	bool - true when check reported done, false when the window elapsed
//	    and the caller should hand status-check responsibility to the
//	    user.
//	error - The first error check returned, or ctx.Err on cancellation.
func (e *Executor) PollUntil(ctx context.Context, check func(ctx context.Context) (bool, error)) (bool, error) {
	ex := &e.cfg.Executor
	interval := time.Duration(ex.PollInitialSeconds) * time.Second
	maxInterval := time.Duration(ex.PollMaxSeconds) * time.Second
	deadline := time.Now().Add(time.Duration(ex.LongRunningSeconds) * time.Second)

	for {
		done, err := check(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if time.Now().Add(interval).After(deadline) {
			return false, nil
		}
		if err := e.sleep(ctx, interval); err != nil {
			return false, err
		}
		if interval *= 2; interval > maxInterval {
			interval = maxInterval
		}
	}
}
