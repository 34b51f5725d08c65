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
	"errors"
	"sync"
	"testing"
	"time"
)

func makeTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(makeTestPolicyConfig(t), nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

// orderRecorder tracks dispatch order across concurrent operations.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) dispatch(id string) DispatchFunc {
	return func(ctx context.Context) (*OpResult, error) {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		return &OpResult{Identifier: id, Status: "ok"}, nil
	}
}

func (r *orderRecorder) position(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestExecute_CreateRankOrdering(t *testing.T) {
	e := makeTestExecutor(t)
	rec := &orderRecorder{}

	// Input order deliberately scrambled: data, compute, network.
	ops := []MutationOp{
		{Resource: ResourceRef{Type: "AWS::RDS::DBInstance", ID: "db"}, Class: ClassMutateCreate, Dispatch: rec.dispatch("db")},
		{Resource: ResourceRef{Type: "AWS::EC2::Instance", ID: "ec2"}, Class: ClassMutateCreate, Dispatch: rec.dispatch("ec2")},
		{Resource: ResourceRef{Type: "AWS::EC2::VPC", ID: "vpc"}, Class: ClassMutateCreate, Dispatch: rec.dispatch("vpc")},
	}
	reports, err := e.Execute(context.Background(), ops)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !(rec.position("vpc") < rec.position("ec2") && rec.position("ec2") < rec.position("db")) {
		t.Errorf("create order = %v, want network before compute before data", rec.order)
	}
	// Reports stay in input order.
	if reports[0].Resource.ID != "db" || reports[2].Resource.ID != "vpc" {
		t.Errorf("report order does not match input order: %+v", reports)
	}
	for _, r := range reports {
		if r.Outcome != OpCompleted {
			t.Errorf("op %s outcome = %s", r.Resource.ID, r.Outcome)
		}
	}
}

func TestExecute_DeleteReversesRanks(t *testing.T) {
	e := makeTestExecutor(t)
	rec := &orderRecorder{}

	ops := []MutationOp{
		{Resource: ResourceRef{Type: "AWS::EC2::VPC", ID: "vpc"}, Class: ClassMutateDelete, Dispatch: rec.dispatch("vpc")},
		{Resource: ResourceRef{Type: "AWS::RDS::DBInstance", ID: "db"}, Class: ClassMutateDelete, Dispatch: rec.dispatch("db")},
		{Resource: ResourceRef{Type: "AWS::EC2::Instance", ID: "ec2"}, Class: ClassMutateDelete, Dispatch: rec.dispatch("ec2")},
	}
	if _, err := e.Execute(context.Background(), ops); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !(rec.position("db") < rec.position("ec2") && rec.position("ec2") < rec.position("vpc")) {
		t.Errorf("delete order = %v, want dependents before dependencies", rec.order)
	}
}

func TestExecute_TransientRetries(t *testing.T) {
	e := makeTestExecutor(t)

	calls := 0
	op := MutationOp{
		Resource: ResourceRef{Type: "AWS::S3::Bucket", ID: "b"},
		Class:    ClassMutateCreate,
		Dispatch: func(ctx context.Context) (*OpResult, error) {
			calls++
			if calls < 3 {
				return nil, NewPolicyError(ErrCodeTransient, "throttled (429)")
			}
			return &OpResult{Status: "created"}, nil
		},
	}
	reports, err := e.Execute(context.Background(), []MutationOp{op})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("dispatch called %d times, want 3", calls)
	}
	if reports[0].Outcome != OpCompleted || reports[0].Attempts != 3 {
		t.Errorf("report = %+v, want completed on attempt 3", reports[0])
	}
}

func TestExecute_PermanentErrorNeverRetries(t *testing.T) {
	e := makeTestExecutor(t)

	calls := 0
	op := MutationOp{
		Resource: ResourceRef{Type: "AWS::S3::Bucket", ID: "b"},
		Class:    ClassMutateCreate,
		Dispatch: func(ctx context.Context) (*OpResult, error) {
			calls++
			return nil, NewPolicyError(ErrCodePermanent, "access denied (403)")
		},
	}
	reports, err := e.Execute(context.Background(), []MutationOp{op})
	if calls != 1 {
		t.Errorf("permanent error dispatched %d times, want 1", calls)
	}
	if reports[0].Outcome != OpFailed {
		t.Errorf("outcome = %s, want failed", reports[0].Outcome)
	}
	var paused *ErrBatchPaused
	if !errors.As(err, &paused) {
		t.Errorf("expected ErrBatchPaused, got %v", err)
	}
}

func TestExecute_DestructiveNeverRetries(t *testing.T) {
	e := makeTestExecutor(t)

	calls := 0
	op := MutationOp{
		Resource: ResourceRef{Type: "AWS::S3::Bucket", ID: "b", Name: "logs"},
		Class:    ClassMutateDelete,
		Dispatch: func(ctx context.Context) (*OpResult, error) {
			calls++
			return nil, NewPolicyError(ErrCodeTransient, "timeout")
		},
	}
	_, err := e.Execute(context.Background(), []MutationOp{op})
	if calls != 1 {
		t.Errorf("destructive op dispatched %d times, want 1 even for a transient error", calls)
	}
	if err == nil {
		t.Error("failed destructive op did not pause the batch")
	}
}

func TestExecute_FailurePausesBeforeNextRank(t *testing.T) {
	e := makeTestExecutor(t)

	dbCalled := false
	ops := []MutationOp{
		{
			Resource: ResourceRef{Type: "AWS::EC2::VPC", ID: "vpc"},
			Class:    ClassMutateCreate,
			Dispatch: func(ctx context.Context) (*OpResult, error) {
				return nil, NewPolicyError(ErrCodePermanent, "invalid CIDR")
			},
		},
		{
			Resource: ResourceRef{Type: "AWS::RDS::DBInstance", ID: "db"},
			Class:    ClassMutateCreate,
			Dispatch: func(ctx context.Context) (*OpResult, error) {
				dbCalled = true
				return &OpResult{}, nil
			},
		},
	}
	reports, err := e.Execute(context.Background(), ops)
	var paused *ErrBatchPaused
	if !errors.As(err, &paused) {
		t.Fatalf("expected ErrBatchPaused, got %v", err)
	}
	if dbCalled {
		t.Error("dependent rank dispatched after prerequisite failure")
	}
	if reports[1].Outcome != OpSkipped {
		t.Errorf("dependent outcome = %s, want skipped", reports[1].Outcome)
	}
	if paused.Remaining != 1 {
		t.Errorf("paused remaining = %d, want 1", paused.Remaining)
	}
}

func TestExecute_CancellationStopsBeforeNextOp(t *testing.T) {
	e := makeTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Deletes run ranks descending, so the RDS instance goes first and
	// cancels mid-batch; the VPC must never start.
	secondCalled := false
	ops := []MutationOp{
		{
			Resource: ResourceRef{Type: "AWS::RDS::DBInstance", ID: "db"},
			Class:    ClassMutateDelete,
			Dispatch: func(ctx context.Context) (*OpResult, error) {
				cancel()
				return &OpResult{Status: "deleted"}, nil
			},
		},
		{
			Resource: ResourceRef{Type: "AWS::EC2::VPC", ID: "vpc"},
			Class:    ClassMutateDelete,
			Dispatch: func(ctx context.Context) (*OpResult, error) {
				secondCalled = true
				return &OpResult{}, nil
			},
		},
	}
	reports, err := e.Execute(ctx, ops)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if secondCalled {
		t.Error("operation started after mid-batch cancellation")
	}
	if reports[0].Outcome != OpCompleted {
		t.Errorf("in-flight op outcome = %s, want completed", reports[0].Outcome)
	}
	if reports[1].Outcome != OpSkipped {
		t.Errorf("not-yet-started op outcome = %s, want skipped", reports[1].Outcome)
	}
}

func TestExecute_LongRunningReturnsImmediately(t *testing.T) {
	e := makeTestExecutor(t)

	op := MutationOp{
		Resource: ResourceRef{Type: "AWS::RDS::DBInstance", ID: "db"},
		Class:    ClassMutateCreate,
		Dispatch: func(ctx context.Context) (*OpResult, error) {
			return &OpResult{Status: "creating", LongRunning: true, EstimatedCompletion: 10 * time.Minute}, nil
		},
	}
	reports, err := e.Execute(context.Background(), []MutationOp{op})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reports[0].Outcome != OpLongRunning {
		t.Errorf("outcome = %s, want long_running", reports[0].Outcome)
	}
}

func TestPollUntil_ProgressiveBackoff(t *testing.T) {
	e := makeTestExecutor(t)
	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	checks := 0
	done, err := e.PollUntil(context.Background(), func(ctx context.Context) (bool, error) {
		checks++
		return checks >= 4, nil
	})
	if err != nil || !done {
		t.Fatalf("PollUntil = %v, %v", done, err)
	}
	if len(waits) != 3 {
		t.Fatalf("got %d waits, want 3", len(waits))
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] < waits[i-1] {
			t.Errorf("poll interval shrank: %v", waits)
		}
	}
	if waits[0] != 5*time.Second {
		t.Errorf("initial interval = %v, want 5s", waits[0])
	}
}
