// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

func makeTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestStore_AppendAndLoad(t *testing.T) {
	s := makeTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"list instances", "delete bucket old-logs", "DELETE old-logs"} {
		if err := s.Append(ctx, "sess-1", &TurnRecord{UserText: text}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	transcript, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(transcript))
	}
	for i, record := range transcript {
		if record.Seq != i {
			t.Errorf("turn %d has seq %d", i, record.Seq)
		}
	}
	if transcript[1].UserText != "delete bucket old-logs" {
		t.Errorf("turn order not preserved: %q", transcript[1].UserText)
	}
}

func TestStore_SessionsAreIndependent(t *testing.T) {
	s := makeTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-a", &TurnRecord{UserText: "hello"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	other, err := s.Load(ctx, "sess-b")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unknown session returned %d turns", len(other))
	}
}

func TestRebuildState_PendingGate(t *testing.T) {
	transcript := []TurnRecord{
		{Seq: 0, UserText: "list instances", Region: "eu-west-1"},
		{Seq: 1, UserText: "delete bucket old-logs", PendingGate: &GateSnapshot{
			ID:       "g-1",
			Class:    policy.ClassMutateDelete,
			Resource: policy.ResourceRef{Type: "AWS::S3::Bucket", ID: "b-1", Name: "old-logs"},
			Tier:     policy.CriticalityMedium,
			State:    policy.GateAwaitingConfirmation,
		}},
	}
	state := RebuildState(transcript)
	if state.PendingGate == nil {
		t.Fatal("pending gate not rebuilt")
	}
	if state.PendingGate.ID != "g-1" || state.PendingGate.State != policy.GateAwaitingConfirmation {
		t.Errorf("rebuilt gate = %+v", state.PendingGate)
	}
	if state.Region != "eu-west-1" {
		t.Errorf("region = %q, want eu-west-1", state.Region)
	}

	// The rebuilt gate is live: it evaluates tokens.
	result, err := state.PendingGate.Evaluate("DELETE old-logs")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result != policy.GateConfirmed {
		t.Errorf("rebuilt gate Evaluate = %v, want CONFIRMED", result)
	}
}

func TestRebuildState_OnlyLastTurnSuspends(t *testing.T) {
	// An older pending gate followed by a newer turn without one was
	// resolved or abandoned; it must not resurface.
	transcript := []TurnRecord{
		{Seq: 0, PendingGate: &GateSnapshot{ID: "stale", State: policy.GateAwaitingConfirmation}},
		{Seq: 1, UserText: "never mind, list instances"},
	}
	state := RebuildState(transcript)
	if state.PendingGate != nil {
		t.Errorf("stale gate resurfaced: %+v", state.PendingGate)
	}
}

func TestRebuildState_PausedBatchAndCategories(t *testing.T) {
	transcript := []TurnRecord{
		{Seq: 0, PausedBatch: &BatchSnapshot{
			RequiresPause: true,
			SubTasks: []policy.SubTask{
				{Index: 1, Status: policy.SubTaskCompleted},
				{Index: 2, Status: policy.SubTaskDeferred, Class: policy.ClassMutateCreate},
			},
		}, OfferedCategories: []string{"Security", "Cost"}},
	}
	state := RebuildState(transcript)
	if state.PausedBatch == nil {
		t.Fatal("paused batch not rebuilt")
	}
	if len(state.PausedBatch.Deferred()) != 1 {
		t.Errorf("deferred tasks = %d, want 1", len(state.PausedBatch.Deferred()))
	}
	if len(state.OfferedCategories) != 2 {
		t.Errorf("offered categories = %v", state.OfferedCategories)
	}
}

func TestRebuildState_GateCarriesQueuedDeletes(t *testing.T) {
	transcript := []TurnRecord{
		{Seq: 0, UserText: "delete the bucket a and the bucket b",
			PendingGate: &GateSnapshot{
				ID:       "g-3",
				Class:    policy.ClassMutateDelete,
				Resource: policy.ResourceRef{Type: "AWS::S3::Bucket", Name: "a"},
				State:    policy.GateAwaitingConfirmation,
			},
			QueuedDeletes: []policy.ResourceRef{{Type: "AWS::S3::Bucket", Name: "b"}},
		},
	}
	state := RebuildState(transcript)
	if state.PendingGate == nil {
		t.Fatal("pending gate not rebuilt")
	}
	if len(state.QueuedDeletes) != 1 || state.QueuedDeletes[0].Name != "b" {
		t.Errorf("queued deletes = %+v", state.QueuedDeletes)
	}
}

func TestRebuildState_AwaitingSubTaskKeepsBatchOpen(t *testing.T) {
	// A sub-task parked on its own confirmation gate still counts as
	// open work; the batch must survive the gate turn.
	transcript := []TurnRecord{
		{Seq: 0, PausedBatch: &BatchSnapshot{
			RequiresPause: true,
			SubTasks: []policy.SubTask{
				{Index: 1, Status: policy.SubTaskCompleted},
				{Index: 2, Status: policy.SubTaskAwaiting, Class: policy.ClassMutateCreate},
			},
		}},
	}
	state := RebuildState(transcript)
	if state.PausedBatch == nil {
		t.Fatal("batch with an awaiting sub-task was dropped")
	}
}

func TestSnapshotGate(t *testing.T) {
	g := &policy.Gate{ID: "g-2", State: policy.GateAwaitingConfirmation, RiskAcknowledged: true}
	snap := SnapshotGate(g)
	if snap == nil || !snap.RiskAcknowledged {
		t.Fatalf("snapshot = %+v", snap)
	}

	g.State = policy.GateCancelled
	if SnapshotGate(g) != nil {
		t.Error("terminal gate produced a snapshot")
	}
	if SnapshotGate(nil) != nil {
		t.Error("nil gate produced a snapshot")
	}
}

func TestSnapshotBatch(t *testing.T) {
	b := &policy.TaskBatch{RequiresPause: true, SubTasks: []policy.SubTask{
		{Index: 1, Status: policy.SubTaskCompleted},
	}}
	if SnapshotBatch(b) != nil {
		t.Error("fully completed batch produced a snapshot")
	}

	b.SubTasks = append(b.SubTasks, policy.SubTask{Index: 2, Status: policy.SubTaskDeferred})
	if SnapshotBatch(b) == nil {
		t.Error("batch with deferred work produced no snapshot")
	}
}
