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
	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// State is the reconstructed suspension state at the start of a turn.
//
// A turn suspends at exactly three points: awaiting a confirmation
// token, awaiting multi-task continuation, or awaiting a category pick
// after a TIER_1 menu. All three are rebuilt here from the transcript;
// nothing volatile carries across turns.
type State struct {
	// PendingGate is the gate awaiting a confirmation token, nil when
	// none.
	PendingGate *policy.Gate

	// PausedBatch is the batch awaiting a continuation signal, nil when
	// none.
	PausedBatch *policy.TaskBatch

	// QueuedDeletes are destructive targets still waiting for their own
	// confirmation gates behind PendingGate, in confirmation order.
	QueuedDeletes []policy.ResourceRef

	// OfferedCategories are the follow-up categories from the previous
	// TIER_1 response, empty when none are pending.
	OfferedCategories []string

	// Region is the most recently used region in this session, empty
	// when none was ever named.
	Region string
}

// RebuildState reconstructs suspension state from a transcript. Only the
// most recent turn can leave a suspension open; older pending state was
// either resolved or abandoned by the turns after it.
func RebuildState(transcript []TurnRecord) *State {
	state := &State{}
	if len(transcript) == 0 {
		return state
	}

	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Region != "" {
			state.Region = transcript[i].Region
			break
		}
	}

	last := transcript[len(transcript)-1]
	if g := last.PendingGate; g != nil && g.State == policy.GateAwaitingConfirmation {
		state.PendingGate = restoreGate(g)
		state.QueuedDeletes = last.QueuedDeletes
	}
	if b := last.PausedBatch; b != nil && b.RequiresPause && hasOpenSubTasks(b) {
		state.PausedBatch = &policy.TaskBatch{
			SubTasks:             b.SubTasks,
			TotalEstimateSeconds: b.TotalEstimateSeconds,
			RequiresPause:        b.RequiresPause,
		}
	}
	state.OfferedCategories = last.OfferedCategories
	return state
}

// restoreGate rebuilds a live gate from its snapshot. Only gates still
// awaiting confirmation are snapshotted, so the gate is never consumed.
func restoreGate(g *GateSnapshot) *policy.Gate {
	return &policy.Gate{
		ID:               g.ID,
		Class:            g.Class,
		Resource:         g.Resource,
		BulkCount:        g.BulkCount,
		BulkResources:    g.BulkResources,
		Tier:             g.Tier,
		State:            g.State,
		RiskAcknowledged: g.RiskAcknowledged,
	}
}

// hasOpenSubTasks reports whether any sub-task is still deferred or
// parked behind a confirmation gate. A batch with only terminal
// sub-tasks leaves no suspension to rebuild.
func hasOpenSubTasks(b *BatchSnapshot) bool {
	for _, st := range b.SubTasks {
		if st.Status == policy.SubTaskDeferred || st.Status == policy.SubTaskAwaiting {
			return true
		}
	}
	return false
}

// SnapshotGate captures a live gate for persistence. Returns nil when
// the gate is not awaiting confirmation; terminal gates leave no
// suspension to rebuild.
func SnapshotGate(g *policy.Gate) *GateSnapshot {
	if g == nil || g.State != policy.GateAwaitingConfirmation {
		return nil
	}
	return &GateSnapshot{
		ID:               g.ID,
		Class:            g.Class,
		Resource:         g.Resource,
		BulkCount:        g.BulkCount,
		BulkResources:    g.BulkResources,
		Tier:             g.Tier,
		State:            g.State,
		RiskAcknowledged: g.RiskAcknowledged,
	}
}

// SnapshotBatch captures a paused batch for persistence. Returns nil
// when the batch has nothing deferred.
func SnapshotBatch(b *policy.TaskBatch) *BatchSnapshot {
	if b == nil || !b.RequiresPause {
		return nil
	}
	snapshot := &BatchSnapshot{
		SubTasks:             b.SubTasks,
		TotalEstimateSeconds: b.TotalEstimateSeconds,
		RequiresPause:        b.RequiresPause,
	}
	if !hasOpenSubTasks(snapshot) {
		return nil
	}
	return snapshot
}
