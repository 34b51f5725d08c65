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
	"testing"
)

func makeTestSplitter(t *testing.T) *Splitter {
	t.Helper()
	cfg := makeTestPolicyConfig(t)
	return NewSplitter(cfg, NewClassifier(cfg))
}

func TestSplit_GroupPartitioning(t *testing.T) {
	s := makeTestSplitter(t)

	batch := s.Split(context.Background(),
		"list my instances, scan security groups for open ports, and create a budget alarm")
	if len(batch.SubTasks) != 3 {
		t.Fatalf("got %d sub-tasks, want 3", len(batch.SubTasks))
	}

	groups := make(map[TaskGroup]int)
	for _, st := range batch.SubTasks {
		groups[st.Group]++
	}
	if groups[GroupQuickReads] != 2 || groups[GroupWrites] != 1 {
		t.Errorf("group partition = %v, want 2 quick reads and 1 write", groups)
	}
	if !batch.RequiresPause {
		t.Error("batch with a write group did not require a pause")
	}
	for _, st := range batch.Deferred() {
		if st.Status != SubTaskDeferred {
			t.Errorf("deferred task %d has status %s", st.Index, st.Status)
		}
	}
}

func TestSplit_SlowReadsFormScanGroup(t *testing.T) {
	s := makeTestSplitter(t)

	// "find" carries a 45 second estimate, well over the quick-read bound.
	batch := s.Split(context.Background(),
		"check the alarm status; find unused EBS volumes across all regions")
	var scan *SubTask
	for i := range batch.SubTasks {
		if batch.SubTasks[i].Group == GroupScans {
			scan = &batch.SubTasks[i]
		}
	}
	if scan == nil {
		t.Fatal("no sub-task landed in the scan group")
	}
	if scan.Verb != "find" {
		t.Errorf("scan group verb = %q, want find", scan.Verb)
	}
}

func TestSplit_EstimateBudgetForcesPause(t *testing.T) {
	s := makeTestSplitter(t)

	// Three 45-second finds total 135s, over the 90-second budget, with
	// no writes at all.
	batch := s.Split(context.Background(),
		"find unattached EIPs; find unused volumes; find idle load balancers")
	if batch.TotalEstimateSeconds <= 90 {
		t.Fatalf("total estimate = %d, expected over budget", batch.TotalEstimateSeconds)
	}
	if !batch.RequiresPause {
		t.Error("over-budget read batch did not require a pause")
	}
}

func TestSplit_QuickReadsRunUninterrupted(t *testing.T) {
	s := makeTestSplitter(t)

	batch := s.Split(context.Background(),
		"list my instances, show the VPCs, and check the alarm status")
	if batch.RequiresPause {
		t.Errorf("quick all-read batch paused (estimate %ds)", batch.TotalEstimateSeconds)
	}
	if len(batch.Immediate()) != len(batch.SubTasks) {
		t.Error("quick batch deferred some sub-tasks")
	}
}

func TestSplit_BulletedList(t *testing.T) {
	s := makeTestSplitter(t)

	batch := s.Split(context.Background(),
		"do these:\n- scan security groups\n- delete the old snapshots\n- list running instances")
	if len(batch.SubTasks) < 3 {
		t.Fatalf("got %d sub-tasks, want at least 3", len(batch.SubTasks))
	}
	foundDelete := false
	for _, st := range batch.SubTasks {
		if st.Class == ClassMutateDelete {
			foundDelete = true
			if st.Group != GroupWrites {
				t.Errorf("delete sub-task in group %d", st.Group)
			}
		}
	}
	if !foundDelete {
		t.Error("delete sub-task not classified from list item")
	}
}

func TestParseContinuation(t *testing.T) {
	s := makeTestSplitter(t)
	batch := s.Split(context.Background(),
		"list instances, create an alarm, and delete old snapshots")

	if c := ParseContinuation("yes", batch); !c.Approved || len(c.Subset) != 0 {
		t.Errorf("yes reply = %+v, want full approval", c)
	}
	if c := ParseContinuation("YES", batch); !c.Approved {
		t.Error("continuation approval is not case-insensitive")
	}
	if c := ParseContinuation("no thanks", batch); c.Approved {
		t.Error("decline treated as approval")
	}

	deferred := batch.Deferred()
	if len(deferred) == 0 {
		t.Fatal("batch has no deferred tasks")
	}
	pick := deferred[0].Index
	c := ParseContinuation(string(rune('0'+pick)), batch)
	if !c.Approved || len(c.Subset) != 1 || c.Subset[0] != pick {
		t.Errorf("subset reply = %+v, want subset [%d]", c, pick)
	}

	// Indices outside the deferred group never approve anything.
	if c := ParseContinuation("99", batch); c.Approved {
		t.Error("out-of-range index treated as approval")
	}
}
