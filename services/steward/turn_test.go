// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steward

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCloud/services/steward/capability"
	"github.com/AleutianAI/AleutianCloud/services/steward/config"
	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
	"github.com/AleutianAI/AleutianCloud/services/steward/session"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeInspector struct {
	raw     string
	queries []capability.InspectQuery
}

func (f *fakeInspector) Inspect(ctx context.Context, q capability.InspectQuery) (*capability.InspectResult, error) {
	f.queries = append(f.queries, q)
	raw := f.raw
	if raw == "" {
		raw = "3 instances running"
	}
	return &capability.InspectResult{Raw: raw}, nil
}

type fakeMutator struct {
	creates []capability.CreateInput
	deletes []capability.DeleteInput
	updates []capability.UpdateInput
}

func (f *fakeMutator) Create(ctx context.Context, in capability.CreateInput) (*capability.MutationResult, error) {
	f.creates = append(f.creates, in)
	return &capability.MutationResult{Identifier: "created", Status: "CREATE_COMPLETE"}, nil
}

func (f *fakeMutator) Update(ctx context.Context, in capability.UpdateInput) (*capability.MutationResult, error) {
	f.updates = append(f.updates, in)
	return &capability.MutationResult{Identifier: in.Identifier, Status: "UPDATE_COMPLETE"}, nil
}

func (f *fakeMutator) Delete(ctx context.Context, in capability.DeleteInput) (*capability.MutationResult, error) {
	f.deletes = append(f.deletes, in)
	return &capability.MutationResult{Identifier: in.Identifier, Status: "DELETE_COMPLETE"}, nil
}

type fakeCosts struct{ calls int }

func (f *fakeCosts) Analyze(ctx context.Context, q capability.CostQuery) (*capability.CostResult, error) {
	f.calls++
	return &capability.CostResult{TotalUSD: 1234.56, Report: "Spend last 30 days: $1234.56"}, nil
}

type fakeDocs struct{ calls int }

func (f *fakeDocs) Search(ctx context.Context, q capability.DocQuery) (*capability.DocResult, error) {
	f.calls++
	return &capability.DocResult{Entries: []string{"Use lifecycle rules to expire old objects"}}, nil
}

type fakeDiagrams struct{ path string }

func (f *fakeDiagrams) RenderDesign(ctx context.Context, description string) (*capability.DiagramResult, error) {
	return &capability.DiagramResult{Path: f.path}, nil
}

func (f *fakeDiagrams) RenderResources(ctx context.Context, resources []policy.ResourceRef) (*capability.DiagramResult, error) {
	return &capability.DiagramResult{Path: f.path}, nil
}

type testHarness struct {
	svc       *Service
	inspector *fakeInspector
	mutator   *fakeMutator
	costs     *fakeCosts
	docs      *fakeDocs
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	config.ResetPolicyConfig()
	t.Cleanup(config.ResetPolicyConfig)
	cfg, err := config.GetPolicyConfig(context.Background())
	if err != nil {
		t.Fatalf("GetPolicyConfig failed: %v", err)
	}

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	h := &testHarness{
		inspector: &fakeInspector{},
		mutator:   &fakeMutator{},
		costs:     &fakeCosts{},
		docs:      &fakeDocs{},
	}
	h.svc = NewService(cfg, Deps{
		Inspector: h.inspector,
		Mutator:   h.mutator,
		Costs:     h.costs,
		Docs:      h.docs,
		Diagrams:  &fakeDiagrams{path: "/tmp/diagrams/out.png"},
		Store:     session.NewStore(db, logger),
		Logger:    logger,
	})
	return h
}

func turn(t *testing.T, h *testHarness, sessionID, text string) *TurnResult {
	t.Helper()
	result, err := h.svc.HandleTurn(context.Background(), sessionID, text)
	if err != nil {
		t.Fatalf("HandleTurn(%q) failed: %v", text, err)
	}
	return result
}

// =============================================================================
// Read Path
// =============================================================================

func TestTurnReadDispatchesInspection(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "list my EC2 instances")
	if result.Class != "READ" {
		t.Fatalf("class = %q, want READ", result.Class)
	}
	if result.Tier != "TIER_1_SUMMARY" {
		t.Errorf("tier = %q, want TIER_1_SUMMARY", result.Tier)
	}
	if len(h.inspector.queries) != 1 {
		t.Fatalf("inspector called %d times, want 1", len(h.inspector.queries))
	}
	if got := h.inspector.queries[0].Service; got != "ec2" {
		t.Errorf("service = %q, want ec2", got)
	}
	if !strings.Contains(result.Response, "3 instances running") {
		t.Errorf("response missing inspection output: %q", result.Response)
	}
	if result.Suspended != SuspensionCategory {
		t.Errorf("TIER_1 read did not offer categories: suspended = %q", result.Suspended)
	}
}

func TestTurnReadOffersCategoryMenuThenExpands(t *testing.T) {
	h := newTestHarness(t)

	first := turn(t, h, "s1", "list my EC2 instances")
	for _, category := range defaultCategories {
		if !strings.Contains(first.Response, category) {
			t.Errorf("menu missing category %q", category)
		}
	}

	second := turn(t, h, "s1", "Security")
	if second.Tier != "TIER_2_CATEGORY" {
		t.Errorf("category pick tier = %q, want TIER_2_CATEGORY", second.Tier)
	}
	if !strings.Contains(second.Response, "Security") {
		t.Errorf("deep dive does not name the category: %q", second.Response)
	}
}

func TestTurnCostQueryUsesCostCapability(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "how much did we spend last month")
	if result.Class != "COST_QUERY" {
		t.Fatalf("class = %q, want COST_QUERY", result.Class)
	}
	if h.costs.calls != 1 {
		t.Errorf("cost analyzer called %d times, want 1", h.costs.calls)
	}
	if !strings.Contains(result.Response, "$1234.56") {
		t.Errorf("response missing cost report: %q", result.Response)
	}
}

func TestTurnDocQueryUsesDocsCapability(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "what is the best practice for S3 lifecycle rules")
	if result.Class != "DOC_QUERY" {
		t.Fatalf("class = %q, want DOC_QUERY", result.Class)
	}
	if h.docs.calls != 1 {
		t.Errorf("doc searcher called %d times, want 1", h.docs.calls)
	}
}

func TestTurnDiagramPathOnOwnLine(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "draw a diagram of a three tier web app")
	if result.Class != "DIAGRAM_DESIGN" {
		t.Fatalf("class = %q, want DIAGRAM_DESIGN", result.Class)
	}
	lines := strings.Split(result.Response, "\n")
	if lines[0] != "/tmp/diagrams/out.png" {
		t.Errorf("first line = %q, want bare diagram path", lines[0])
	}
	// Design flows carry a static estimate, never a cost capability call.
	if h.costs.calls != 0 {
		t.Errorf("design flow invoked cost capability %d times", h.costs.calls)
	}
	if !strings.Contains(result.Response, "estimate") && !strings.Contains(result.Response, "Estimate") {
		t.Errorf("design response missing static estimate: %q", result.Response)
	}
}

// =============================================================================
// Confirmation Path
// =============================================================================

func TestTurnDeleteRequiresExactToken(t *testing.T) {
	h := newTestHarness(t)

	first := turn(t, h, "s1", "delete the bucket staging-logs")
	if first.Suspended != SuspensionConfirmation {
		t.Fatalf("delete did not suspend for confirmation: %+v", first)
	}
	if len(h.mutator.deletes) != 0 {
		t.Fatal("mutation dispatched before confirmation")
	}
	// The prompt re-fetches live state before asking.
	if len(h.inspector.queries) == 0 {
		t.Error("no live re-fetch before the confirmation prompt")
	}

	second := turn(t, h, "s1", "yes please")
	if second.Suspended != SuspensionNone {
		t.Errorf("casual assent left the gate open: %q", second.Suspended)
	}
	if len(h.mutator.deletes) != 0 {
		t.Fatal("casual assent dispatched the mutation")
	}
}

func TestTurnDeleteConfirmsAndExecutes(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "delete the bucket staging-logs")
	result := turn(t, h, "s1", "DELETE staging-logs")
	if len(h.mutator.deletes) != 1 {
		t.Fatalf("mutator deletes = %d, want 1", len(h.mutator.deletes))
	}
	if !strings.Contains(result.Response, "done") {
		t.Errorf("response does not report completion: %q", result.Response)
	}
}

func TestTurnMismatchReoffersGate(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "delete the bucket staging-logs")
	mismatch := turn(t, h, "s1", "delete staging-logs")
	if mismatch.Suspended != SuspensionConfirmation {
		t.Fatalf("mismatch did not re-arm the gate: %+v", mismatch)
	}
	if len(h.mutator.deletes) != 0 {
		t.Fatal("lowercase token dispatched the mutation")
	}

	confirmed := turn(t, h, "s1", "DELETE staging-logs")
	if len(h.mutator.deletes) != 1 {
		t.Fatalf("exact token after reoffer did not execute: %+v", confirmed)
	}
}

func TestTurnCancelClearsGate(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "delete the bucket staging-logs")
	cancelled := turn(t, h, "s1", "actually never mind")
	if cancelled.Suspended != SuspensionNone {
		t.Errorf("cancel left a suspension open: %q", cancelled.Suspended)
	}

	// The next delete needs a fresh gate; the old token must not work
	// against it before it is re-presented for this new request.
	next := turn(t, h, "s1", "list my EC2 instances")
	if next.Class != "READ" {
		t.Errorf("post-cancel read classified as %q", next.Class)
	}
	if len(h.mutator.deletes) != 0 {
		t.Error("cancelled gate still reached the mutator")
	}
}

func TestTurnCreateValidatesAndDispatches(t *testing.T) {
	h := newTestHarness(t)

	first := turn(t, h, "s1", "create a bucket named archive-logs")
	if first.Suspended != SuspensionConfirmation {
		t.Fatalf("create did not suspend for confirmation: %+v", first)
	}
	if len(h.mutator.creates) != 0 {
		t.Fatal("create dispatched before confirmation")
	}

	confirmed := turn(t, h, "s1", "yes")
	if len(h.mutator.creates) != 1 {
		t.Fatalf("mutator creates = %d, want 1", len(h.mutator.creates))
	}
	in := h.mutator.creates[0]
	if in.ResourceType != "AWS::S3::Bucket" {
		t.Errorf("create resource type = %q", in.ResourceType)
	}
	if name, _ := in.Properties["Name"].(string); name != "archive-logs" {
		t.Errorf("create Name property = %v", in.Properties["Name"])
	}
	if len(h.mutator.updates) != 0 {
		t.Error("create was dispatched as an update")
	}
	if !strings.Contains(confirmed.Response, "done") {
		t.Errorf("response does not report completion: %q", confirmed.Response)
	}
}

func TestTurnMultiDeleteConfirmsEachResourceInTurn(t *testing.T) {
	h := newTestHarness(t)

	first := turn(t, h, "s1", "delete the bucket staging-logs and the bucket temp-logs")
	if first.Suspended != SuspensionConfirmation {
		t.Fatalf("multi-delete did not suspend: %+v", first)
	}
	if strings.Contains(first.Response, "BULK DELETE") {
		t.Fatalf("request without bulk phrasing offered a bulk token: %q", first.Response)
	}
	if !strings.Contains(first.Response, "DELETE staging-logs") {
		t.Fatalf("first gate does not name the first resource: %q", first.Response)
	}

	second := turn(t, h, "s1", "DELETE staging-logs")
	if len(h.mutator.deletes) != 1 {
		t.Fatalf("deletes after first confirmation = %d, want 1", len(h.mutator.deletes))
	}
	if second.Suspended != SuspensionConfirmation {
		t.Fatalf("second resource's gate was not offered: %+v", second)
	}
	if !strings.Contains(second.Response, "DELETE temp-logs") {
		t.Errorf("second gate does not name the second resource: %q", second.Response)
	}

	third := turn(t, h, "s1", "DELETE temp-logs")
	if len(h.mutator.deletes) != 2 {
		t.Fatalf("deletes after second confirmation = %d, want 2", len(h.mutator.deletes))
	}
	if third.Suspended != SuspensionNone {
		t.Errorf("queue not drained: %q", third.Suspended)
	}
}

func TestTurnMultiDeleteCancelDropsQueue(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "delete the bucket staging-logs and the bucket temp-logs")
	cancelled := turn(t, h, "s1", "never mind")
	if cancelled.Suspended != SuspensionNone {
		t.Fatalf("cancel left a suspension open: %q", cancelled.Suspended)
	}

	next := turn(t, h, "s1", "list my EC2 instances")
	if next.Class != "READ" {
		t.Errorf("post-cancel read classified as %q", next.Class)
	}
	if len(h.mutator.deletes) != 0 {
		t.Error("cancelled queue still reached the mutator")
	}
}

func TestTurnBulkPhrasedDeleteUsesCountToken(t *testing.T) {
	h := newTestHarness(t)

	first := turn(t, h, "s1", "bulk delete the bucket staging-logs and the bucket temp-logs")
	if !strings.Contains(first.Response, "BULK DELETE 2 RESOURCES") {
		t.Fatalf("bulk-phrased request missing count token: %q", first.Response)
	}

	turn(t, h, "s1", "BULK DELETE 2 RESOURCES")
	if len(h.mutator.deletes) != 2 {
		t.Fatalf("deletes = %d, want 2", len(h.mutator.deletes))
	}
}

func TestTurnConflictingMutationsRefused(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "create or delete the bucket staging-logs")
	if result.Suspended != SuspensionNone {
		t.Errorf("ambiguous request left a suspension open: %q", result.Suspended)
	}
	if len(h.mutator.creates)+len(h.mutator.deletes) != 0 {
		t.Fatal("ambiguous request reached the mutator")
	}
	if !strings.Contains(result.Response, "conflicting") {
		t.Errorf("refusal does not explain the conflict: %q", result.Response)
	}
	if !strings.Contains(result.Response, "single action") {
		t.Errorf("refusal does not re-prompt: %q", result.Response)
	}
}

// =============================================================================
// Multi-Task Path
// =============================================================================

func TestTurnMultiTaskPausesBeforeWrites(t *testing.T) {
	h := newTestHarness(t)

	result := turn(t, h, "s1", "list my instances, check the alarms, and create a new bucket")
	if result.Class != "MULTI_TASK" {
		t.Fatalf("class = %q, want MULTI_TASK", result.Class)
	}
	if result.Suspended != SuspensionContinuation {
		t.Fatalf("batch with a write did not pause: %+v", result)
	}
	// Reads ran, the write did not.
	if len(h.inspector.queries) < 2 {
		t.Errorf("inspector called %d times, want the two reads", len(h.inspector.queries))
	}
	if len(h.mutator.updates) != 0 || len(h.mutator.deletes) != 0 {
		t.Error("write dispatched before the continuation signal")
	}
	if !strings.Contains(result.Response, "yes") {
		t.Errorf("pause prompt missing re-engagement instruction: %q", result.Response)
	}
}

func TestTurnContinuationDeclineSkipsRemaining(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "list my instances, check the alarms, and create a new bucket")
	declined := turn(t, h, "s1", "no, that's enough")
	if declined.Suspended != SuspensionNone {
		t.Errorf("decline left the batch open: %q", declined.Suspended)
	}
	if !strings.Contains(declined.Response, "skipped") {
		t.Errorf("decline response does not acknowledge the skip: %q", declined.Response)
	}
}

func TestTurnContinuationApprovalStillGatesWrites(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "list my instances, check the alarms, and create a bucket named batch-logs")
	approved := turn(t, h, "s1", "yes")
	if approved.Suspended != SuspensionConfirmation {
		t.Fatalf("approved write sub-task bypassed its gate: %+v", approved)
	}
	if len(h.mutator.creates)+len(h.mutator.updates)+len(h.mutator.deletes) != 0 {
		t.Fatal("continuation approval dispatched a mutation directly")
	}

	confirmed := turn(t, h, "s1", "yes")
	if len(h.mutator.creates) != 1 {
		t.Fatalf("creates after gate confirmation = %d, want 1", len(h.mutator.creates))
	}
	if confirmed.Suspended != SuspensionNone {
		t.Errorf("batch not closed after the last task: %q", confirmed.Suspended)
	}
}

func TestTurnBatchResumesAfterGateTurns(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "check the alarms, create a bucket named batch-logs, and delete the bucket old-logs")
	first := turn(t, h, "s1", "yes")
	if first.Suspended != SuspensionConfirmation {
		t.Fatalf("create sub-task did not gate: %+v", first)
	}

	second := turn(t, h, "s1", "yes")
	if len(h.mutator.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(h.mutator.creates))
	}
	// The delete waiting behind the answered gate is not dropped; its
	// own gate comes next.
	if second.Suspended != SuspensionConfirmation {
		t.Fatalf("deferred delete dropped after the create gate: %+v", second)
	}
	if !strings.Contains(second.Response, "DELETE old-logs") {
		t.Errorf("delete gate does not name its resource: %q", second.Response)
	}

	third := turn(t, h, "s1", "DELETE old-logs")
	if len(h.mutator.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1", len(h.mutator.deletes))
	}
	if third.Suspended != SuspensionNone {
		t.Errorf("batch left open after the final task: %q", third.Suspended)
	}
}

// =============================================================================
// Session Continuity
// =============================================================================

func TestTurnSessionsAreIndependent(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "delete the bucket staging-logs")

	// The gate belongs to s1; an exact token on s2 is a fresh message.
	other := turn(t, h, "s2", "DELETE staging-logs")
	if len(h.mutator.deletes) != 0 {
		t.Fatal("gate confirmed across session boundary")
	}
	if other.Suspended == SuspensionNone && other.Class == "" {
		t.Errorf("unexpected result on fresh session: %+v", other)
	}
}

func TestTurnTranscriptAccumulates(t *testing.T) {
	h := newTestHarness(t)

	turn(t, h, "s1", "list my EC2 instances")
	turn(t, h, "s1", "how much did we spend last month")

	transcript, err := h.svc.Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(transcript))
	}
	if transcript[0].Seq != 0 || transcript[1].Seq != 1 {
		t.Errorf("sequence numbers = %d, %d", transcript[0].Seq, transcript[1].Seq)
	}
	if transcript[1].Class != policy.ClassCostQuery {
		t.Errorf("second turn class = %v", transcript[1].Class)
	}
}

// =============================================================================
// Live Configuration
// =============================================================================

func TestTurnPolicyReloadAppliesWithoutRestart(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	before := turn(t, h, "s1", "how many doubloons did we burn")
	if before.Class != "READ" {
		t.Fatalf("unknown vocabulary classified as %q before reload", before.Class)
	}
	if h.costs.calls != 0 {
		t.Fatalf("cost analyzer called %d times before reload", h.costs.calls)
	}

	cfg, err := config.GetPolicyConfig(ctx)
	if err != nil {
		t.Fatalf("GetPolicyConfig failed: %v", err)
	}
	reloaded := *cfg
	reloaded.Classifier.CostTerms = append(append([]string(nil), cfg.Classifier.CostTerms...), "doubloons")
	config.SetPolicyConfig(&reloaded)

	after := turn(t, h, "s2", "how many doubloons did we burn")
	if after.Class != "COST_QUERY" {
		t.Fatalf("reloaded cost term classified as %q", after.Class)
	}
	if h.costs.calls != 1 {
		t.Errorf("cost analyzer called %d times after reload, want 1", h.costs.calls)
	}
}

// =============================================================================
// Docs Caching
// =============================================================================

func TestTurnDocQueryCachedPerSession(t *testing.T) {
	config.ResetPolicyConfig()
	t.Cleanup(config.ResetPolicyConfig)
	cfg, err := config.GetPolicyConfig(context.Background())
	if err != nil {
		t.Fatalf("GetPolicyConfig failed: %v", err)
	}

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	docs := &fakeDocs{}
	svc := NewService(cfg, Deps{
		Inspector: &fakeInspector{},
		Mutator:   &fakeMutator{},
		Costs:     &fakeCosts{},
		Docs:      capability.NewCachingDocSearcher(docs, db, cfg, logger),
		Diagrams:  &fakeDiagrams{path: "/tmp/diagrams/out.png"},
		Store:     session.NewStore(db, logger),
		Logger:    logger,
	})

	ask := func(sessionID string) {
		t.Helper()
		if _, err := svc.HandleTurn(context.Background(), sessionID, "what is the best practice for S3 lifecycle rules"); err != nil {
			t.Fatalf("HandleTurn failed: %v", err)
		}
	}

	ask("s1")
	ask("s1")
	if docs.calls != 1 {
		t.Errorf("repeated query hit the searcher %d times, want 1", docs.calls)
	}

	// The cache is scoped per session; another session misses.
	ask("s2")
	if docs.calls != 2 {
		t.Errorf("cache leaked across sessions: searcher calls = %d, want 2", docs.calls)
	}
}
