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
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

var (
	splitterBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "splitter",
		Name:      "batches_total",
		Help:      "Multi-task batches produced",
	})

	splitterPausedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "splitter",
		Name:      "paused_total",
		Help:      "Batches that paused before their deferred group",
	})

	splitterSubTasks = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "splitter",
		Name:      "subtasks_per_batch",
		Help:      "Sub-task count per batch",
		Buckets:   []float64{2, 3, 4, 6, 8, 12},
	})
)

var splitterTracer = otel.Tracer("aleutian.steward.policy.splitter")

// =============================================================================
// Task Batch Types
// =============================================================================

// TaskGroup orders sub-tasks by execution phase.
type TaskGroup int

const (
	// GroupQuickReads holds fast read operations executed first.
	GroupQuickReads TaskGroup = 1

	// GroupScans holds iterative read operations, such as per-resource
	// audits, executed after the quick reads.
	GroupScans TaskGroup = 2

	// GroupWrites holds mutations, deferred behind an explicit user
	// continuation signal.
	GroupWrites TaskGroup = 3
)

// SubTaskStatus tracks a sub-task across the pause/resume protocol.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskDeferred  SubTaskStatus = "deferred"
	SubTaskAwaiting  SubTaskStatus = "awaiting-confirmation"
	SubTaskSkipped   SubTaskStatus = "skipped"
)

// SubTask is one atomic operation extracted from a compound request.
type SubTask struct {
	// Index is the 1-based position in the batch, used for subset
	// selection in continuation replies.
	Index int

	// Text is the sub-action phrasing extracted from the request.
	Text string

	// Class is the atomic classification of the sub-action.
	Class OperationClass

	// Verb is the action verb that drove the classification.
	Verb string

	// EstimateSeconds is the configured duration estimate for the verb.
	EstimateSeconds int

	// Group is the execution phase.
	Group TaskGroup

	// Status tracks completion across the pause/resume protocol.
	Status SubTaskStatus
}

// TaskBatch is an ordered decomposition of a MULTI_TASK request.
type TaskBatch struct {
	SubTasks []SubTask

	// TotalEstimateSeconds is the cumulative duration estimate.
	TotalEstimateSeconds int

	// RequiresPause is true when the batch must stop after the read
	// groups and await an explicit continuation signal. Set whenever the
	// batch contains writes or the total estimate exceeds the
	// uninterrupted budget.
	RequiresPause bool
}

// Immediate returns the sub-tasks executed in the current turn.
func (b *TaskBatch) Immediate() []SubTask {
	return b.byGroup(func(g TaskGroup) bool { return g != GroupWrites })
}

// Deferred returns the sub-tasks held behind the continuation pause.
func (b *TaskBatch) Deferred() []SubTask {
	if !b.RequiresPause {
		return nil
	}
	return b.byGroup(func(g TaskGroup) bool { return g == GroupWrites })
}

func (b *TaskBatch) byGroup(keep func(TaskGroup) bool) []SubTask {
	var out []SubTask
	for _, st := range b.SubTasks {
		if keep(st.Group) {
			out = append(out, st)
		}
	}
	return out
}

// =============================================================================
// Splitter
// =============================================================================

// subActionSplitRe breaks a compound sentence into clauses on list
// separators and coordinating connectives.
var subActionSplitRe = regexp.MustCompile(`(?i)\s*(?:;|\n|,?\s+and then\s+|,?\s+then\s+|,\s+and\s+|,\s+)\s*`)

// listItemRe strips leading bullet or number markers from a clause.
var listItemRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// Splitter decomposes MULTI_TASK requests into ordered, grouped batches.
//
// Description:
//
//	Each extracted sub-action is classified atomically and assigned a
//	configured duration estimate by verb. Reads under the quick-read
//	threshold form group 1, slower reads form group 2, and all writes
//	form group 3. Groups 1 and 2 run in the current turn; group 3 is
//	deferred behind an explicit continuation signal whenever it is
//	non-empty or the cumulative estimate exceeds the uninterrupted
//	budget. Urgent phrasing never overrides the pause.
//
// Thread Safety: Safe for concurrent use.
type Splitter struct {
	cfg        *config.PolicyConfig
	classifier *Classifier
}

// NewSplitter creates a Splitter sharing the classifier's config.
func NewSplitter(cfg *config.PolicyConfig, classifier *Classifier) *Splitter {
	return &Splitter{cfg: cfg, classifier: classifier}
}

// Split decomposes one compound request.
//
// Inputs:
//
//	ctx - Context for tracing.
//	text - The raw user request, already classified MULTI_TASK.
//
// Outputs:
//
//	*TaskBatch - The ordered decomposition. Never nil; a request that
//	    yields a single clause comes back as a one-task batch.
func (s *Splitter) Split(ctx context.Context, text string) *TaskBatch {
	ctx, span := splitterTracer.Start(ctx, "policy.Splitter.Split")
	defer span.End()

	batch := &TaskBatch{}
	for _, clause := range extractClauses(text) {
		c := s.classifier.ClassifyAtomic(ctx, clause)
		verb := c.MatchedTerm
		if verb == "" && len(c.ActionVerbs) > 0 {
			verb = c.ActionVerbs[0]
		}
		estimate := s.cfg.EstimateFor(verb)
		st := SubTask{
			Index:           len(batch.SubTasks) + 1,
			Text:            clause,
			Class:           c.Class,
			Verb:            verb,
			EstimateSeconds: estimate,
			Status:          SubTaskPending,
		}
		switch {
		case c.Class.IsMutating():
			st.Group = GroupWrites
		case estimate < s.cfg.Splitter.QuickReadSeconds:
			st.Group = GroupQuickReads
		default:
			st.Group = GroupScans
		}
		batch.SubTasks = append(batch.SubTasks, st)
		batch.TotalEstimateSeconds += estimate
	}

	hasWrites := len(batch.byGroup(func(g TaskGroup) bool { return g == GroupWrites })) > 0
	batch.RequiresPause = hasWrites ||
		batch.TotalEstimateSeconds > s.cfg.Splitter.MaxUninterruptedSeconds
	if batch.RequiresPause {
		for i := range batch.SubTasks {
			if batch.SubTasks[i].Group == GroupWrites {
				batch.SubTasks[i].Status = SubTaskDeferred
			}
		}
		splitterPausedTotal.Inc()
	}

	splitterBatchesTotal.Inc()
	splitterSubTasks.Observe(float64(len(batch.SubTasks)))
	span.SetAttributes(
		attribute.Int("subtasks", len(batch.SubTasks)),
		attribute.Int("estimate_seconds", batch.TotalEstimateSeconds),
		attribute.Bool("requires_pause", batch.RequiresPause),
	)
	return batch
}

// extractClauses splits request text into candidate sub-action clauses.
func extractClauses(text string) []string {
	var clauses []string
	for _, raw := range subActionSplitRe.Split(text, -1) {
		clause := strings.TrimSpace(listItemRe.ReplaceAllString(raw, ""))
		if clause == "" {
			continue
		}
		clauses = append(clauses, clause)
	}
	return clauses
}

// =============================================================================
// Continuation Protocol
// =============================================================================

// Continuation is the parsed user decision at a batch pause.
type Continuation struct {
	// Approved is true when the user authorized the deferred group.
	Approved bool

	// Subset holds 1-based sub-task indices when the user selected a
	// subset instead of approving everything. Empty means all deferred
	// tasks were approved.
	Subset []int
}

// ParseContinuation interprets the user's reply to a batch pause prompt.
// A case-insensitive "yes" approves all deferred tasks; a list of task
// numbers approves that subset; anything else declines.
func ParseContinuation(text string, batch *TaskBatch) Continuation {
	trimmed := strings.TrimSpace(text)
	if strings.EqualFold(trimmed, "yes") {
		return Continuation{Approved: true}
	}

	deferredIdx := make(map[int]bool)
	for _, st := range batch.Deferred() {
		deferredIdx[st.Index] = true
	}
	var subset []int
	for _, tok := range regexp.MustCompile(`[,\s]+`).Split(trimmed, -1) {
		n, err := strconv.Atoi(strings.TrimSuffix(tok, "."))
		if err != nil {
			continue
		}
		if deferredIdx[n] {
			subset = append(subset, n)
		}
	}
	if len(subset) > 0 {
		return Continuation{Approved: true, Subset: subset}
	}
	return Continuation{}
}
