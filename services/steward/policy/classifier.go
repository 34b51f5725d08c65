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
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	classifierResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "classifier",
		Name:      "resolved_total",
		Help:      "Classification outcomes by operation class",
	}, []string{"class"})

	classifierFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "classifier",
		Name:      "fallback_total",
		Help:      "Requests resolved via the READ+DOC_QUERY fallback",
	})

	classifierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Subsystem: "classifier",
		Name:      "latency_seconds",
		Help:      "Classification latency",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01},
	})
)

var classifierTracer = otel.Tracer("aleutian.steward.policy.classifier")

// =============================================================================
// Classification Types
// =============================================================================

// Classification is the classifier's verdict for one request.
type Classification struct {
	// Class is the resolved operation class. ClassMultiTask means the
	// request must be decomposed by the Splitter before routing.
	Class OperationClass

	// Fallback is true when the request was unclassifiable and resolved
	// to best-effort guidance (READ routing plus a DOC_QUERY companion).
	// A fallback is not an error; it never blocks the turn.
	Fallback bool

	// Ambiguous is true when the request carries contradictory mutation
	// verbs ("create or delete") that no single class can honor. The
	// turn must be refused with a re-prompt, never guessed at.
	Ambiguous bool

	// ActionVerbs lists the distinct action verbs detected, in order of
	// first appearance. Drives multi-task detection and duration
	// estimates.
	ActionVerbs []string

	// ListFormatted is true when the request is a bulleted, numbered, or
	// semicolon-separated list of actions.
	ListFormatted bool

	// MatchedTerm is the lexicon entry that decided the class, for logs.
	MatchedTerm string

	// AnalysisContext is true when the text references existing or
	// current infrastructure ("existing", "current", "analyze", "audit").
	AnalysisContext bool

	// FullDetail is true when the text explicitly requests complete/full
	// depth.
	FullDetail bool
}

// listMarkerRe matches bulleted or numbered list items at line starts.
var listMarkerRe = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)

// wordSplitRe tokenizes request text into lowercase words.
var wordSplitRe = regexp.MustCompile(`[a-z0-9]+(?:-[a-z0-9]+)*`)

// =============================================================================
// Classifier
// =============================================================================

// Classifier maps free-text requests to operation classes using the
// configured lexicons.
//
// Description:
//
//	Applies the priority-ordered rule chain: delete/terminate verbs win
//	over everything, then stop, then start/reboot, then create, then
//	update, then diagram (split on analysis context), then cost, then
//	docs, then read. Requests bundling three or more distinct action
//	verbs, or formatted as a list of actions, classify as MULTI_TASK and
//	are decomposed by the Splitter. Anything unmatched resolves to the
//	READ+DOC_QUERY fallback rather than an error.
//
//	The classifier is deliberately rule-based. Intent-extraction hints
//	from the language model may enrich the result (resource targets,
//	region) but never override a rule verdict.
//
// Thread Safety: Safe for concurrent use; all state is read-only after
// construction.
type Classifier struct {
	cfg *config.PolicyConfig
}

// NewClassifier creates a Classifier over the given policy config.
// cfg must not be nil.
func NewClassifier(cfg *config.PolicyConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify resolves the operation class for one request.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	text - The raw user request.
//
// Outputs:
//
//	*Classification - The verdict. Never nil.
//
// Thread Safety: Safe for concurrent use.
func (cl *Classifier) Classify(ctx context.Context, text string) *Classification {
	start := time.Now()
	_, span := classifierTracer.Start(ctx, "policy.Classifier.Classify")
	defer span.End()

	result := cl.classify(text, true)

	classifierResolvedTotal.WithLabelValues(result.Class.String()).Inc()
	if result.Fallback {
		classifierFallbackTotal.Inc()
	}
	classifierLatency.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("class", result.Class.String()),
		attribute.Bool("fallback", result.Fallback),
		attribute.Int("action_verbs", len(result.ActionVerbs)),
		attribute.Bool("list_formatted", result.ListFormatted),
		attribute.String("query_preview", truncateForLog(text, 80)),
	)

	return result
}

// ClassifyAtomic classifies one sub-action of a decomposed multi-task
// request. Multi-task detection is skipped so decomposition terminates.
func (cl *Classifier) ClassifyAtomic(ctx context.Context, text string) *Classification {
	_, span := classifierTracer.Start(ctx, "policy.Classifier.ClassifyAtomic")
	defer span.End()

	result := cl.classify(text, false)
	span.SetAttributes(attribute.String("class", result.Class.String()))
	return result
}

func (cl *Classifier) classify(text string, detectMultiTask bool) *Classification {
	c := &cl.cfg.Classifier
	lower := strings.ToLower(text)
	words := wordTokens(lower)

	result := &Classification{
		ListFormatted:   listMarkerRe.MatchString(text) || semicolonActionList(lower),
		AnalysisContext: matchAny(lower, words, c.AnalysisMarkers) != "",
		FullDetail:      matchAny(lower, words, c.FullDetailMarkers) != "",
	}
	result.ActionVerbs = distinctActionVerbs(lower, words, c)

	writeLexicons := [][]string{c.DeleteVerbs, c.StopVerbs, c.StartVerbs, c.CreateVerbs, c.UpdateVerbs}
	writeCategories := 0
	for _, lexicon := range writeLexicons {
		if matchAny(lower, words, lexicon) != "" {
			writeCategories++
		}
	}
	hasRead := matchAny(lower, words, c.ReadVerbs) != ""

	if detectMultiTask && len(result.ActionVerbs) >= 2 {
		cumulative := 0
		for _, verb := range result.ActionVerbs {
			cumulative += cl.cfg.EstimateFor(verb)
		}
		readWriteMix := hasRead && writeCategories > 0
		switch {
		case len(result.ActionVerbs) >= c.MultiTaskMinVerbs,
			result.ListFormatted,
			readWriteMix,
			cumulative > cl.cfg.Splitter.MaxUninterruptedSeconds:
			result.Class = ClassMultiTask
			return result
		}
	}

	// Conflicting mutation verbs with no list structure to split on
	// cannot be resolved to one class. Refuse rather than guess; the
	// delete-wins priority below must never swallow a "create or
	// delete" coin flip.
	if writeCategories >= 2 {
		result.Class = ClassUnknown
		result.Ambiguous = true
		return result
	}

	// Priority-ordered rule chain; first match wins. Termination verbs
	// outrank every other phrasing: "terminate" is delete-equivalent,
	// never a recoverable state change.
	if term := matchAny(lower, words, c.DeleteVerbs); term != "" {
		result.MatchedTerm = term
		if term == "terminate" {
			result.Class = ClassStateChangeHigh
		} else {
			result.Class = ClassMutateDelete
		}
		return result
	}
	if term := matchAny(lower, words, c.StopVerbs); term != "" {
		result.MatchedTerm = term
		result.Class = ClassStateChangeMedium
		return result
	}
	if term := matchAny(lower, words, c.StartVerbs); term != "" {
		result.MatchedTerm = term
		result.Class = ClassStateChangeLow
		return result
	}
	if term := matchAny(lower, words, c.CreateVerbs); term != "" {
		result.MatchedTerm = term
		result.Class = ClassMutateCreate
		return result
	}
	if term := matchAny(lower, words, c.UpdateVerbs); term != "" {
		result.MatchedTerm = term
		result.Class = ClassMutateUpdate
		return result
	}
	if term := matchAny(lower, words, c.DiagramTerms); term != "" {
		result.MatchedTerm = term
		if result.AnalysisContext {
			result.Class = ClassDiagramAnalysis
		} else {
			result.Class = ClassDiagramDesign
		}
		return result
	}
	if term := matchAny(lower, words, c.CostTerms); term != "" {
		result.MatchedTerm = term
		result.Class = ClassCostQuery
		return result
	}
	if term := matchAny(lower, words, c.DocTerms); term != "" {
		result.MatchedTerm = term
		result.Class = ClassDocQuery
		return result
	}
	if term := matchAny(lower, words, c.ReadVerbs); term != "" {
		result.MatchedTerm = term
		result.Class = ClassRead
		return result
	}

	// Unclassifiable: best-effort guidance, never a blocked turn and
	// never a mutating default.
	result.Class = ClassRead
	result.Fallback = true
	return result
}

// =============================================================================
// Lexicon Matching
// =============================================================================

// wordTokens extracts lowercase word tokens from already-lowercased text.
func wordTokens(lower string) map[string]bool {
	tokens := wordSplitRe.FindAllString(lower, -1)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// matchAny returns the first lexicon entry present in the text. Single
// words match as whole tokens; multi-word phrases match as substrings.
func matchAny(lower string, words map[string]bool, lexicon []string) string {
	for _, entry := range lexicon {
		if strings.ContainsAny(entry, " -") && !words[entry] {
			if strings.Contains(lower, entry) {
				return entry
			}
			continue
		}
		if words[entry] {
			return entry
		}
	}
	return ""
}

// distinctActionVerbs collects the distinct action verbs across all verb
// lexicons, preserving first-appearance order.
func distinctActionVerbs(lower string, words map[string]bool, c *config.ClassifierConfig) []string {
	var verbs []string
	seen := make(map[string]bool)
	appendMatches := func(lexicon []string) {
		for _, entry := range lexicon {
			if seen[entry] {
				continue
			}
			if words[entry] || (strings.Contains(entry, " ") && strings.Contains(lower, entry)) {
				seen[entry] = true
				verbs = append(verbs, entry)
			}
		}
	}
	appendMatches(c.DeleteVerbs)
	appendMatches(c.StopVerbs)
	appendMatches(c.StartVerbs)
	appendMatches(c.CreateVerbs)
	appendMatches(c.UpdateVerbs)
	appendMatches(c.ReadVerbs)
	return verbs
}

// semicolonActionList reports whether the text chains two or more clauses
// with semicolons, a list format the splitter must decompose.
func semicolonActionList(lower string) bool {
	parts := strings.Split(lower, ";")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	return nonEmpty >= 2
}
