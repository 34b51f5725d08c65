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
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tierSelectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "steward",
	Subsystem: "tier",
	Name:      "selected_total",
	Help:      "Response tier selections",
}, []string{"tier"})

var tierTracer = otel.Tracer("aleutian.steward.policy.tier")

// =============================================================================
// Response Tiers
// =============================================================================

// ResponseTier bounds how much content one response may produce.
type ResponseTier int

const (
	// Tier1Summary is a bounded summary: 150 to 500 words, 5 to 10 ranked
	// recommendations, 6 to 8 follow-up categories, and a closing question
	// inviting the user to pick one. It never auto-expands to full depth.
	Tier1Summary ResponseTier = iota + 1

	// Tier2Category is a single-category deep dive, 400 to 800 words. It
	// must not re-list all categories unless the user typed the literal
	// keyword "all".
	Tier2Category

	// Tier3Full is the full multi-section analysis, 1500 to 2500 words
	// with exactly the nine sections from Tier3Sections. Only reachable
	// for analysis of already-existing infrastructure.
	Tier3Full
)

func (t ResponseTier) String() string {
	switch t {
	case Tier1Summary:
		return "TIER_1_SUMMARY"
	case Tier2Category:
		return "TIER_2_CATEGORY"
	case Tier3Full:
		return "TIER_3_FULL"
	default:
		return "TIER_UNKNOWN"
	}
}

// WordBounds returns the inclusive word-count band for the tier.
func (t ResponseTier) WordBounds() (min, max int) {
	switch t {
	case Tier1Summary:
		return 150, 500
	case Tier2Category:
		return 400, 800
	case Tier3Full:
		return 1500, 2500
	default:
		return 0, 0
	}
}

// Tier3Sections lists the nine sections a Tier3Full response must carry,
// in order. Omitting any of them is a contract violation.
func Tier3Sections() []string {
	return []string{
		"Current State",
		"Cost Analysis",
		"Security Posture",
		"Operational Status",
		"Resource Relationships",
		"Usage Analytics",
		"Risk Assessment",
		"Recommendations",
		"Next Steps",
	}
}

// TierDecision is the selector's output for one turn.
type TierDecision struct {
	Tier ResponseTier

	// Category is the previously offered category the user picked, when
	// the turn is a TIER_1 to TIER_2 expansion.
	Category string

	// RelistAll is true when the user typed the literal "all" keyword in
	// reply to a category menu, re-listing every category instead of
	// expanding one.
	RelistAll bool

	// StaticCostEstimate is true when the response must carry a static
	// cost range and must not invoke the cost-analysis capability. Set
	// for diagram-design responses, which have no usage history.
	StaticCostEstimate bool
}

// =============================================================================
// Tier Selector
// =============================================================================

// TierSelector picks the response depth for a classified turn.
//
// Description:
//
//	DOC_QUERY and DIAGRAM_DESIGN are pinned to TIER_1. A reply naming or
//	numbering a category offered on the previous turn expands to TIER_2.
//	TIER_3 is reserved for analysis of existing infrastructure; a
//	full-detail request about a hypothetical design is clamped to TIER_2
//	because no real state exists to fill nine sections with.
//
// Thread Safety: Stateless; safe for concurrent use.
type TierSelector struct{}

// NewTierSelector creates a TierSelector.
func NewTierSelector() *TierSelector {
	return &TierSelector{}
}

// Select resolves the response tier for one classified turn.
//
// Inputs:
//
//	ctx - Context for tracing.
//	c - The classifier verdict for the turn.
//	offeredCategories - Categories presented by a prior TIER_1 response
//	    in this session, empty when none are pending.
//	text - The raw user text, consulted for category replies.
//
// Outputs:
//
//	*TierDecision - The selected tier. Never nil.
func (s *TierSelector) Select(ctx context.Context, c *Classification, offeredCategories []string, text string) *TierDecision {
	_, span := tierTracer.Start(ctx, "policy.TierSelector.Select")
	defer span.End()

	d := s.selectTier(c, offeredCategories, text)

	tierSelectedTotal.WithLabelValues(d.Tier.String()).Inc()
	span.SetAttributes(
		attribute.String("tier", d.Tier.String()),
		attribute.String("class", c.Class.String()),
		attribute.Bool("category_expansion", d.Category != ""),
	)
	return d
}

func (s *TierSelector) selectTier(c *Classification, offeredCategories []string, text string) *TierDecision {
	if len(offeredCategories) > 0 {
		if strings.EqualFold(strings.TrimSpace(text), "all") {
			return &TierDecision{Tier: Tier1Summary, RelistAll: true}
		}
		if category, ok := DetectCategoryReply(text, offeredCategories); ok {
			return &TierDecision{Tier: Tier2Category, Category: category}
		}
	}

	switch c.Class {
	case ClassDocQuery:
		return &TierDecision{Tier: Tier1Summary}
	case ClassDiagramDesign:
		return &TierDecision{Tier: Tier1Summary, StaticCostEstimate: true}
	case ClassDiagramAnalysis:
		if c.FullDetail {
			return &TierDecision{Tier: Tier3Full}
		}
		return &TierDecision{Tier: Tier2Category}
	}

	if c.AnalysisContext && (c.FullDetail || c.Class == ClassRead) {
		return &TierDecision{Tier: Tier3Full}
	}
	if c.Class == ClassRead {
		return &TierDecision{Tier: Tier1Summary}
	}

	// Creation and update planning, state changes, and cost queries all
	// get the single-topic deep dive by default.
	return &TierDecision{Tier: Tier2Category}
}

// DetectCategoryReply reports whether the text picks one of the offered
// categories, by name (case-insensitive) or by 1-based menu number.
func DetectCategoryReply(text string, offered []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	if n, err := strconv.Atoi(strings.TrimSuffix(trimmed, ".")); err == nil {
		if n >= 1 && n <= len(offered) {
			return offered[n-1], true
		}
		return "", false
	}

	lower := strings.ToLower(trimmed)
	for _, category := range offered {
		if strings.Contains(lower, strings.ToLower(category)) {
			return category, true
		}
	}
	return "", false
}
