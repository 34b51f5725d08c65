// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// =============================================================================
// Design-Flow Guard
// =============================================================================

// GuardedCostAnalyzer wraps a CostAnalyzer and refuses invocation from
// design or creation-planning flows, which have no usage history and
// must use static estimates instead.
type GuardedCostAnalyzer struct {
	Inner CostAnalyzer
}

// Analyze runs a cost-explorer query for real, existing usage.
// designFlow marks a hypothetical design or creation-planning turn.
func (g *GuardedCostAnalyzer) Analyze(ctx context.Context, q CostQuery, designFlow bool) (*CostResult, error) {
	if designFlow {
		return nil, RefuseDesignFlow()
	}
	return g.Inner.Analyze(ctx, q)
}

// =============================================================================
// Static Design Estimator
// =============================================================================

// ComponentEstimate is one line of a static design cost estimate.
type ComponentEstimate struct {
	Component string
	LowUSD    float64
	HighUSD   float64
}

// DesignEstimate is a static, non-API-derived monthly cost range for a
// hypothetical design.
type DesignEstimate struct {
	Components []ComponentEstimate
	LowUSD     float64
	HighUSD    float64
}

// Render formats the estimate as response text.
func (e *DesignEstimate) Render() string {
	var b strings.Builder
	b.WriteString("Estimated monthly cost (static estimate, not billed usage):\n")
	for _, c := range e.Components {
		fmt.Fprintf(&b, "- %s: $%.0f-$%.0f\n", c.Component, c.LowUSD, c.HighUSD)
	}
	fmt.Fprintf(&b, "Total: $%.0f-$%.0f per month", e.LowUSD, e.HighUSD)
	return b.String()
}

// StaticEstimator produces design-mode cost ranges from the configured
// component table. It makes no API calls and never touches the
// cost-analysis capability.
type StaticEstimator struct {
	cfg *config.PolicyConfig
}

// NewStaticEstimator creates an estimator over the policy config.
func NewStaticEstimator(cfg *config.PolicyConfig) *StaticEstimator {
	return &StaticEstimator{cfg: cfg}
}

// EstimateDesign matches the design description against the component
// table and sums the matched ranges.
//
// Outputs:
//
//	*DesignEstimate - The matched components. A description matching
//	    nothing yields a single generic compute line so the estimate is
//	    never empty.
func (s *StaticEstimator) EstimateDesign(description string) *DesignEstimate {
	lower := strings.ToLower(description)
	est := &DesignEstimate{}
	for _, entry := range s.cfg.StaticCosts {
		for _, term := range entry.Match {
			if strings.Contains(lower, term) {
				est.Components = append(est.Components, ComponentEstimate{
					Component: entry.Component,
					LowUSD:    entry.Low,
					HighUSD:   entry.High,
				})
				est.LowUSD += entry.Low
				est.HighUSD += entry.High
				break
			}
		}
	}
	if len(est.Components) == 0 {
		for _, entry := range s.cfg.StaticCosts {
			if entry.Component == "EC2 compute" {
				est.Components = append(est.Components, ComponentEstimate{
					Component: entry.Component,
					LowUSD:    entry.Low,
					HighUSD:   entry.High,
				})
				est.LowUSD, est.HighUSD = entry.Low, entry.High
				break
			}
		}
	}
	return est
}

// RefuseDesignFlow is the typed error returned when a design or
// creation-planning turn attempts to invoke the cost-analysis
// capability.
func RefuseDesignFlow() error {
	return policy.NewPolicyError(policy.ErrCodeBindingViolation,
		"cost analysis cannot run for a hypothetical design").
		WithHint("design flows use static estimates; ask about existing usage for real cost data")
}
