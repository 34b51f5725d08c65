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
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var gateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "steward",
	Subsystem: "gate",
	Name:      "transitions_total",
	Help:      "Confirmation gate outcomes",
}, []string{"outcome"})

// =============================================================================
// Gate States
// =============================================================================

// GateState is the confirmation state machine position.
type GateState int

const (
	// GateProposed means the operation has been identified but the
	// resource detail has not yet been presented to the user.
	GateProposed GateState = iota

	// GateAwaitingConfirmation means the detail was presented and the
	// gate is waiting for the exact confirmation token.
	GateAwaitingConfirmation

	// GateConfirmed is terminal success; the action may dispatch.
	GateConfirmed

	// GateCancelled is terminal for this turn; the user declined. The
	// gate re-offers on the next message referencing the same resource.
	GateCancelled

	// GateRejectedMismatch is terminal for this turn; the reply looked
	// like a confirmation attempt but failed exact matching.
	GateRejectedMismatch
)

func (s GateState) String() string {
	switch s {
	case GateProposed:
		return "PROPOSED"
	case GateAwaitingConfirmation:
		return "AWAITING_CONFIRMATION"
	case GateConfirmed:
		return "CONFIRMED"
	case GateCancelled:
		return "CANCELLED"
	case GateRejectedMismatch:
		return "REJECTED_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// RiskAcknowledgmentToken is the stage-one token required before a
// CRITICAL-tier gate will even evaluate its resource-specific token.
const RiskAcknowledgmentToken = "I UNDERSTAND THE RISK"

// =============================================================================
// Criticality Assessment
// =============================================================================

// AssessCriticality resolves the criticality tier for an operation on a
// resource using the configured matrix. Type entries match as prefixes;
// tag values match case-insensitively against the resource's tag values.
func AssessCriticality(cfg *config.PolicyConfig, class OperationClass, r ResourceRef) Criticality {
	m := &cfg.Criticality
	tier := CriticalityLow

	tagged := false
	for _, tag := range r.Tags {
		for _, crit := range m.CriticalTags {
			if strings.EqualFold(tag, crit) {
				tagged = true
			}
		}
	}
	switch {
	case tagged || typeMatches(r.Type, m.CriticalTypes):
		tier = CriticalityCritical
	case typeMatches(r.Type, m.HighTypes):
		tier = CriticalityHigh
	case typeMatches(r.Type, m.MediumTypes):
		tier = CriticalityMedium
	}

	if class == ClassStateChangeLow {
		// A restart is recoverable; it never demands the two-stage
		// critical protocol. Database-tier reboots are still MEDIUM
		// because of in-flight transactions and replication lag.
		if tier > CriticalityMedium {
			tier = CriticalityMedium
		}
		if tier < CriticalityMedium && typeMatches(r.Type, m.MediumRebootTypes) {
			tier = CriticalityMedium
		}
		return tier
	}

	switch class {
	case ClassMutateDelete, ClassStateChangeHigh:
		if tier < CriticalityHigh {
			tier = CriticalityHigh
		}
	case ClassStateChangeMedium:
		if tier < CriticalityMedium {
			tier = CriticalityMedium
		}
	}
	return tier
}

func typeMatches(resourceType string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(resourceType, p) {
			return true
		}
	}
	return false
}

// =============================================================================
// Confirmation Gate
// =============================================================================

// Gate is the per-resource confirmation state machine.
//
// Description:
//
//	One gate is scoped to exactly one resource, or to one declared bulk
//	batch with an exact count. The required token reproduces the literal
//	resource name case-sensitively in the mandated template. Matching is
//	exact: partial matches, case mismatches, and extra tokens all reject.
//	CRITICAL-tier gates require the risk-acknowledgment token before the
//	resource-specific token is evaluated. A matched gate is consumed and
//	can never confirm a second action, even for an identically named
//	resource.
//
// Thread Safety: NOT safe for concurrent use. Turns are sequential per
// session; a gate belongs to one session.
type Gate struct {
	// ID uniquely names this gate instance across the session transcript.
	ID string

	// Class is the operation the gate protects.
	Class OperationClass

	// Resource is the single target. Zero-valued for bulk gates.
	Resource ResourceRef

	// BulkCount is the declared batch size for a bulk deletion gate, or
	// zero for single-resource gates.
	BulkCount int

	// BulkResources lists the batch targets of a bulk gate.
	BulkResources []ResourceRef

	// Tier is the assessed criticality.
	Tier Criticality

	// State is the machine position.
	State GateState

	// RiskAcknowledged is true once a CRITICAL gate's stage-one token has
	// been received.
	RiskAcknowledged bool

	// ReceivedToken is the last reply evaluated, kept for the transcript.
	ReceivedToken string

	consumed bool
}

// NewGate creates a PROPOSED gate for one resource.
func NewGate(cfg *config.PolicyConfig, class OperationClass, r ResourceRef) *Gate {
	return &Gate{
		ID:       uuid.NewString(),
		Class:    class,
		Resource: r,
		Tier:     AssessCriticality(cfg, class, r),
		State:    GateProposed,
	}
}

// NewBulkGate creates a PROPOSED gate covering an entire deletion batch.
// The confirmation token must carry the exact batch size.
func NewBulkGate(cfg *config.PolicyConfig, resources []ResourceRef) *Gate {
	tier := CriticalityHigh
	for _, r := range resources {
		if c := AssessCriticality(cfg, ClassMutateDelete, r); c > tier {
			tier = c
		}
	}
	return &Gate{
		ID:            uuid.NewString(),
		Class:         ClassMutateDelete,
		BulkCount:     len(resources),
		BulkResources: resources,
		Tier:          tier,
		State:         GateProposed,
	}
}

// Present transitions PROPOSED to AWAITING_CONFIRMATION. The caller must
// have just presented the full resource detail, re-fetched live, so the
// user never confirms against stale state.
func (g *Gate) Present() error {
	if g.State != GateProposed {
		return NewPolicyError(ErrCodeConfirmationMismatch,
			fmt.Sprintf("gate %s cannot present from state %s", g.ID, g.State))
	}
	g.State = GateAwaitingConfirmation
	return nil
}

// RequiredToken returns the exact token that confirms this gate.
func (g *Gate) RequiredToken() string {
	if g.BulkCount > 0 {
		return fmt.Sprintf("BULK DELETE %d RESOURCES", g.BulkCount)
	}
	switch g.Class {
	case ClassStateChangeHigh:
		return "TERMINATE " + g.tokenName()
	case ClassMutateDelete:
		return "DELETE " + g.tokenName()
	case ClassStateChangeMedium:
		return "STOP " + g.tokenName()
	case ClassStateChangeLow:
		if g.Tier >= CriticalityMedium {
			return "STOP " + g.tokenName()
		}
		return "yes"
	default:
		return "yes"
	}
}

// tokenName quotes the resource name when it contains whitespace so the
// token boundary is unambiguous.
func (g *Gate) tokenName() string {
	if strings.ContainsAny(g.Resource.Name, " \t") {
		return `"` + g.Resource.Name + `"`
	}
	return g.Resource.Name
}

// Consumed reports whether the gate already confirmed an action.
func (g *Gate) Consumed() bool {
	return g.consumed
}

// Evaluate feeds one user reply into an AWAITING_CONFIRMATION gate.
//
// Inputs:
//
//	reply - The raw user text for this turn.
//
// Outputs:
//
//	GateState - The resulting state. GateAwaitingConfirmation is returned
//	    when a CRITICAL gate accepted its stage-one token and now awaits
//	    the resource-specific token.
//	error - *PolicyError with ErrCodeGateConsumed on reuse, or
//	    ErrCodeConfirmationMismatch when called from a wrong state.
func (g *Gate) Evaluate(reply string) (GateState, error) {
	if g.consumed {
		return g.State, NewPolicyError(ErrCodeGateConsumed,
			fmt.Sprintf("gate %s already confirmed and cannot be reused", g.ID))
	}
	if g.State != GateAwaitingConfirmation {
		return g.State, NewPolicyError(ErrCodeConfirmationMismatch,
			fmt.Sprintf("gate %s is not awaiting confirmation (state %s)", g.ID, g.State))
	}
	g.ReceivedToken = reply
	trimmed := strings.TrimSpace(reply)

	// Stage one for CRITICAL gates. The resource token is not even
	// evaluated until the risk acknowledgment lands, so a correct stage
	// two sent early still rejects.
	if g.Tier == CriticalityCritical && !g.RiskAcknowledged {
		if trimmed == RiskAcknowledgmentToken {
			g.RiskAcknowledged = true
			gateTransitionsTotal.WithLabelValues("risk_acknowledged").Inc()
			return GateAwaitingConfirmation, nil
		}
		g.State = GateRejectedMismatch
		gateTransitionsTotal.WithLabelValues("rejected_mismatch").Inc()
		return g.State, nil
	}

	required := g.RequiredToken()
	if g.matches(trimmed, required) {
		g.State = GateConfirmed
		g.consumed = true
		gateTransitionsTotal.WithLabelValues("confirmed").Inc()
		return g.State, nil
	}

	if g.looksLikeAttempt(trimmed) {
		g.State = GateRejectedMismatch
		gateTransitionsTotal.WithLabelValues("rejected_mismatch").Inc()
	} else {
		// Any non-matching, non-attempt reply is a cancellation, not an
		// error.
		g.State = GateCancelled
		gateTransitionsTotal.WithLabelValues("cancelled").Inc()
	}
	return g.State, nil
}

// Reoffer re-arms a CANCELLED or REJECTED_MISMATCH gate when the next
// user message references the same resource.
func (g *Gate) Reoffer() error {
	if g.consumed {
		return NewPolicyError(ErrCodeGateConsumed,
			fmt.Sprintf("gate %s already confirmed and cannot be reoffered", g.ID))
	}
	if g.State != GateCancelled && g.State != GateRejectedMismatch {
		return NewPolicyError(ErrCodeConfirmationMismatch,
			fmt.Sprintf("gate %s cannot reoffer from state %s", g.ID, g.State))
	}
	g.State = GateAwaitingConfirmation
	return nil
}

// matches is the exact-token comparison. The required token is matched
// case-sensitively, except the low-risk "yes" which is case-insensitive.
// Names containing whitespace accept both the quoted and unquoted form.
func (g *Gate) matches(trimmed, required string) bool {
	if required == "yes" {
		return strings.EqualFold(trimmed, "yes")
	}
	if trimmed == required {
		return true
	}
	// Unquoted variant for whitespace names. Still exact on the name.
	if strings.ContainsAny(g.Resource.Name, " \t") {
		verb, _, ok := strings.Cut(required, " ")
		if ok && trimmed == verb+" "+g.Resource.Name {
			return true
		}
	}
	return false
}

// looksLikeAttempt distinguishes a failed confirmation attempt from a
// cancellation. A reply opening with the gate's command verb was trying
// to confirm.
func (g *Gate) looksLikeAttempt(trimmed string) bool {
	upper := strings.ToUpper(trimmed)
	for _, verb := range []string{"DELETE ", "TERMINATE ", "STOP ", "BULK DELETE "} {
		if strings.HasPrefix(upper, verb) {
			return true
		}
	}
	if g.Tier == CriticalityCritical && strings.HasPrefix(upper, "I UNDERSTAND") {
		return true
	}
	return false
}
