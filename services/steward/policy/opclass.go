// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy implements the Steward tool routing and confirmation
// engine: operation classification, capability routing, response tier
// selection, the confirmation gate state machine, multi-task splitting,
// and dependency-aware execution.
//
// The safety-critical rules live here as explicit, testable code. The
// language model is consulted only for intent extraction (services/steward/agent);
// it never enforces routing or confirmation rules.
package policy

import "strings"

// =============================================================================
// Operation Classes
// =============================================================================

// OperationClass is the category of user intent for one atomic operation.
// Exactly one class applies per atomic operation; compound requests
// decompose into single-class sub-operations before routing.
type OperationClass int

const (
	// ClassUnknown marks a request the classifier could not resolve.
	// Routed as best-effort guidance (read + documentation), never as a
	// mutating class.
	ClassUnknown OperationClass = iota

	// ClassRead covers list/describe/get/show/status inspection.
	ClassRead

	// ClassMutateCreate covers resource creation with concrete parameters.
	ClassMutateCreate

	// ClassMutateUpdate covers non-state-change modification.
	ClassMutateUpdate

	// ClassStateChangeLow covers recoverable state changes (start, reboot).
	ClassStateChangeLow

	// ClassStateChangeMedium covers service-interrupting state changes (stop).
	ClassStateChangeMedium

	// ClassStateChangeHigh covers delete-equivalent state changes
	// (terminate). Always follows the full deletion protocol.
	ClassStateChangeHigh

	// ClassMutateDelete covers explicit resource deletion.
	ClassMutateDelete

	// ClassCostQuery covers spend/budget analysis of existing usage.
	ClassCostQuery

	// ClassDocQuery covers best-practice/how-to guidance lookups.
	ClassDocQuery

	// ClassDiagramDesign covers diagrams of hypothetical architectures.
	ClassDiagramDesign

	// ClassDiagramAnalysis covers diagrams of existing infrastructure.
	ClassDiagramAnalysis

	// ClassMultiTask marks a compound request awaiting decomposition.
	ClassMultiTask
)

var opClassNames = map[OperationClass]string{
	ClassUnknown:           "UNKNOWN",
	ClassRead:              "READ",
	ClassMutateCreate:      "MUTATE_CREATE",
	ClassMutateUpdate:      "MUTATE_UPDATE",
	ClassStateChangeLow:    "STATE_CHANGE_LOW",
	ClassStateChangeMedium: "STATE_CHANGE_MEDIUM",
	ClassStateChangeHigh:   "STATE_CHANGE_HIGH",
	ClassMutateDelete:      "MUTATE_DELETE",
	ClassCostQuery:         "COST_QUERY",
	ClassDocQuery:          "DOC_QUERY",
	ClassDiagramDesign:     "DIAGRAM_DESIGN",
	ClassDiagramAnalysis:   "DIAGRAM_ANALYSIS",
	ClassMultiTask:         "MULTI_TASK",
}

// String returns the canonical class name used in logs and assertions.
func (c OperationClass) String() string {
	if name, ok := opClassNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// AllOperationClasses lists every routable class. ClassMultiTask is
// excluded: it decomposes before routing and is never dispatched itself.
func AllOperationClasses() []OperationClass {
	return []OperationClass{
		ClassRead,
		ClassMutateCreate,
		ClassMutateUpdate,
		ClassStateChangeLow,
		ClassStateChangeMedium,
		ClassStateChangeHigh,
		ClassMutateDelete,
		ClassCostQuery,
		ClassDocQuery,
		ClassDiagramDesign,
		ClassDiagramAnalysis,
	}
}

// IsMutating reports whether the class changes cloud state.
func (c OperationClass) IsMutating() bool {
	switch c {
	case ClassMutateCreate, ClassMutateUpdate, ClassMutateDelete,
		ClassStateChangeLow, ClassStateChangeMedium, ClassStateChangeHigh:
		return true
	}
	return false
}

// IsDestructive reports whether the class is delete-equivalent.
// Terminate (STATE_CHANGE_HIGH) is permanent deletion, never a
// recoverable state change.
func (c OperationClass) IsDestructive() bool {
	return c == ClassMutateDelete || c == ClassStateChangeHigh
}

// IsStateChange reports whether the class is a lifecycle state change.
func (c OperationClass) IsStateChange() bool {
	switch c {
	case ClassStateChangeLow, ClassStateChangeMedium, ClassStateChangeHigh:
		return true
	}
	return false
}

// =============================================================================
// Capabilities
// =============================================================================

// CapabilityID identifies one external backing capability. Every
// operation class binds to exactly one capability (see Router).
type CapabilityID string

const (
	// CapabilityInspect is the read-only cloud inspection capability.
	CapabilityInspect CapabilityID = "cloud-inspection-read-only"

	// CapabilityMutate is the infrastructure-as-code mutation engine.
	CapabilityMutate CapabilityID = "infra-mutation-engine"

	// CapabilityCost is the historical cost analysis engine.
	CapabilityCost CapabilityID = "cost-analysis-engine"

	// CapabilityDocs is the documentation search capability.
	CapabilityDocs CapabilityID = "documentation-search"

	// CapabilityDiagram is the architecture diagram renderer.
	CapabilityDiagram CapabilityID = "diagram-renderer"
)

// =============================================================================
// Resources
// =============================================================================

// ResourceRef identifies a targeted cloud resource.
type ResourceRef struct {
	// Type is the CloudFormation resource type (e.g. "AWS::EC2::Instance").
	Type string

	// ID is the provider identifier (e.g. "i-0123456789abcdef0").
	ID string

	// Name is the human-readable name (Name tag or resource name
	// property). Confirmation tokens reproduce this name, not the ID.
	Name string

	// Tags holds resource tags where known; used for criticality.
	Tags map[string]string
}

// DisplayName renders the resource as "Name [id]" for prompts, matching
// the mandatory identification format.
func (r ResourceRef) DisplayName() string {
	name := r.Name
	if name == "" {
		name = r.Type
	}
	if r.ID == "" {
		return name
	}
	return name + " [" + r.ID + "]"
}

// =============================================================================
// Criticality
// =============================================================================

// Criticality is the confirmation-risk tier of a resource.
type Criticality int

const (
	CriticalityLow Criticality = iota
	CriticalityMedium
	CriticalityHigh
	CriticalityCritical
)

var criticalityNames = map[Criticality]string{
	CriticalityLow:      "LOW",
	CriticalityMedium:   "MEDIUM",
	CriticalityHigh:     "HIGH",
	CriticalityCritical: "CRITICAL",
}

// String returns the canonical tier name.
func (c Criticality) String() string {
	if name, ok := criticalityNames[c]; ok {
		return name
	}
	return "LOW"
}

// truncateForLog bounds free text embedded in log attributes and span
// attributes.
func truncateForLog(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
