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
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routerDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "router",
		Name:      "dispatch_total",
		Help:      "Dispatches by capability",
	}, []string{"capability"})

	routerBindingViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Subsystem: "router",
		Name:      "binding_violations_total",
		Help:      "Dispatch attempts that violated the class-to-capability binding",
	})
)

var routerTracer = otel.Tracer("aleutian.steward.policy.router")

// =============================================================================
// Binding Table
// =============================================================================

// toolBinding is the total mapping from operation class to the single
// capability entitled to serve it. Every class except MULTI_TASK has
// exactly one entry; MULTI_TASK never dispatches directly, it is
// decomposed first.
var toolBinding = map[OperationClass]CapabilityID{
	ClassRead:              CapabilityInspect,
	ClassMutateCreate:      CapabilityMutate,
	ClassMutateUpdate:      CapabilityMutate,
	ClassMutateDelete:      CapabilityMutate,
	ClassStateChangeLow:    CapabilityMutate,
	ClassStateChangeMedium: CapabilityMutate,
	ClassStateChangeHigh:   CapabilityMutate,
	ClassCostQuery:         CapabilityCost,
	ClassDocQuery:          CapabilityDocs,
	ClassDiagramDesign:     CapabilityDiagram,
	ClassDiagramAnalysis:   CapabilityDiagram,
}

// BindingFor returns the capability bound to a class, or false for
// classes that never dispatch directly (MULTI_TASK, UNKNOWN).
func BindingFor(class OperationClass) (CapabilityID, bool) {
	id, ok := toolBinding[class]
	return id, ok
}

// =============================================================================
// Routing Decision
// =============================================================================

// Route is a resolved routing decision for one atomic operation.
type Route struct {
	// Class is the operation class the decision was made for.
	Class OperationClass

	// Capability is the single capability entitled to serve the class.
	Capability CapabilityID

	// Companion is an optional secondary capability consulted for
	// supporting context, never for the primary answer. Set to
	// CapabilityDocs on the unclassifiable fallback.
	Companion CapabilityID

	// RequiresConfirmation is true when the operation must pass the
	// confirmation gate before the capability may be invoked.
	RequiresConfirmation bool
}

// Router resolves classifications into capability dispatch decisions and
// enforces the exclusive class-to-capability binding.
//
// Description:
//
//	The binding is total and exclusive: one capability per class, no
//	fallthrough, no capability substitution. AssertDispatch is the
//	enforcement point; every capability invocation in the turn engine
//	passes through it, so a routing bug surfaces as a typed
//	TOOL_BINDING_VIOLATION instead of a silently misdirected call.
//
// Thread Safety: Safe for concurrent use; the binding table is immutable.
type Router struct {
	logger *slog.Logger
}

// NewRouter creates a Router. A nil logger falls back to slog.Default.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Resolve maps a classification to its routing decision.
//
// Inputs:
//
//	ctx - Context for tracing.
//	c - The classifier verdict. Must not be ClassMultiTask; multi-task
//	    requests are decomposed by the Splitter before routing.
//
// Outputs:
//
//	*Route - The dispatch decision.
//	error - *PolicyError with ErrCodeBindingViolation when the class has
//	        no binding.
func (r *Router) Resolve(ctx context.Context, c *Classification) (*Route, error) {
	_, span := routerTracer.Start(ctx, "policy.Router.Resolve")
	defer span.End()

	capability, ok := toolBinding[c.Class]
	if !ok {
		routerBindingViolations.Inc()
		return nil, NewPolicyError(ErrCodeBindingViolation,
			fmt.Sprintf("operation class %s has no capability binding", c.Class))
	}

	route := &Route{
		Class:                c.Class,
		Capability:           capability,
		RequiresConfirmation: c.Class.IsMutating(),
	}
	if c.Fallback {
		// Unclassifiable requests get read-only guidance enriched with
		// documentation context.
		route.Companion = CapabilityDocs
	}

	routerDispatchTotal.WithLabelValues(string(capability)).Inc()
	span.SetAttributes(
		attribute.String("class", c.Class.String()),
		attribute.String("capability", string(capability)),
		attribute.Bool("requires_confirmation", route.RequiresConfirmation),
	)
	r.logger.DebugContext(ctx, "route resolved",
		slog.String("class", c.Class.String()),
		slog.String("capability", string(capability)))

	return route, nil
}

// AssertDispatch verifies that invoking the given capability for the
// given class honors the binding. It is called at the dispatch boundary,
// immediately before the capability call.
//
// Outputs:
//
//	error - nil when the dispatch is legal, otherwise a *PolicyError with
//	        ErrCodeBindingViolation. A violation aborts the dispatch; it
//	        is never downgraded to a warning.
func (r *Router) AssertDispatch(ctx context.Context, class OperationClass, capability CapabilityID) error {
	bound, ok := toolBinding[class]
	if ok && bound == capability {
		return nil
	}
	routerBindingViolations.Inc()
	r.logger.ErrorContext(ctx, "tool binding violation",
		slog.String("class", class.String()),
		slog.String("attempted_capability", string(capability)),
		slog.String("bound_capability", string(bound)))
	return NewPolicyError(ErrCodeBindingViolation,
		fmt.Sprintf("capability %s is not entitled to serve class %s", capability, class))
}
