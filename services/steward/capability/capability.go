// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capability defines the contracts for the external backing
// capabilities the policy engine dispatches to (cloud inspection,
// infrastructure mutation, cost analysis, documentation search, diagram
// rendering) plus the enforcing wrappers around them: region resolution,
// create-input validation, per-session docs caching, static design cost
// estimation, and the availability registry that degrades operation
// classes when a capability is down.
//
// The capabilities themselves are out-of-process collaborators. This
// package treats them as opaque endpoints behind small interfaces so the
// turn engine can be tested against fakes.
//
// Thread Safety:
//
//	All interfaces in this package must be implemented as safe for
//	concurrent use.
package capability

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

var availabilityGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "steward",
	Subsystem: "capability",
	Name:      "available",
	Help:      "Whether a backing capability is currently available (1/0)",
}, []string{"capability"})

// =============================================================================
// Capability Interfaces
// =============================================================================

// Inspector is the read-only cloud inspection capability. It is never
// used for create, update, delete, or state-change dispatch.
type Inspector interface {
	// Inspect lists resources for one service operation. The region must
	// already be resolved; implementations reject an empty region.
	Inspect(ctx context.Context, q InspectQuery) (*InspectResult, error)
}

// InspectQuery scopes one read-only listing call.
type InspectQuery struct {
	// Service is the cloud service name (e.g. "ec2", "s3").
	Service string

	// Operation is the read operation (e.g. "describe-instances").
	Operation string

	// Region is the explicit region, resolved by the Resolver. Required.
	Region string

	// Filters narrows the listing, service-specific.
	Filters map[string]string
}

// InspectResult is a structured resource listing.
type InspectResult struct {
	Resources []policy.ResourceRef

	// Raw is the capability's rendered detail text, passed through to
	// the response.
	Raw string
}

// Mutator is the infrastructure mutation engine.
type Mutator interface {
	Create(ctx context.Context, in CreateInput) (*MutationResult, error)
	Update(ctx context.Context, in UpdateInput) (*MutationResult, error)
	Delete(ctx context.Context, in DeleteInput) (*MutationResult, error)
}

// MutationResult reports the outcome of one mutation call.
type MutationResult struct {
	// Identifier is the resource identifier or ARN.
	Identifier string

	// Status is the engine's status string (e.g. "CREATE_IN_PROGRESS").
	Status string

	// LongRunning is true when completion exceeds the synchronous
	// window.
	LongRunning bool
}

// CostAnalyzer is the cost-explorer-scope analysis capability. It is
// never invoked for hypothetical designs; those use StaticEstimator.
type CostAnalyzer interface {
	Analyze(ctx context.Context, q CostQuery) (*CostResult, error)
}

// CostQuery scopes one historical cost analysis.
type CostQuery struct {
	// TimeRange is the analysis window (e.g. "last-30-days").
	TimeRange string
	Service   string
	Region    string
}

// CostResult is the analyzer's report.
type CostResult struct {
	TotalUSD float64
	Report   string
}

// DocSearcher is the documentation search capability.
type DocSearcher interface {
	Search(ctx context.Context, q DocQuery) (*DocResult, error)
}

// DocQuery is a scoped documentation lookup.
type DocQuery struct {
	Service string
	Topic   string
}

// DocResult holds the search output.
type DocResult struct {
	Entries []string
}

// DiagramRenderer renders architecture diagrams to filesystem artifacts.
type DiagramRenderer interface {
	// RenderDesign renders a hypothetical design from its description.
	RenderDesign(ctx context.Context, description string) (*DiagramResult, error)

	// RenderResources renders discovered existing resources.
	RenderResources(ctx context.Context, resources []policy.ResourceRef) (*DiagramResult, error)
}

// DiagramResult carries the rendered artifact location.
type DiagramResult struct {
	// Path is the filesystem path of the rendered image. The response
	// text must embed it on its own line before any prose.
	Path string
}

// =============================================================================
// Availability Registry
// =============================================================================

// Registry tracks which backing capabilities are currently available.
//
// Description:
//
//	A capability that failed to initialize disables its bound operation
//	classes for the session with a visible status indicator; every other
//	class keeps working. Availability may change at runtime as
//	collaborators reconnect.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	available map[policy.CapabilityID]bool
}

// NewRegistry creates a Registry with every capability marked available.
func NewRegistry() *Registry {
	r := &Registry{available: make(map[policy.CapabilityID]bool)}
	for _, id := range []policy.CapabilityID{
		policy.CapabilityInspect,
		policy.CapabilityMutate,
		policy.CapabilityCost,
		policy.CapabilityDocs,
		policy.CapabilityDiagram,
	} {
		r.available[id] = true
		availabilityGauge.WithLabelValues(string(id)).Set(1)
	}
	return r
}

// SetAvailable updates one capability's availability.
func (r *Registry) SetAvailable(id policy.CapabilityID, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[id] = up
	v := 0.0
	if up {
		v = 1.0
	}
	availabilityGauge.WithLabelValues(string(id)).Set(v)
}

// Available reports whether a capability is currently up.
func (r *Registry) Available(id policy.CapabilityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available[id]
}

// CheckDispatch returns a typed error when the capability bound to the
// route is down, so the turn degrades that class instead of failing the
// whole turn.
func (r *Registry) CheckDispatch(route *policy.Route) error {
	if r.Available(route.Capability) {
		return nil
	}
	return policy.NewPolicyError(policy.ErrCodeCapabilityUnavailable,
		"the "+string(route.Capability)+" capability is currently unavailable").
		WithHint("other operations keep working; try this one again later")
}

// Statuses returns a snapshot of all capability availabilities, for the
// visible status indicator.
func (r *Registry) Statuses() map[policy.CapabilityID]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[policy.CapabilityID]bool, len(r.available))
	for id, up := range r.available {
		out[id] = up
	}
	return out
}
