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
	"strings"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// mutatingOpPrefixes are operation verbs the read-only path must never
// carry, whatever the caller claims.
var mutatingOpPrefixes = []string{
	"create", "put", "delete", "terminate", "update", "modify",
	"start", "stop", "reboot", "run", "attach", "detach",
}

// GuardedInspector wraps an Inspector, resolving the explicit region and
// rejecting any operation name that is not read-only.
type GuardedInspector struct {
	Inner   Inspector
	Regions *RegionResolver
}

// Inspect resolves the region and dispatches the listing call.
//
// Inputs:
//
//	ctx - Context for the call.
//	q - The query. An empty Region is filled from userRegion, the
//	    environment, or the configured default.
//	userRegion - The region the user named this turn, or empty.
//
// Outputs:
//
//	*InspectResult - The structured listing.
//	error - *PolicyError with ErrCodeBindingViolation when the operation
//	    name is mutating; the read path never carries a write, even one
//	    that would technically succeed.
func (g *GuardedInspector) Inspect(ctx context.Context, q InspectQuery, userRegion string) (*InspectResult, error) {
	op := strings.ToLower(q.Operation)
	for _, prefix := range mutatingOpPrefixes {
		if strings.HasPrefix(op, prefix) {
			return nil, policy.NewPolicyError(policy.ErrCodeBindingViolation,
				"operation "+q.Operation+" is not read-only and cannot run on the inspection path")
		}
	}
	if q.Region == "" {
		q.Region = g.Regions.Resolve(userRegion)
	}
	return g.Inner.Inspect(ctx, q)
}
