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
	"os"

	"github.com/AleutianAI/AleutianCloud/services/steward/config"
)

// RegionResolver resolves the explicit region every inspection call must
// carry. Precedence is user-specified, then environment, then the
// configured default. There is no implicit "current" region.
type RegionResolver struct {
	cfg *config.PolicyConfig

	// lookupEnv is swapped in tests.
	lookupEnv func(string) (string, bool)
}

// NewRegionResolver creates a resolver over the policy config.
func NewRegionResolver(cfg *config.PolicyConfig) *RegionResolver {
	return &RegionResolver{cfg: cfg, lookupEnv: os.LookupEnv}
}

// Resolve returns the effective region for a request.
//
// Inputs:
//
//	userRegion - The region the user named in this request, or empty.
//
// Outputs:
//
//	string - Never empty: user > AWS_REGION > AWS_DEFAULT_REGION >
//	    configured default.
func (r *RegionResolver) Resolve(userRegion string) string {
	if userRegion != "" {
		return userRegion
	}
	if v, ok := r.lookupEnv("AWS_REGION"); ok && v != "" {
		return v
	}
	if v, ok := r.lookupEnv("AWS_DEFAULT_REGION"); ok && v != "" {
		return v
	}
	return r.cfg.Region.Default
}
