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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// =============================================================================
// Mutation Inputs
// =============================================================================

// CreateInput describes one resource creation call.
type CreateInput struct {
	// ResourceType is the CloudFormation resource type.
	ResourceType string

	// Properties holds the desired properties. Numeric-looking string
	// values stay strings; the engine owns any schema-mandated typing.
	Properties map[string]any

	// RequiredFields lists the schema-required property names for the
	// type. Validated before the engine is called.
	RequiredFields []string
}

// UpdateInput describes one resource update call.
type UpdateInput struct {
	ResourceType string
	Identifier   string
	Properties   map[string]any
}

// DeleteInput describes one resource deletion call.
type DeleteInput struct {
	ResourceType string
	Identifier   string
}

// =============================================================================
// Create Validation and Defaults
// =============================================================================

// neverDefaulted lists property roles the policy engine must always ask
// the user for. Sizing gets sensible free-tier defaults; identity,
// naming, and network addressing never do.
var neverDefaulted = []string{"name", "cidr", "credential", "password", "secret", "key"}

// sizingDefaults are safe starting values for omitted sizing fields.
var sizingDefaults = map[string]any{
	"InstanceType":     "t3.micro",
	"DBInstanceClass":  "db.t3.micro",
	"AllocatedStorage": "20",
	"MemorySize":       "128",
}

// ValidateCreate checks required schema fields before the mutation
// engine is called and fills safe sizing defaults for omitted fields.
//
// Outputs:
//
//	error - *PolicyError (permanent) listing every missing required
//	    field, or nil. Missing sizing fields are defaulted, not errors;
//	    missing names, CIDRs, or credentials are always errors.
func ValidateCreate(in *CreateInput) error {
	if in.ResourceType == "" {
		return policy.NewPolicyError(policy.ErrCodePermanent, "resource type is required for create")
	}
	if in.Properties == nil {
		in.Properties = make(map[string]any)
	}

	var missing []string
	for _, field := range in.RequiredFields {
		if _, ok := in.Properties[field]; ok {
			continue
		}
		if def, ok := sizingDefaults[field]; ok && !protectedField(field) {
			in.Properties[field] = def
			continue
		}
		missing = append(missing, field)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return policy.NewPolicyError(policy.ErrCodePermanent,
			fmt.Sprintf("missing required fields for %s: %s", in.ResourceType, strings.Join(missing, ", "))).
			WithHint("provide values for these fields; they are never defaulted")
	}
	return nil
}

// protectedField reports whether a property name falls in a role that
// must never be silently defaulted.
func protectedField(field string) bool {
	lower := strings.ToLower(field)
	for _, role := range neverDefaulted {
		if strings.Contains(lower, role) {
			return true
		}
	}
	return false
}
