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
	"testing"
)

func TestBindingIsTotal(t *testing.T) {
	for _, class := range AllOperationClasses() {
		if _, ok := BindingFor(class); !ok {
			t.Errorf("class %v has no capability binding", class)
		}
	}
	if _, ok := BindingFor(ClassMultiTask); ok {
		t.Error("MULTI_TASK must not have a direct binding")
	}
}

func TestResolve_Bindings(t *testing.T) {
	r := NewRouter(nil)
	ctx := context.Background()

	cases := []struct {
		class   OperationClass
		want    CapabilityID
		confirm bool
	}{
		{ClassRead, CapabilityInspect, false},
		{ClassMutateDelete, CapabilityMutate, true},
		{ClassStateChangeHigh, CapabilityMutate, true},
		{ClassStateChangeLow, CapabilityMutate, true},
		{ClassCostQuery, CapabilityCost, false},
		{ClassDocQuery, CapabilityDocs, false},
		{ClassDiagramDesign, CapabilityDiagram, false},
		{ClassDiagramAnalysis, CapabilityDiagram, false},
	}
	for _, tc := range cases {
		route, err := r.Resolve(ctx, &Classification{Class: tc.class})
		if err != nil {
			t.Fatalf("Resolve(%v) failed: %v", tc.class, err)
		}
		if route.Capability != tc.want {
			t.Errorf("Resolve(%v) = %s, want %s", tc.class, route.Capability, tc.want)
		}
		if route.RequiresConfirmation != tc.confirm {
			t.Errorf("Resolve(%v) confirmation = %v, want %v", tc.class, route.RequiresConfirmation, tc.confirm)
		}
	}
}

func TestResolve_FallbackGetsDocsCompanion(t *testing.T) {
	r := NewRouter(nil)

	route, err := r.Resolve(context.Background(), &Classification{Class: ClassRead, Fallback: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Capability != CapabilityInspect {
		t.Errorf("fallback primary = %s, want %s", route.Capability, CapabilityInspect)
	}
	if route.Companion != CapabilityDocs {
		t.Errorf("fallback companion = %s, want %s", route.Companion, CapabilityDocs)
	}
}

func TestResolve_UnboundClassFails(t *testing.T) {
	r := NewRouter(nil)

	_, err := r.Resolve(context.Background(), &Classification{Class: ClassMultiTask})
	if !IsCode(err, ErrCodeBindingViolation) {
		t.Errorf("expected TOOL_BINDING_VIOLATION, got %v", err)
	}
}

func TestAssertDispatch(t *testing.T) {
	r := NewRouter(nil)
	ctx := context.Background()

	if err := r.AssertDispatch(ctx, ClassRead, CapabilityInspect); err != nil {
		t.Errorf("legal dispatch rejected: %v", err)
	}
	err := r.AssertDispatch(ctx, ClassRead, CapabilityMutate)
	if !IsCode(err, ErrCodeBindingViolation) {
		t.Errorf("cross-capability dispatch not rejected, got %v", err)
	}
	err = r.AssertDispatch(ctx, ClassMutateDelete, CapabilityInspect)
	if !IsCode(err, ErrCodeBindingViolation) {
		t.Errorf("mutation via read capability not rejected, got %v", err)
	}
}
