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
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// DryRun implements every capability interface without touching a cloud
// account. The server wires it when no real backend is configured, so
// the whole policy surface (routing, gating, tiers, splitting) stays
// exercisable end to end. Every mutation reports what it would have done
// and nothing else.
type DryRun struct {
	// DiagramDir is where rendered placeholder diagrams land. Empty
	// falls back to the OS temp directory.
	DiagramDir string
}

func (d *DryRun) Inspect(ctx context.Context, q InspectQuery) (*InspectResult, error) {
	scope := q.Service
	if scope == "" {
		scope = "account"
	}
	return &InspectResult{
		Raw: fmt.Sprintf("[dry-run] %s %s in %s: no backend configured, listing is empty.",
			scope, q.Operation, q.Region),
	}, nil
}

func (d *DryRun) Create(ctx context.Context, in CreateInput) (*MutationResult, error) {
	return &MutationResult{
		Identifier: "dry-run-" + uuid.NewString()[:8],
		Status:     "DRY_RUN_CREATE",
	}, nil
}

func (d *DryRun) Update(ctx context.Context, in UpdateInput) (*MutationResult, error) {
	return &MutationResult{Identifier: in.Identifier, Status: "DRY_RUN_UPDATE"}, nil
}

func (d *DryRun) Delete(ctx context.Context, in DeleteInput) (*MutationResult, error) {
	return &MutationResult{Identifier: in.Identifier, Status: "DRY_RUN_DELETE"}, nil
}

func (d *DryRun) Analyze(ctx context.Context, q CostQuery) (*CostResult, error) {
	return &CostResult{
		Report: fmt.Sprintf("[dry-run] no billing backend configured for %s over %s.",
			q.Region, q.TimeRange),
	}, nil
}

func (d *DryRun) Search(ctx context.Context, q DocQuery) (*DocResult, error) {
	topic := strings.TrimSpace(q.Topic)
	return &DocResult{
		Entries: []string{
			fmt.Sprintf("[dry-run] no documentation index configured; searched for %q.", topic),
		},
	}, nil
}

func (d *DryRun) RenderDesign(ctx context.Context, description string) (*DiagramResult, error) {
	return d.render("design")
}

func (d *DryRun) RenderResources(ctx context.Context, resources []policy.ResourceRef) (*DiagramResult, error) {
	return d.render("resources")
}

// render writes an empty placeholder file so the diagram path contract
// still points at something real.
func (d *DryRun) render(kind string) (*DiagramResult, error) {
	dir := d.DiagramDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("steward-%s-%s.png", kind, uuid.NewString()[:8]))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, policy.NewPolicyError(policy.ErrCodePermanent,
			"diagram could not be written").WithCause(err)
	}
	return &DiagramResult{Path: path}, nil
}
