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
	"strings"

	"github.com/AleutianAI/AleutianCloud/services/steward/policy"
)

// FormatDiagramResponse embeds a rendered diagram path into response
// text. The hosting UI scans for a bare path line to display the image,
// so the path goes on its own line before any prose. This is a wire
// contract, not formatting taste.
//
// Outputs:
//
//	string - The path line, a blank line, then the prose.
//	error - *PolicyError (permanent) when the path is empty, which means
//	    the renderer failed without reporting it.
func FormatDiagramResponse(result *DiagramResult, prose string) (string, error) {
	if result == nil || strings.TrimSpace(result.Path) == "" {
		return "", policy.NewPolicyError(policy.ErrCodePermanent,
			"diagram renderer returned no artifact path").
			WithHint("retry the diagram request; if this persists the renderer is down")
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(result.Path))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(prose))
	return b.String(), nil
}
