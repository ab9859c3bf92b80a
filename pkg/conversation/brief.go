package conversation

import (
	"fmt"
	"strings"
)

const defaultMaterial = "PLA"

// buildDesignBrief concatenates the non-empty fields of req in a
// stable order, matching the field order the Designing handler uses
// to hand a comprehensive brief to the Agent Pipeline.
func buildDesignBrief(req Requirements) string {
	var parts []string

	if req.Description != "" {
		parts = append(parts, req.Description)
	}
	if req.Purpose != "" {
		parts = append(parts, "Purpose: "+req.Purpose)
	}
	if req.Dimensions.Specified {
		parts = append(parts, fmt.Sprintf("Dimensions: %.1fmm x %.1fmm x %.1fmm (L x W x H)",
			req.Dimensions.LengthMM, req.Dimensions.WidthMM, req.Dimensions.HeightMM))
	}
	if req.Physical.WallThicknessMM > 0 {
		parts = append(parts, fmt.Sprintf("Wall thickness: %.1fmm", req.Physical.WallThicknessMM))
	}
	if len(req.Features) > 0 {
		parts = append(parts, "Features: "+strings.Join(req.Features, ", "))
	}
	if req.Aesthetics.Style != "" {
		parts = append(parts, "Style: "+req.Aesthetics.Style)
	}
	if req.Physical.Material != "" && req.Physical.Material != defaultMaterial {
		parts = append(parts, "Material: "+req.Physical.Material)
	}
	if req.Physical.ExpectedLoadKG > 0 {
		parts = append(parts, fmt.Sprintf("Expected load: %.1fkg", req.Physical.ExpectedLoadKG))
	}
	if len(req.Assembly.MatingParts) > 0 {
		parts = append(parts, "Assembly siblings: "+strings.Join(req.Assembly.MatingParts, ", "))
	}

	return strings.Join(parts, "\n")
}
