package conversation

// mergeRequirements layers patch onto dst, field by field: a patch
// field that is still its zero value is read as "not updated by this
// agent pass" and leaves dst's existing value untouched. Flags that
// accumulate evidence (NeedsStructuralAnalysis, HasFillets, ...) only
// ever turn on, never back off, once any pass has set them.
func mergeRequirements(dst *Requirements, patch Requirements) {
	if patch.Description != "" {
		dst.Description = patch.Description
	}
	if patch.Purpose != "" {
		dst.Purpose = patch.Purpose
	}

	if patch.Dimensions.Specified {
		dst.Dimensions.Specified = true
	}
	if patch.Dimensions.LengthMM != 0 {
		dst.Dimensions.LengthMM = patch.Dimensions.LengthMM
	}
	if patch.Dimensions.WidthMM != 0 {
		dst.Dimensions.WidthMM = patch.Dimensions.WidthMM
	}
	if patch.Dimensions.HeightMM != 0 {
		dst.Dimensions.HeightMM = patch.Dimensions.HeightMM
	}

	if patch.Physical.NeedsStructuralAnalysis {
		dst.Physical.NeedsStructuralAnalysis = true
	}
	if patch.Physical.ExpectedLoadKG != 0 {
		dst.Physical.ExpectedLoadKG = patch.Physical.ExpectedLoadKG
	}
	if patch.Physical.Material != "" {
		dst.Physical.Material = patch.Physical.Material
	}
	if patch.Physical.WallThicknessMM != 0 {
		dst.Physical.WallThicknessMM = patch.Physical.WallThicknessMM
	}

	if patch.Aesthetics.Style != "" {
		dst.Aesthetics.Style = patch.Aesthetics.Style
	}
	if patch.Aesthetics.Finish != "" {
		dst.Aesthetics.Finish = patch.Aesthetics.Finish
	}
	if patch.Aesthetics.HasFillets {
		dst.Aesthetics.HasFillets = true
	}
	if patch.Aesthetics.FilletRadiusMM != 0 {
		dst.Aesthetics.FilletRadiusMM = patch.Aesthetics.FilletRadiusMM
	}

	if len(patch.Features) > 0 {
		dst.Features = mergeUnique(dst.Features, patch.Features)
	}

	if patch.Manufacturing.PrinterType != "" {
		dst.Manufacturing.PrinterType = patch.Manufacturing.PrinterType
	}
	if patch.Manufacturing.MaxBuildVolume.X != 0 {
		dst.Manufacturing.MaxBuildVolume.X = patch.Manufacturing.MaxBuildVolume.X
	}
	if patch.Manufacturing.MaxBuildVolume.Y != 0 {
		dst.Manufacturing.MaxBuildVolume.Y = patch.Manufacturing.MaxBuildVolume.Y
	}
	if patch.Manufacturing.MaxBuildVolume.Z != 0 {
		dst.Manufacturing.MaxBuildVolume.Z = patch.Manufacturing.MaxBuildVolume.Z
	}
	if patch.Manufacturing.LayerHeightMM != 0 {
		dst.Manufacturing.LayerHeightMM = patch.Manufacturing.LayerHeightMM
	}
	if patch.Manufacturing.NeedsSupports {
		dst.Manufacturing.NeedsSupports = true
	}
	if patch.Manufacturing.OrientationPreference != "" {
		dst.Manufacturing.OrientationPreference = patch.Manufacturing.OrientationPreference
	}

	if patch.Assembly.IsPartOfAssembly {
		dst.Assembly.IsPartOfAssembly = true
	}
	if len(patch.Assembly.MatingParts) > 0 {
		dst.Assembly.MatingParts = mergeUnique(dst.Assembly.MatingParts, patch.Assembly.MatingParts)
	}
	if len(patch.Assembly.Tolerances) > 0 {
		if dst.Assembly.Tolerances == nil {
			dst.Assembly.Tolerances = make(map[string]float64, len(patch.Assembly.Tolerances))
		}
		for k, v := range patch.Assembly.Tolerances {
			dst.Assembly.Tolerances[k] = v
		}
	}

	if dst.Confidence == nil {
		dst.Confidence = make(map[string]float64, len(patch.Confidence))
	}
	for section, score := range patch.Confidence {
		dst.Confidence[section] = score
	}
}

func mergeUnique(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(additions))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range additions {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// readyToDesign reports whether every confidence-tracked section has
// reached the 0.7 threshold required to leave Gathering.
const confidenceThreshold = 0.7

func readyToDesign(req Requirements) bool {
	sections := []string{"dimensions", "purpose", "features", "manufacturing"}
	for _, s := range sections {
		if req.Confidence[s] < confidenceThreshold {
			return false
		}
	}
	return true
}
