// Package params treats a generated CAD script as a live, editable
// model: it extracts the leading numeric assignments that look like
// tunable dimensions, lets a caller inject new values for them, and
// validates candidate values before they are applied.
//
// Because the host language has no parser for the target scripting
// language's grammar, extraction is a line-oriented scan rather than an
// AST walk — a deliberately restrictive reading matched to a
// regex-matched-assignment-line view of the script, not a general one.
package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parameter is one tunable numeric assignment found at the top of a
// script, in millimeters.
type Parameter struct {
	Name       string
	Value      float64
	LineNumber int // 1-indexed
	Min        *float64
	Max        *float64
}

// MinAllowed and MaxAllowed bound every parameter value, per the data
// model invariant that parameter values are strictly positive and
// within a sane real-world part-size range.
const (
	MinAllowed = 0.01
	MaxAllowed = 10000.0
)

// skipNames are assignment targets that are never treated as tunable
// dimensions even though they match the numeric-literal shape — loop
// counters, solid handles, and well-known non-dimension locals.
//
//nolint:gochecknoglobals // closed, immutable rule table
var skipNames = map[string]bool{
	"result": true, "cq": true, "workplane": true, "shape": true,
	"model": true, "part": true, "i": true, "j": true, "n": true, "count": true,
}

// dimensionNameHints are substrings commonly found in dimension-shaped
// identifiers. A name matching any of these (case-insensitively) is
// treated as a candidate parameter even when it doesn't end in a
// recognized suffix.
//
//nolint:gochecknoglobals // closed, immutable rule table
var dimensionNameHints = []string{
	"length", "width", "height", "depth", "thickness", "diameter",
	"radius", "margin", "offset", "size", "gap", "spacing", "tolerance",
}

var assignmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(-?\d+(?:\.\d+)?)\s*(?:#.*)?$`)
var importPattern = regexp.MustCompile(`^\s*(import|from)\s`)
var docstringPattern = regexp.MustCompile(`^\s*("""|''')`)

// Extract scans the leading prefix of code for numeric assignment
// lines that look like tunable dimensions, halting at the first line
// that is neither an assignment, an import, nor a docstring line.
func Extract(code string) []Parameter {
	lines := strings.Split(code, "\n")
	var out []Parameter

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || importPattern.MatchString(trimmed) || docstringPattern.MatchString(trimmed) {
			continue
		}

		m := assignmentPattern.FindStringSubmatch(trimmed)
		if m == nil {
			// First non-assignment, non-import, non-docstring line ends the scan.
			break
		}

		name := m[1]
		if skipNames[strings.ToLower(name)] {
			continue
		}
		if !looksLikeDimension(name) {
			continue
		}

		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}

		out = append(out, Parameter{
			Name:       name,
			Value:      value,
			LineNumber: i + 1,
		})
	}

	return out
}

func looksLikeDimension(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range dimensionNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Inject rewrites only the numeric literal of each named assignment
// line in code, preserving everything else about the line's formatting
// (comments, spacing). Integer-valued replacements render without a
// decimal point, matching the common case of whole-millimeter
// dimensions.
func Inject(code string, newValues map[string]float64) string {
	if len(newValues) == 0 {
		return code
	}

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		m := assignmentPattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		name := m[1]
		newValue, ok := newValues[name]
		if !ok {
			continue
		}
		lines[i] = rewriteAssignmentLine(line, m[2], newValue)
	}

	return strings.Join(lines, "\n")
}

func rewriteAssignmentLine(line, oldLiteral string, newValue float64) string {
	rendered := formatValue(newValue)
	idx := strings.Index(line, oldLiteral)
	if idx == -1 {
		return line
	}
	return line[:idx] + rendered + line[idx+len(oldLiteral):]
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Validate reports whether every value in newValues falls within the
// allowed [MinAllowed, MaxAllowed] range; since MinAllowed is positive,
// this also keeps parameter values strictly positive.
func Validate(newValues map[string]float64) (bool, error) {
	for name, v := range newValues {
		if v <= 0 {
			return false, fmt.Errorf("params: %q must be strictly positive, got %v", name, v)
		}
		if v < MinAllowed || v > MaxAllowed {
			return false, fmt.Errorf("params: %q=%v out of range [%v, %v]", name, v, MinAllowed, MaxAllowed)
		}
	}
	return true, nil
}
