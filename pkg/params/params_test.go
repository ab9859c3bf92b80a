package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCode = `length = 100
width = 80
wall_thickness = 3
result = cq.Workplane("XY").box(length, width, wall_thickness)`

func TestExtract_FindsLeadingNumericAssignments(t *testing.T) {
	ps := Extract(sampleCode)
	require.Len(t, ps, 3)
	assert.Equal(t, "length", ps[0].Name)
	assert.InDelta(t, 100.0, ps[0].Value, 0.001)
	assert.Equal(t, 1, ps[0].LineNumber)
	assert.Equal(t, "wall_thickness", ps[2].Name)
	assert.InDelta(t, 3.0, ps[2].Value, 0.001)
}

func TestExtract_SkipsKnownNonDimensionNames(t *testing.T) {
	code := "count = 5\nlength = 10\nresult = cq.Workplane()"
	ps := Extract(code)
	require.Len(t, ps, 1)
	assert.Equal(t, "length", ps[0].Name)
}

func TestExtract_HaltsAtFirstNonAssignment(t *testing.T) {
	code := "length = 10\nresult = some_call()\nwidth = 20"
	ps := Extract(code)
	require.Len(t, ps, 1)
	assert.Equal(t, "length", ps[0].Name)
}

func TestExtract_PermitsImportsAndDocstrings(t *testing.T) {
	code := "import cadquery as cq\n\"\"\"a docstring\"\"\"\nlength = 10\nresult = cq.Workplane()"
	ps := Extract(code)
	require.Len(t, ps, 1)
	assert.Equal(t, "length", ps[0].Name)
}

func TestInject_RewritesOnlyNamedLiteral(t *testing.T) {
	out := Inject(sampleCode, map[string]float64{"length": 120})
	ps := Extract(out)
	require.Len(t, ps, 3)
	assert.InDelta(t, 120.0, ps[0].Value, 0.001)
	assert.InDelta(t, 80.0, ps[1].Value, 0.001)
	assert.InDelta(t, 3.0, ps[2].Value, 0.001)
}

func TestInject_IntegerValuesRenderWithoutDecimalPoint(t *testing.T) {
	out := Inject(sampleCode, map[string]float64{"length": 120})
	assert.Contains(t, out, "length = 120")
	assert.NotContains(t, out, "length = 120.0")
}

func TestExtractInjectRoundTrip(t *testing.T) {
	out := Inject(sampleCode, map[string]float64{"length": 150})
	reExtracted := Extract(out)
	byName := make(map[string]float64, len(reExtracted))
	for _, p := range reExtracted {
		byName[p.Name] = p.Value
	}
	assert.InDelta(t, 150.0, byName["length"], 0.001)
	assert.InDelta(t, 80.0, byName["width"], 0.001)
	assert.InDelta(t, 3.0, byName["wall_thickness"], 0.001)
}

func TestValidate_RejectsZero(t *testing.T) {
	ok, err := Validate(map[string]float64{"length": 0})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestValidate_RejectsNegative(t *testing.T) {
	ok, err := Validate(map[string]float64{"length": -5})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	ok, err := Validate(map[string]float64{"length": 20000})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestValidate_AcceptsInRange(t *testing.T) {
	ok, err := Validate(map[string]float64{"length": 120, "width": 0.5})
	assert.True(t, ok)
	assert.NoError(t, err)
}
