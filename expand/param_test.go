package expand

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParamValue_UnmarshalShapes verifies the polymorphic JSON forms
// map to the right variant.
func TestParamValue_UnmarshalShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ParamValue
	}{
		{name: "scalar", in: `4.5`, want: ParamValue{Kind: KindScalar, Value: 4.5}},
		{name: "list", in: `[1, 2, 3]`, want: ParamValue{Kind: KindList, Values: []float64{1, 2, 3}}},
		{name: "range step", in: `{"min":0,"max":10,"step":2}`, want: ParamValue{Kind: KindRangeStep, Min: 0, Max: 10, Step: 2}},
		{name: "range points", in: `{"min":0,"max":10,"points":11}`, want: ParamValue{Kind: KindRangePoints, Min: 0, Max: 10, Points: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ParamValue
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestParamValue_UnmarshalRejects verifies malformed shapes fail.
func TestParamValue_UnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "empty list", in: `[]`},
		{name: "missing max", in: `{"min":0,"step":1}`},
		{name: "missing min", in: `{"max":10,"points":3}`},
		{name: "both step and points", in: `{"min":0,"max":10,"step":1,"points":3}`},
		{name: "neither step nor points", in: `{"min":0,"max":10}`},
		{name: "string", in: `"five"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ParamValue
			assert.Error(t, json.Unmarshal([]byte(tt.in), &got))
		})
	}
}

// TestParamValue_Expand verifies counts, endpoints, and ordering for
// every variant.
func TestParamValue_Expand(t *testing.T) {
	tests := []struct {
		name    string
		pv      ParamValue
		integer bool
		want    []float64
	}{
		{name: "scalar", pv: ParamValue{Kind: KindScalar, Value: 3}, want: []float64{3}},
		{name: "list preserved in order", pv: ParamValue{Kind: KindList, Values: []float64{5, 1, 3}}, want: []float64{5, 1, 3}},
		{name: "range step exact span", pv: ParamValue{Kind: KindRangeStep, Min: 0, Max: 10, Step: 2}, want: []float64{0, 2, 4, 6, 8, 10}},
		{name: "range step truncated span", pv: ParamValue{Kind: KindRangeStep, Min: 0, Max: 5, Step: 2}, want: []float64{0, 2, 4}},
		{name: "range points inclusive endpoints", pv: ParamValue{Kind: KindRangePoints, Min: 0, Max: 10, Points: 11}, want: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{name: "range points single point is min", pv: ParamValue{Kind: KindRangePoints, Min: 3, Max: 9, Points: 1}, want: []float64{3}},
		{name: "range points two points", pv: ParamValue{Kind: KindRangePoints, Min: 2, Max: 8, Points: 2}, want: []float64{2, 8}},
		{name: "integer axis rounds half to even", pv: ParamValue{Kind: KindList, Values: []float64{2.5, 3.5, 4.2}}, integer: true, want: []float64{2, 4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.pv.Expand(tt.integer)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			n, err := tt.pv.Count()
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n, "Count matches Expand length")
		})
	}
}

// TestParamValue_ExpandEndpoints verifies RangePoints hits both
// endpoints exactly for non-trivial spans.
func TestParamValue_ExpandEndpoints(t *testing.T) {
	pv := ParamValue{Kind: KindRangePoints, Min: -3.7, Max: 12.9, Points: 17}
	got, err := pv.Expand(false)
	require.NoError(t, err)
	require.Len(t, got, 17)
	assert.Equal(t, -3.7, got[0])
	assert.Equal(t, 12.9, got[16])
}

// TestParamValue_ExpandErrors verifies invariant violations are
// rejected.
func TestParamValue_ExpandErrors(t *testing.T) {
	tests := []struct {
		name    string
		pv      ParamValue
		integer bool
	}{
		{name: "min above max step", pv: ParamValue{Kind: KindRangeStep, Min: 10, Max: 0, Step: 1}},
		{name: "zero step", pv: ParamValue{Kind: KindRangeStep, Min: 0, Max: 10, Step: 0}},
		{name: "negative step", pv: ParamValue{Kind: KindRangeStep, Min: 0, Max: 10, Step: -1}},
		{name: "zero points", pv: ParamValue{Kind: KindRangePoints, Min: 0, Max: 10, Points: 0}},
		{name: "min above max points", pv: ParamValue{Kind: KindRangePoints, Min: 10, Max: 0, Points: 3}},
		{name: "fractional step on integer axis", pv: ParamValue{Kind: KindRangeStep, Min: 2, Max: 8, Step: 0.5}, integer: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.pv.Expand(tt.integer)
			assert.Error(t, err)
		})
	}
}
