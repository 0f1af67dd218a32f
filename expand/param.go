// Package expand turns polymorphic compute requests into concrete point
// lists: parameter expansion, axis descriptors, canonical fingerprints,
// and the admission cost estimate.
package expand

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ParamKind tags the four accepted shapes of a parameter value.
type ParamKind int

const (
	KindScalar ParamKind = iota
	KindList
	KindRangeStep
	KindRangePoints
)

// ParamValue is a tagged variant: a scalar, an explicit list, an
// arithmetic range {min,max,step}, or a point-count range
// {min,max,points}. The JSON form is polymorphic; UnmarshalJSON
// discriminates on shape.
type ParamValue struct {
	Kind   ParamKind
	Value  float64   // KindScalar
	Values []float64 // KindList
	Min    float64   // ranges
	Max    float64
	Step   float64 // KindRangeStep, > 0
	Points int     // KindRangePoints, >= 1
}

// Scalar is a convenience constructor for a single-valued parameter.
func Scalar(v float64) *ParamValue {
	return &ParamValue{Kind: KindScalar, Value: v}
}

type rangeJSON struct {
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Step   *float64 `json:"step"`
	Points *int     `json:"points"`
}

// UnmarshalJSON accepts a number, an array of numbers, or a range object
// carrying min/max plus exactly one of step or points.
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*p = ParamValue{Kind: KindScalar, Value: scalar}
		return nil
	}
	var list []float64
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return fmt.Errorf("list parameter must not be empty")
		}
		*p = ParamValue{Kind: KindList, Values: list}
		return nil
	}
	var r rangeJSON
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parameter must be a number, an array, or a range object: %w", err)
	}
	if r.Min == nil || r.Max == nil {
		return fmt.Errorf("range parameter requires min and max")
	}
	switch {
	case r.Step != nil && r.Points != nil:
		return fmt.Errorf("range parameter must carry step or points, not both")
	case r.Step != nil:
		*p = ParamValue{Kind: KindRangeStep, Min: *r.Min, Max: *r.Max, Step: *r.Step}
	case r.Points != nil:
		*p = ParamValue{Kind: KindRangePoints, Min: *r.Min, Max: *r.Max, Points: *r.Points}
	default:
		return fmt.Errorf("range parameter requires step or points")
	}
	return nil
}

// MarshalJSON emits the same polymorphic shapes UnmarshalJSON accepts.
func (p ParamValue) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindScalar:
		return json.Marshal(p.Value)
	case KindList:
		return json.Marshal(p.Values)
	case KindRangeStep:
		return json.Marshal(map[string]float64{"min": p.Min, "max": p.Max, "step": p.Step})
	case KindRangePoints:
		return json.Marshal(map[string]any{"min": p.Min, "max": p.Max, "points": p.Points})
	default:
		return nil, fmt.Errorf("unknown ParamValue kind %d", p.Kind)
	}
}

// validate checks the variant's structural invariants: min <= max,
// step > 0, points >= 1.
func (p *ParamValue) validate() error {
	switch p.Kind {
	case KindScalar:
		return nil
	case KindList:
		if len(p.Values) == 0 {
			return fmt.Errorf("list must not be empty")
		}
		return nil
	case KindRangeStep:
		if p.Min > p.Max {
			return fmt.Errorf("range min %g exceeds max %g", p.Min, p.Max)
		}
		if !(p.Step > 0) {
			return fmt.Errorf("range step must be > 0, got %g", p.Step)
		}
		return nil
	case KindRangePoints:
		if p.Min > p.Max {
			return fmt.Errorf("range min %g exceeds max %g", p.Min, p.Max)
		}
		if p.Points < 1 {
			return fmt.Errorf("range points must be >= 1, got %d", p.Points)
		}
		return nil
	default:
		return fmt.Errorf("unknown parameter kind %d", p.Kind)
	}
}

// Count returns the number of values expansion will produce, without
// materialising them. Used by the max-points precheck and the cost
// estimate.
func (p *ParamValue) Count() (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	switch p.Kind {
	case KindScalar:
		return 1, nil
	case KindList:
		return len(p.Values), nil
	case KindRangeStep:
		// floor((max-min)/step)+1, with an epsilon guard so that an
		// exactly divisible span is not truncated by float rounding.
		return int(math.Floor((p.Max-p.Min)/p.Step+1e-9)) + 1, nil
	default:
		return p.Points, nil
	}
}

// Expand materialises the parameter's values in order. Integer-typed
// axes round half-to-even and reject RangeStep with a non-integer step.
func (p *ParamValue) Expand(integer bool) ([]float64, error) {
	n, err := p.Count()
	if err != nil {
		return nil, err
	}
	var out []float64
	switch p.Kind {
	case KindScalar:
		out = []float64{p.Value}
	case KindList:
		out = append(out, p.Values...)
	case KindRangeStep:
		if integer && p.Step != math.Trunc(p.Step) {
			return nil, fmt.Errorf("integer axis requires integer step, got %g", p.Step)
		}
		out = make([]float64, n)
		for i := range out {
			out[i] = p.Min + float64(i)*p.Step
		}
	case KindRangePoints:
		out = make([]float64, n)
		if n == 1 {
			out[0] = p.Min
		} else {
			floats.Span(out, p.Min, p.Max)
		}
	}
	if integer {
		for i, v := range out {
			out[i] = math.RoundToEven(v)
		}
	}
	return out, nil
}
