package expand

import (
	"fmt"
	"math"

	"github.com/epcalc/epcalc/kernel"
)

// Layouts accepted in the request's format hint.
const (
	LayoutFlat   = "flat"
	LayoutMatrix = "matrix"
)

// SNR units accepted in snrUnit.
const (
	UnitDB     = "dB"
	UnitLinear = "linear"
)

// axisOrder is the canonical declared order of input axes. Requests are
// JSON objects, so declaration order is not observable; this fixed order
// makes row-major expansion and matrix indexing deterministic.
var axisOrder = []string{"SNR", "R", "M", "n", "N", "threshold"}

// integerAxes marks axes whose values round half-to-even and whose
// RangeStep steps must be whole.
var integerAxes = map[string]bool{"M": true, "n": true, "N": true}

// ConstellationPoint is one custom constellation entry on the wire.
type ConstellationPoint struct {
	Real float64 `json:"real"`
	Imag float64 `json:"imag"`
	Prob float64 `json:"prob"`
}

// Request is the wire-level compute request for both the standard and
// custom endpoints. Axis fields accept the full ParamValue polymorphism.
type Request struct {
	SNR        *ParamValue `json:"SNR,omitempty"`
	R          *ParamValue `json:"R,omitempty"`
	M          *ParamValue `json:"M,omitempty"`
	CodeLength *ParamValue `json:"n,omitempty"`
	Blocks     *ParamValue `json:"N,omitempty"`
	Threshold  *ParamValue `json:"threshold,omitempty"`

	TypeModulation string               `json:"typeModulation,omitempty"`
	SNRUnit        string               `json:"snrUnit,omitempty"`
	Constellation  []ConstellationPoint `json:"constellation,omitempty"`

	Metrics []string `json:"metrics"`
	Format  string   `json:"format,omitempty"`
}

// Custom reports whether the request carries an explicit constellation.
func (r *Request) Custom() bool { return len(r.Constellation) > 0 }

// Axis describes one non-scalar input axis in expansion order. Values
// are recorded in the unit the caller supplied (dB stays dB).
type Axis struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
	Unit   string    `json:"unit,omitempty"`
}

// Point is one fully concrete compute input together with its
// original-unit parameter assignment and content fingerprint.
type Point struct {
	Params      map[string]float64
	Kernel      kernel.Point
	Fingerprint string
}

// Expansion is the ordered point set plus axis metadata for one request.
type Expansion struct {
	Points []Point
	Axes   []Axis // non-scalar axes, canonical order
	Shape  []int  // lengths of the non-scalar axes
	Format string // resolved layout: "matrix" only for exactly two non-scalar axes
}

// InvalidError marks a request-shape or domain violation (HTTP 400).
type InvalidError struct{ Reason string }

func (e *InvalidError) Error() string { return e.Reason }

func invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// axisValue returns the request's ParamValue for the named axis, with
// defaults applied for the optional axes.
func (r *Request) axisValue(name string) *ParamValue {
	switch name {
	case "SNR":
		return r.SNR
	case "R":
		return r.R
	case "M":
		return r.M
	case "n":
		if r.CodeLength == nil {
			return Scalar(100)
		}
		return r.CodeLength
	case "N":
		if r.Blocks == nil {
			return Scalar(1)
		}
		return r.Blocks
	case "threshold":
		if r.Threshold == nil {
			return Scalar(1e-9)
		}
		return r.Threshold
	default:
		return nil
	}
}

// validateShape checks required fields and modality coherence before any
// per-value work.
func (r *Request) validateShape() error {
	if r.SNR == nil {
		return invalidf("SNR is required")
	}
	if r.R == nil {
		return invalidf("R is required")
	}
	if r.Custom() {
		if r.M != nil {
			return invalidf("M is implied by the custom constellation and must not be set")
		}
		if r.TypeModulation != "" {
			return invalidf("typeModulation must not be set with a custom constellation")
		}
	} else {
		if r.M == nil {
			return invalidf("M is required for standard modulation")
		}
		if r.TypeModulation == "" {
			return invalidf("typeModulation is required for standard modulation")
		}
	}
	switch r.SNRUnit {
	case "", UnitDB, UnitLinear:
	default:
		return invalidf("snrUnit must be %q or %q, got %q", UnitDB, UnitLinear, r.SNRUnit)
	}
	switch r.Format {
	case "", LayoutFlat, LayoutMatrix:
	default:
		return invalidf("format must be %q or %q, got %q", LayoutFlat, LayoutMatrix, r.Format)
	}
	if len(r.Metrics) == 0 {
		return invalidf("at least one metric is required")
	}
	for _, m := range r.Metrics {
		if !kernel.IsValidMetric(m) {
			return invalidf("unknown metric %q", m)
		}
	}
	return nil
}

// CountPoints returns the product of axis lengths without materialising
// any values, for the max-points precheck and the cost estimate.
func (r *Request) CountPoints() (int, error) {
	if err := r.validateShape(); err != nil {
		return 0, err
	}
	total := 1
	for _, name := range axisOrder {
		pv := r.axisValue(name)
		if pv == nil {
			continue
		}
		n, err := pv.Count()
		if err != nil {
			return 0, invalidf("axis %s: %v", name, err)
		}
		if n <= 0 {
			return 0, invalidf("axis %s expands to no values", name)
		}
		if total > math.MaxInt32/n {
			return 0, invalidf("axis product overflows")
		}
		total *= n
	}
	return total, nil
}

// snrUnit returns the effective SNR unit (dB when unspecified).
func (r *Request) snrUnit() string {
	if r.SNRUnit == "" {
		return UnitDB
	}
	return r.SNRUnit
}

// checkDomain enforces per-axis domains on an expanded value, in the
// caller's unit.
func checkDomain(name string, v float64, unit string) error {
	switch name {
	case "SNR":
		lin := v
		if unit == UnitDB {
			lin = math.Pow(10, v/10)
		} else if !(v >= 0) {
			return invalidf("linear SNR must be >= 0, got %g", v)
		}
		if lin > kernel.MaxLinearSNR {
			return invalidf("SNR %g (%s) exceeds the supported range", v, unit)
		}
	case "R":
		if v < 0 {
			return invalidf("R must be >= 0, got %g", v)
		}
	case "M":
		if v < 2 {
			return invalidf("M must be >= 2, got %g", v)
		}
	case "n":
		if v < 1 {
			return invalidf("n must be >= 1, got %g", v)
		}
	case "N":
		if v < 1 {
			return invalidf("N must be >= 1, got %g", v)
		}
	case "threshold":
		if !(v > 0) || v > 0.1 {
			return invalidf("threshold must be in (0, 0.1], got %g", v)
		}
	}
	return nil
}

// Expand materialises the request into an ordered point set and axis
// descriptors, bounded by maxPoints. Points are emitted row-major over
// the non-scalar axes in canonical order; SNR is converted to linear
// exactly once here, with the axis descriptor keeping the original unit.
func (r *Request) Expand(maxPoints int) (*Expansion, error) {
	total, err := r.CountPoints()
	if err != nil {
		return nil, err
	}
	if total > maxPoints {
		return nil, invalidf("request expands to %d points, limit is %d", total, maxPoints)
	}

	unit := r.snrUnit()
	values := make(map[string][]float64, len(axisOrder))
	var axes []Axis
	var shape []int
	for _, name := range axisOrder {
		pv := r.axisValue(name)
		if pv == nil {
			continue
		}
		vals, err := pv.Expand(integerAxes[name])
		if err != nil {
			return nil, invalidf("axis %s: %v", name, err)
		}
		for _, v := range vals {
			if err := checkDomain(name, v, unit); err != nil {
				return nil, err
			}
		}
		values[name] = vals
		if len(vals) > 1 {
			ax := Axis{Name: name, Values: vals}
			if name == "SNR" {
				ax.Unit = unit
			}
			axes = append(axes, ax)
			shape = append(shape, len(vals))
		}
	}

	format := LayoutFlat
	if r.Format == LayoutMatrix && len(axes) == 2 {
		format = LayoutMatrix
	}

	metrics := canonicalMetrics(r.Metrics)

	var custom *kernel.Constellation
	if r.Custom() {
		syms := make([]kernel.Symbol, len(r.Constellation))
		for i, cp := range r.Constellation {
			syms[i] = kernel.Symbol{Re: cp.Real, Im: cp.Imag, Prob: cp.Prob}
		}
		custom, err = kernel.NewCustom(syms)
		if err != nil {
			return nil, invalidf("%v", err)
		}
	}
	// Standard constellations are memoised across points; an M sweep
	// rebuilds each order once.
	standard := map[int]*kernel.Constellation{}

	exp := &Expansion{Axes: axes, Shape: shape, Format: format}
	exp.Points = make([]Point, 0, total)

	// Row-major nested iteration over every present axis, scalars
	// contributing a single iteration.
	names := make([]string, 0, len(axisOrder))
	for _, name := range axisOrder {
		if _, ok := values[name]; ok {
			names = append(names, name)
		}
	}
	idx := make([]int, len(names))
	for {
		params := make(map[string]float64, len(names))
		for k, name := range names {
			params[name] = values[name][idx[k]]
		}

		kp := kernel.Point{
			SNR:        params["SNR"],
			Rate:       params["R"],
			CodeLength: int(params["n"]),
			Blocks:     int(params["N"]),
			Threshold:  params["threshold"],
			Metrics:    metrics,
		}
		if unit == UnitDB {
			kp.SNR = math.Pow(10, params["SNR"]/10)
		}
		if custom != nil {
			kp.Constellation = custom
		} else {
			m := int(params["M"])
			c, ok := standard[m]
			if !ok {
				c, err = kernel.NewStandard(r.TypeModulation, m)
				if err != nil {
					return nil, invalidf("%v", err)
				}
				standard[m] = c
			}
			kp.Constellation = c
		}

		exp.Points = append(exp.Points, Point{
			Params:      params,
			Kernel:      kp,
			Fingerprint: Fingerprint(kp, format),
		})

		// Advance the row-major odometer, last axis fastest.
		k := len(names) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(values[names[k]]) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			break
		}
	}
	return exp, nil
}

// canonicalMetrics returns the requested metrics deduplicated and in
// the kernel's canonical order, so equivalent requests fingerprint
// identically.
func canonicalMetrics(names []string) []kernel.Metric {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]kernel.Metric, 0, len(names))
	for _, m := range kernel.AllMetrics {
		if want[string(m)] {
			out = append(out, m)
		}
	}
	return out
}
