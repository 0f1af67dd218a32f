// Constellation construction and validation for the compute kernel.
// All built-in constellations are normalised to unit average symbol energy
// so that the configured SNR is Es/N0 regardless of modulation order.

package kernel

import (
	"fmt"
	"math"
	"sort"
)

// ProbTolerance is the accepted deviation of a custom constellation's
// total probability mass from 1.
const ProbTolerance = 1e-6

// Symbol is one constellation point with its prior probability.
type Symbol struct {
	Re   float64
	Im   float64
	Prob float64
}

// Constellation is an ordered set of symbols with priors summing to 1.
// Real reports whether every symbol has zero imaginary part, which lets
// the kernel integrate over a single noise dimension.
type Constellation struct {
	Kind    string // "PAM", "PSK", "QAM", or "custom"
	Symbols []Symbol
	Real    bool
}

// NewPAM builds an M-ary pulse amplitude constellation with uniform priors,
// levels -(M-1), ..., (M-1) scaled to unit average energy.
func NewPAM(m int) (*Constellation, error) {
	if m < 2 {
		return nil, &ParamError{Field: "M", Reason: fmt.Sprintf("PAM order must be >= 2, got %d", m)}
	}
	// E[|x|^2] for levels 2i-1-M is (M^2-1)/3.
	scale := math.Sqrt(3.0 / float64(m*m-1))
	syms := make([]Symbol, m)
	p := 1.0 / float64(m)
	for i := 0; i < m; i++ {
		syms[i] = Symbol{Re: float64(2*i+1-m) * scale, Prob: p}
	}
	return &Constellation{Kind: "PAM", Symbols: syms, Real: true}, nil
}

// NewPSK builds an M-ary phase shift keying constellation with uniform
// priors on the unit circle.
func NewPSK(m int) (*Constellation, error) {
	if m < 2 {
		return nil, &ParamError{Field: "M", Reason: fmt.Sprintf("PSK order must be >= 2, got %d", m)}
	}
	syms := make([]Symbol, m)
	p := 1.0 / float64(m)
	for i := 0; i < m; i++ {
		phi := 2 * math.Pi * float64(i) / float64(m)
		syms[i] = Symbol{Re: math.Cos(phi), Im: math.Sin(phi), Prob: p}
	}
	real := m == 2 // BPSK degenerates to antipodal real signalling
	return &Constellation{Kind: "PSK", Symbols: syms, Real: real}, nil
}

// NewQAM builds a square M-ary quadrature amplitude constellation with
// uniform priors. M must be a perfect square of an even power of two
// (4, 16, 64, ...).
func NewQAM(m int) (*Constellation, error) {
	side := int(math.Round(math.Sqrt(float64(m))))
	if m < 4 || side*side != m || m&(m-1) != 0 {
		return nil, &ParamError{Field: "M", Reason: fmt.Sprintf("QAM order must be an even power of two >= 4, got %d", m)}
	}
	// Per-axis levels are (side)-PAM; average energy is 2(side^2-1)/3.
	scale := math.Sqrt(3.0 / (2.0 * float64(side*side-1)))
	syms := make([]Symbol, 0, m)
	p := 1.0 / float64(m)
	for i := 0; i < side; i++ {
		for q := 0; q < side; q++ {
			syms = append(syms, Symbol{
				Re:   float64(2*i+1-side) * scale,
				Im:   float64(2*q+1-side) * scale,
				Prob: p,
			})
		}
	}
	return &Constellation{Kind: "QAM", Symbols: syms}, nil
}

// NewStandard dispatches to the named built-in constellation family.
func NewStandard(kind string, m int) (*Constellation, error) {
	switch kind {
	case "PAM":
		return NewPAM(m)
	case "PSK":
		return NewPSK(m)
	case "QAM":
		return NewQAM(m)
	default:
		return nil, &ParamError{Field: "typeModulation", Reason: fmt.Sprintf("unknown modulation %q; valid kinds: [PAM, PSK, QAM]", kind)}
	}
}

// NewCustom builds a constellation from explicit symbols. Probabilities
// must sum to 1 within ProbTolerance; they are renormalised exactly on
// ingest so downstream arithmetic sees a true distribution.
func NewCustom(symbols []Symbol) (*Constellation, error) {
	if len(symbols) < 2 {
		return nil, &ParamError{Field: "constellation", Reason: fmt.Sprintf("need at least 2 points, got %d", len(symbols))}
	}
	sum := 0.0
	for i, s := range symbols {
		if s.Prob < 0 {
			return nil, &ParamError{Field: "constellation", Reason: fmt.Sprintf("point %d has negative probability %g", i, s.Prob)}
		}
		if math.IsNaN(s.Re) || math.IsNaN(s.Im) || math.IsInf(s.Re, 0) || math.IsInf(s.Im, 0) {
			return nil, &ParamError{Field: "constellation", Reason: fmt.Sprintf("point %d has non-finite coordinates", i)}
		}
		sum += s.Prob
	}
	if math.Abs(sum-1) > ProbTolerance {
		return nil, &ParamError{Field: "constellation", Reason: fmt.Sprintf("probabilities sum to %g, want 1 within %g", sum, ProbTolerance)}
	}
	real := true
	out := make([]Symbol, len(symbols))
	for i, s := range symbols {
		out[i] = Symbol{Re: s.Re, Im: s.Im, Prob: s.Prob / sum}
		if s.Im != 0 {
			real = false
		}
	}
	return &Constellation{Kind: "custom", Symbols: out, Real: real}, nil
}

// Canonical returns the symbols sorted by (Re, Im, Prob). Fingerprinting
// uses this ordering so that permuted inputs hash identically.
func (c *Constellation) Canonical() []Symbol {
	out := make([]Symbol, len(c.Symbols))
	copy(out, c.Symbols)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Re != out[j].Re {
			return out[i].Re < out[j].Re
		}
		if out[i].Im != out[j].Im {
			return out[i].Im < out[j].Im
		}
		return out[i].Prob < out[j].Prob
	})
	return out
}

// Size returns the number of constellation points.
func (c *Constellation) Size() int { return len(c.Symbols) }
