// Package kernel evaluates reliability metrics of coded modulation over
// the AWGN channel: Gallager's E0 function, the random-coding error
// exponent and its optimising rho, an error-probability bound, mutual
// information, cutoff rate, and critical rate.
//
// Compute is pure and deterministic for identical inputs and is safe for
// concurrent use. Long evaluations poll the context between quadrature
// rows so a cancelled caller stops paying for abandoned work.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Metric names one computable quantity.
type Metric string

const (
	MetricErrorProbability  Metric = "error_probability"
	MetricErrorExponent     Metric = "error_exponent"
	MetricOptimalRho        Metric = "optimal_rho"
	MetricMutualInformation Metric = "mutual_information"
	MetricCutoffRate        Metric = "cutoff_rate"
	MetricCriticalRate      Metric = "critical_rate"
)

// AllMetrics lists every supported metric in canonical order.
var AllMetrics = []Metric{
	MetricErrorProbability,
	MetricErrorExponent,
	MetricOptimalRho,
	MetricMutualInformation,
	MetricCutoffRate,
	MetricCriticalRate,
}

// IsValidMetric reports whether name is a supported metric.
func IsValidMetric(name string) bool {
	for _, m := range AllMetrics {
		if string(m) == name {
			return true
		}
	}
	return false
}

// Point is one fully concrete compute input.
type Point struct {
	Constellation *Constellation
	SNR           float64 // linear Es/N0, >= 0 (0 is the degenerate zero-information channel)
	Rate          float64 // code rate R in bits per channel use, >= 0
	CodeLength    int     // n, channel uses per block, >= 1
	Blocks        int     // N, independent blocks, >= 1
	Threshold     float64 // requested precision, in (0, 0.1]
	Metrics       []Metric
}

// Metrics maps metric names to values. A metric that failed numerically
// is absent from the map.
type Metrics map[Metric]float64

// MaxLinearSNR bounds the accepted linear SNR; beyond it the quadrature
// exponents overflow float64.
const MaxLinearSNR = 1e6

// Compute evaluates the requested metrics for one point.
//
// Per-metric numerical failures do not abort the call: the failed metric
// is simply absent from the returned map, and the first such failure is
// returned as a *NumericalError alongside the partial result. A context
// cancellation or deadline aborts the whole call.
func Compute(ctx context.Context, p Point) (Metrics, error) {
	if err := validatePoint(p); err != nil {
		return nil, err
	}
	ev, err := newEvaluator(p)
	if err != nil {
		return nil, err
	}

	out := make(Metrics, len(p.Metrics))
	var firstNumErr *NumericalError

	record := func(m Metric, v float64, err error) error {
		if err != nil {
			var numErr *NumericalError
			if errors.As(err, &numErr) {
				if firstNumErr == nil {
					firstNumErr = numErr
				}
				return nil
			}
			return err
		}
		out[m] = v
		return nil
	}

	need := func(m Metric) bool {
		for _, want := range p.Metrics {
			if want == m {
				return true
			}
		}
		return false
	}

	// The exponent, optimal rho, and error probability share one
	// golden-section search; run it once if any of the three is asked for.
	if need(MetricErrorExponent) || need(MetricOptimalRho) || need(MetricErrorProbability) {
		er, rho, err := ev.errorExponent(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			if err = record(MetricErrorExponent, 0, err); err != nil {
				return nil, err
			}
		} else {
			if need(MetricErrorExponent) {
				out[MetricErrorExponent] = er
			}
			if need(MetricOptimalRho) {
				out[MetricOptimalRho] = rho
			}
			if need(MetricErrorProbability) {
				uses := float64(p.CodeLength * p.Blocks)
				pe := math.Exp2(-uses * er)
				if pe < 1e-300 {
					pe = 0
				}
				out[MetricErrorProbability] = pe
			}
		}
	}
	if need(MetricMutualInformation) {
		v, err := ev.mutualInformation(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err = record(MetricMutualInformation, v, err); err != nil {
			return nil, err
		}
	}
	if need(MetricCutoffRate) {
		v, err := ev.e0(ctx, 1)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err = record(MetricCutoffRate, v, err); err != nil {
			return nil, err
		}
	}
	if need(MetricCriticalRate) {
		v, err := ev.criticalRate(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err = record(MetricCriticalRate, v, err); err != nil {
			return nil, err
		}
	}

	if firstNumErr != nil {
		return out, firstNumErr
	}
	return out, nil
}

func validatePoint(p Point) error {
	if p.Constellation == nil || len(p.Constellation.Symbols) < 2 {
		return &ParamError{Field: "constellation", Reason: "missing or degenerate constellation"}
	}
	if !(p.SNR >= 0) {
		return &ParamError{Field: "SNR", Reason: fmt.Sprintf("linear SNR must be >= 0, got %g", p.SNR)}
	}
	if p.SNR > MaxLinearSNR {
		return &ParamError{Field: "SNR", Reason: fmt.Sprintf("linear SNR must be <= %g, got %g", MaxLinearSNR, p.SNR)}
	}
	if p.Rate < 0 {
		return &ParamError{Field: "R", Reason: fmt.Sprintf("rate must be >= 0, got %g", p.Rate)}
	}
	if p.CodeLength < 1 {
		return &ParamError{Field: "n", Reason: fmt.Sprintf("code length must be >= 1, got %d", p.CodeLength)}
	}
	if p.Blocks < 1 {
		return &ParamError{Field: "N", Reason: fmt.Sprintf("block count must be >= 1, got %d", p.Blocks)}
	}
	if !(p.Threshold > 0) || p.Threshold > 0.1 {
		return &ParamError{Field: "threshold", Reason: fmt.Sprintf("threshold must be in (0, 0.1], got %g", p.Threshold)}
	}
	if len(p.Metrics) == 0 {
		return &ParamError{Field: "metrics", Reason: "at least one metric is required"}
	}
	for _, m := range p.Metrics {
		if !IsValidMetric(string(m)) {
			return &ParamError{Field: "metrics", Reason: fmt.Sprintf("unknown metric %q", m)}
		}
	}
	return nil
}
