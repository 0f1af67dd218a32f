package server

import (
	"github.com/epcalc/epcalc/expand"
)

// ResultPoint is one evaluated point on the wire. Metrics the kernel
// could not produce for this point are explicit nulls.
type ResultPoint struct {
	Params            map[string]float64  `json:"params"`
	Metrics           map[string]*float64 `json:"metrics"`
	Cached            bool                `json:"cached"`
	ComputationTimeMS int64               `json:"computation_time_ms"`
	Failure           string              `json:"failure,omitempty"`
}

// ResultMeta summarises the batch.
type ResultMeta struct {
	TotalPoints            int   `json:"total_points"`
	CachedPoints           int   `json:"cached_points"`
	TotalComputationTimeMS int64 `json:"total_computation_time_ms"`
}

// Result is the unified response of both compute endpoints. Results is
// []ResultPoint for the flat layout and [][]ResultPoint for matrix.
type Result struct {
	Format  string        `json:"format"`
	Axes    []expand.Axis `json:"axes"`
	Results any           `json:"results"`
	Meta    ResultMeta    `json:"meta"`
}

// assemble folds per-point outcomes into the response, preserving axis
// order. outcomes and flags are indexed like exp.Points, which are
// already row-major.
func assemble(exp *expand.Expansion, outcomes []pointOutcome, flags []bool) *Result {
	res := &Result{
		Format: exp.Format,
		Axes:   exp.Axes,
		Meta:   ResultMeta{TotalPoints: len(exp.Points)},
	}
	if res.Axes == nil {
		res.Axes = []expand.Axis{}
	}

	points := make([]ResultPoint, len(exp.Points))
	for i, pt := range exp.Points {
		out := outcomes[i]
		rp := ResultPoint{
			Params:            pt.Params,
			Metrics:           make(map[string]*float64, len(pt.Kernel.Metrics)),
			Cached:            flags[i],
			ComputationTimeMS: out.Millis,
			Failure:           out.Failure,
		}
		for _, m := range pt.Kernel.Metrics {
			if v, ok := out.Metrics[m]; ok {
				v := v // fresh address per metric
				rp.Metrics[string(m)] = &v
			} else {
				rp.Metrics[string(m)] = nil
			}
		}
		points[i] = rp
		if flags[i] {
			res.Meta.CachedPoints++
		}
		res.Meta.TotalComputationTimeMS += out.Millis
	}

	if exp.Format == expand.LayoutMatrix && len(exp.Shape) == 2 {
		rows, cols := exp.Shape[0], exp.Shape[1]
		matrix := make([][]ResultPoint, rows)
		for r := 0; r < rows; r++ {
			matrix[r] = points[r*cols : (r+1)*cols]
		}
		res.Results = matrix
	} else {
		res.Results = points
	}
	return res
}
