// Gauss-Hermite quadrature rules for Gaussian-noise expectations.
//
// Nodes and weights come from the Golub-Welsch eigendecomposition of the
// Hermite Jacobi matrix: eigenvalues are the nodes, and each weight is
// sqrt(pi) times the squared first component of the corresponding
// eigenvector. The rule integrates exactly against exp(-t^2), so an
// expectation over N(0, 1/2) is (1/sqrt(pi)) * sum(w_a * f(t_a)).

package kernel

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

type hermiteRule struct {
	nodes   []float64
	weights []float64
}

var (
	ruleMu    sync.Mutex
	ruleCache = map[int]*hermiteRule{}
)

// gaussHermite returns the n-point Gauss-Hermite rule, computing and
// caching it on first use.
func gaussHermite(n int) (*hermiteRule, error) {
	if n < 2 {
		return nil, fmt.Errorf("quadrature order must be >= 2, got %d", n)
	}
	ruleMu.Lock()
	defer ruleMu.Unlock()
	if r, ok := ruleCache[n]; ok {
		return r, nil
	}

	// Jacobi matrix for Hermite polynomials: zero diagonal,
	// off-diagonal b_k = sqrt(k/2).
	jacobi := mat.NewSymDense(n, nil)
	for k := 1; k < n; k++ {
		jacobi.SetSym(k-1, k, math.Sqrt(float64(k)/2))
	}

	var eig mat.EigenSym
	if !eig.Factorize(jacobi, true) {
		return nil, fmt.Errorf("hermite jacobi eigendecomposition failed for n=%d", n)
	}
	nodes := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	r := &hermiteRule{
		nodes:   nodes,
		weights: make([]float64, n),
	}
	for a := 0; a < n; a++ {
		v0 := vecs.At(0, a)
		r.weights[a] = math.SqrtPi * v0 * v0
	}
	ruleCache[n] = r
	return r, nil
}

// nodesForThreshold maps the requested precision to a quadrature order.
// Tighter thresholds buy more nodes; the cost of one kernel call grows
// linearly (real constellations) or quadratically (complex) with the
// order.
func nodesForThreshold(threshold float64) int {
	switch {
	case threshold <= 1e-9:
		return 32
	case threshold <= 1e-6:
		return 24
	default:
		return 16
	}
}
