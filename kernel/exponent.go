// Gallager E0 evaluation over discrete constellations on the AWGN
// channel, plus the derived metrics.
//
// The channel model is y = sqrt(SNR)*x + z with z ~ CN(0,1) and a
// unit-energy constellation, so that
//
//	E0(rho) = -log2 sum_i p_i E_z[ ( sum_j p_j exp((|z|^2 - |z+d_ij|^2)/(1+rho)) )^rho ]
//
// with d_ij = sqrt(SNR)*(x_i - x_j). The inner expectation is evaluated
// by Gauss-Hermite quadrature: one dimension for real constellations,
// a tensor product for complex ones. Inner sums go through log-sum-exp
// to survive large SNR.

package kernel

import (
	"context"
	"fmt"
	"math"
)

// rhoTolerance is the golden-section stopping width on rho. The metric
// threshold tightens quadrature order, not the search; E0 is smooth
// enough that 1e-6 on rho is below every supported threshold.
const rhoTolerance = 1e-6

const invLn2 = 1 / math.Ln2

type evaluator struct {
	p    Point
	rule *hermiteRule
	real bool

	// dist[i][j] holds the pairwise difference terms for transmitted
	// symbol i and candidate j: the scaled differences and |d|^2.
	dr [][]float64
	di [][]float64
	dd [][]float64

	logPrior []float64
}

func newEvaluator(p Point) (*evaluator, error) {
	rule, err := gaussHermite(nodesForThreshold(p.Threshold))
	if err != nil {
		return nil, &NumericalError{Stage: "quadrature", Reason: err.Error()}
	}
	c := p.Constellation
	m := len(c.Symbols)
	amp := math.Sqrt(p.SNR)

	ev := &evaluator{
		p:        p,
		rule:     rule,
		real:     c.Real,
		dr:       make([][]float64, m),
		di:       make([][]float64, m),
		dd:       make([][]float64, m),
		logPrior: make([]float64, m),
	}
	for i := 0; i < m; i++ {
		ev.logPrior[i] = math.Log(c.Symbols[i].Prob)
		ev.dr[i] = make([]float64, m)
		ev.di[i] = make([]float64, m)
		ev.dd[i] = make([]float64, m)
		for j := 0; j < m; j++ {
			dr := amp * (c.Symbols[i].Re - c.Symbols[j].Re)
			di := amp * (c.Symbols[i].Im - c.Symbols[j].Im)
			ev.dr[i][j] = dr
			ev.di[i][j] = di
			ev.dd[i][j] = dr*dr + di*di
		}
	}
	return ev, nil
}

// checkpoint is polled between quadrature rows; it is the kernel's
// cooperative cancellation point.
func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// innerLSE returns log sum_j p_j exp(scale * (|z|^2 - |z+d_ij|^2)) for
// transmitted symbol i at noise (zr, zi), via log-sum-exp.
func (ev *evaluator) innerLSE(i int, zr, zi, scale float64) float64 {
	maxArg := math.Inf(-1)
	m := len(ev.logPrior)
	args := make([]float64, m)
	for j := 0; j < m; j++ {
		a := ev.logPrior[j] + scale*(-2*(zr*ev.dr[i][j]+zi*ev.di[i][j])-ev.dd[i][j])
		args[j] = a
		if a > maxArg {
			maxArg = a
		}
	}
	sum := 0.0
	for j := 0; j < m; j++ {
		sum += math.Exp(args[j] - maxArg)
	}
	return maxArg + math.Log(sum)
}

// e0 evaluates Gallager's E0 at the given rho (rho > -1).
func (ev *evaluator) e0(ctx context.Context, rho float64) (float64, error) {
	scale := 1 / (1 + rho)
	total := 0.0
	m := len(ev.logPrior)
	nodes, weights := ev.rule.nodes, ev.rule.weights

	for i := 0; i < m; i++ {
		if err := checkpoint(ctx); err != nil {
			return 0, err
		}
		acc := 0.0
		if ev.real {
			for a, zr := range nodes {
				acc += weights[a] * math.Exp(rho*ev.innerLSE(i, zr, 0, scale))
			}
			acc /= math.SqrtPi
		} else {
			for a, zr := range nodes {
				rowAcc := 0.0
				for b, zi := range nodes {
					rowAcc += weights[b] * math.Exp(rho*ev.innerLSE(i, zr, zi, scale))
				}
				acc += weights[a] * rowAcc
			}
			acc /= math.Pi
		}
		total += math.Exp(ev.logPrior[i]) * acc
	}

	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return 0, &NumericalError{Stage: "E0", Reason: fmt.Sprintf("integral evaluated to %g at rho=%g", total, rho)}
	}
	return -math.Log2(total), nil
}

// errorExponent maximises E0(rho) - rho*R over rho in [0,1] by
// golden-section search (E0 is concave in rho, so the objective is
// unimodal). Returns the exponent and the optimising rho.
func (ev *evaluator) errorExponent(ctx context.Context) (er, rho float64, err error) {
	objective := func(r float64) (float64, error) {
		v, err := ev.e0(ctx, r)
		if err != nil {
			return 0, err
		}
		return v - r*ev.p.Rate, nil
	}

	const phi = 0.6180339887498949 // (sqrt(5)-1)/2
	lo, hi := 0.0, 1.0
	x1 := hi - phi*(hi-lo)
	x2 := lo + phi*(hi-lo)
	f1, err := objective(x1)
	if err != nil {
		return 0, 0, err
	}
	f2, err := objective(x2)
	if err != nil {
		return 0, 0, err
	}
	for hi-lo > rhoTolerance {
		if f1 < f2 {
			lo, x1, f1 = x1, x2, f2
			x2 = lo + phi*(hi-lo)
			if f2, err = objective(x2); err != nil {
				return 0, 0, err
			}
		} else {
			hi, x2, f2 = x2, x1, f1
			x1 = hi - phi*(hi-lo)
			if f1, err = objective(x1); err != nil {
				return 0, 0, err
			}
		}
	}
	rho = (lo + hi) / 2
	best, err := objective(rho)
	if err != nil {
		return 0, 0, err
	}
	// The maximum can sit on either endpoint (rho=0 above capacity,
	// rho=1 below the critical rate).
	for _, end := range []float64{0, 1} {
		fe, err := objective(end)
		if err != nil {
			return 0, 0, err
		}
		if fe > best {
			best, rho = fe, end
		}
	}
	if best < 0 {
		best = 0
	}
	return best, rho, nil
}

// mutualInformation computes I(X;Y) in bits per channel use:
//
//	I = -sum_i p_i E_z[ log2 sum_j p_j exp(|z|^2 - |z+d_ij|^2) ]
func (ev *evaluator) mutualInformation(ctx context.Context) (float64, error) {
	total := 0.0
	m := len(ev.logPrior)
	nodes, weights := ev.rule.nodes, ev.rule.weights

	for i := 0; i < m; i++ {
		if err := checkpoint(ctx); err != nil {
			return 0, err
		}
		acc := 0.0
		if ev.real {
			for a, zr := range nodes {
				acc += weights[a] * ev.innerLSE(i, zr, 0, 1)
			}
			acc /= math.SqrtPi
		} else {
			for a, zr := range nodes {
				rowAcc := 0.0
				for b, zi := range nodes {
					rowAcc += weights[b] * ev.innerLSE(i, zr, zi, 1)
				}
				acc += weights[a] * rowAcc
			}
			acc /= math.Pi
		}
		total += math.Exp(ev.logPrior[i]) * acc * invLn2
	}

	mi := -total
	if math.IsNaN(mi) || math.IsInf(mi, 0) {
		return 0, &NumericalError{Stage: "mutual_information", Reason: fmt.Sprintf("integral evaluated to %g", mi)}
	}
	if mi < 0 {
		// Quadrature noise can push a near-zero value slightly negative.
		mi = 0
	}
	return mi, nil
}

// criticalRate computes R_crit = dE0/drho at rho=1 by central difference.
func (ev *evaluator) criticalRate(ctx context.Context) (float64, error) {
	const h = 1e-4
	hiVal, err := ev.e0(ctx, 1+h)
	if err != nil {
		return 0, err
	}
	loVal, err := ev.e0(ctx, 1-h)
	if err != nil {
		return 0, err
	}
	rc := (hiVal - loVal) / (2 * h)
	if math.IsNaN(rc) || math.IsInf(rc, 0) {
		return 0, &NumericalError{Stage: "critical_rate", Reason: fmt.Sprintf("derivative evaluated to %g", rc)}
	}
	if rc < 0 {
		rc = 0
	}
	return rc, nil
}
