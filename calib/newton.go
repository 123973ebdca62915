package calib

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// NewtonSolver hands a Problem to gonum's optimize.Newton with the Gauss-Newton gradient 2Jᵀr
// and Hessian 2JᵀJ. Newton regularizes the Hessian with a multiple of the identity until it
// factorizes, much like the damping of LMSolver, and adds a line search on top.
type NewtonSolver struct{}

// normalCache holds the last normal equations so that Grad and Hess at the same x share one
// Jacobian evaluation.
type normalCache struct {
	x    []float64
	jtj  []float64
	grad []float64
	err  error
}

func (c *normalCache) at(ctx context.Context, p *Problem, x []float64) ([]float64, []float64, error) {
	if c.x == nil || !floats.Equal(c.x, x) {
		c.x = append(c.x[:0], x...)
		c.jtj, c.grad, c.err = p.normalEquations(ctx, x)
	}
	return c.jtj, c.grad, c.err
}

// Solve implements Solver.
func (NewtonSolver) Solve(ctx context.Context, p *Problem, criteria Criteria) (Summary, error) {
	if err := p.validate(); err != nil {
		return Summary{}, err
	}
	if criteria.MaxIterations <= 0 {
		criteria = DefaultCriteria
	}
	x0 := p.pack()
	summary := Summary{NumResiduals: p.numResiduals(), InitialCost: p.cost(x0)}
	summary.FinalCost = summary.InitialCost
	if !finite(summary.InitialCost) {
		return summary, errors.Wrap(ErrNotConverged, "initial cost is not finite")
	}
	if summary.InitialCost <= perfectCost {
		summary.Converged = true
		return summary, nil
	}

	n := len(x0)
	var cache normalCache
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if cost := p.cost(x); finite(cost) {
				return cost
			}
			return math.Inf(1)
		},
		Grad: func(grad, x []float64) {
			_, g, err := cache.at(ctx, p, x)
			if err != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			for i, v := range g {
				grad[i] = 2 * v
			}
		},
		Hess: func(hess *mat.SymDense, x []float64) {
			jtj, _, err := cache.at(ctx, p, x)
			for a := 0; a < n; a++ {
				for b := a; b < n; b++ {
					v := 0.0
					if err == nil {
						v = 2 * jtj[a*n+b]
					} else if a == b {
						v = 1
					}
					hess.SetSym(a, b, v)
				}
			}
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			if cache.err != nil {
				return optimize.Failure, cache.err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: criteria.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   perfectCost,
			Relative:   criteria.Epsilon,
			Iterations: 2,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.Newton{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	if result == nil {
		return summary, errors.Wrap(ErrNotConverged, err.Error())
	}
	summary.Iterations = result.MajorIterations
	if !finite(result.F) || !(result.F < summary.InitialCost) {
		return summary, errors.Wrapf(ErrNotConverged, "newton ended with cost %g (%v)", result.F, result.Status)
	}
	// A line search that can no longer make progress still leaves the best location found.
	p.unpack(result.X)
	summary.FinalCost = result.F
	summary.Converged = err == nil && result.Status != optimize.IterationLimit
	return summary, nil
}
