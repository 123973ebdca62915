package calib

import (
	"context"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/utils"
)

// Problem is a nonlinear least squares problem over one global parameter block shared by every
// view and one small block per view. The residuals of view i depend only on the global block and
// block i, which keeps the normal equations cheap to assemble.
type Problem struct {
	Global []float64
	Views  [][]float64
	// Fixed marks global parameters the solver must leave untouched. May be nil.
	Fixed []bool
	// NumResiduals is the residual count of each view.
	NumResiduals []int
	// Residuals writes the residuals of view i into out. It must be safe to call concurrently
	// for different views and must not retain its arguments.
	Residuals func(i int, global, view, out []float64)
}

func (p *Problem) validate() error {
	if p.Residuals == nil {
		return errors.New("problem has no residual function")
	}
	if len(p.NumResiduals) != len(p.Views) {
		return errors.Errorf("problem has %d views but %d residual counts", len(p.Views), len(p.NumResiduals))
	}
	if p.Fixed != nil && len(p.Fixed) != len(p.Global) {
		return errors.Errorf("fixed mask has %d entries for %d global parameters", len(p.Fixed), len(p.Global))
	}
	if len(p.Global) == 0 && len(p.Views) == 0 {
		return errors.New("problem has no parameters")
	}
	return nil
}

func (p *Problem) numParams() int {
	n := len(p.Global)
	for _, v := range p.Views {
		n += len(v)
	}
	return n
}

func (p *Problem) numResiduals() int {
	n := 0
	for _, m := range p.NumResiduals {
		n += m
	}
	return n
}

func (p *Problem) fixed(i int) bool {
	return p.Fixed != nil && p.Fixed[i]
}

// Criteria bounds a solve. The solve has converged once a step changes the parameters by less
// than Epsilon relative to their norm, or reduces the cost by less than Epsilon of itself.
// Reaching MaxIterations is a normal stop as long as the cost went down and stayed finite.
type Criteria struct {
	MaxIterations int
	Epsilon       float64
}

// DefaultCriteria is used for pinhole calibration.
var DefaultCriteria = Criteria{MaxIterations: 100, Epsilon: 1e-8}

// FisheyeCriteria matches the usual fisheye stop criteria of 30 iterations or a 1e-6 step.
var FisheyeCriteria = Criteria{MaxIterations: 30, Epsilon: 1e-6}

// Summary describes a finished solve. Costs are sums of squared residuals.
type Summary struct {
	Iterations   int
	InitialCost  float64
	FinalCost    float64
	NumResiduals int
	// Converged is false when the solve stopped at MaxIterations.
	Converged bool
}

// RMS is the root mean squared distance of 2D residual pairs.
func (s Summary) RMS() float64 {
	if s.NumResiduals == 0 {
		return 0
	}
	return math.Sqrt(s.FinalCost / float64(s.NumResiduals/2))
}

// Solver minimizes a Problem in place, leaving the best parameters found in Global and Views.
type Solver interface {
	Solve(ctx context.Context, p *Problem, criteria Criteria) (Summary, error)
}

// ParseSolver returns the solver a job names: "lm", the default, or "newton".
func ParseSolver(name string) (Solver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lm":
		return LMSolver{}, nil
	case "newton":
		return NewtonSolver{}, nil
	}
	return nil, errors.Errorf("unknown solver %q, want lm or newton", name)
}

// LMSolver is a Levenberg-Marquardt solver with central difference Jacobians and Cholesky
// factorized normal equations.
type LMSolver struct{}

const (
	initialLambda = 1e-3
	maxLambda     = 1e16
	minLambda     = 1e-15
	perfectCost   = 1e-30
)

// Solve implements Solver.
func (LMSolver) Solve(ctx context.Context, p *Problem, criteria Criteria) (Summary, error) {
	if err := p.validate(); err != nil {
		return Summary{}, err
	}
	if criteria.MaxIterations <= 0 {
		criteria = DefaultCriteria
	}
	summary := Summary{NumResiduals: p.numResiduals()}

	x := p.pack()
	cost := p.cost(x)
	summary.InitialCost = cost
	summary.FinalCost = cost
	if !finite(cost) {
		return summary, errors.Wrap(ErrNotConverged, "initial cost is not finite")
	}

	n := p.numParams()
	lambda := initialLambda
	candidate := make([]float64, n)
	for summary.Iterations < criteria.MaxIterations && !summary.Converged {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if cost <= perfectCost {
			summary.Converged = true
			break
		}
		summary.Iterations++

		jtj, grad, err := p.normalEquations(ctx, x)
		if err != nil {
			return summary, err
		}

		for {
			if lambda > maxLambda {
				// No step lowers the cost: this is a minimum to machine precision.
				summary.Converged = true
				break
			}
			delta, ok := dampedStep(jtj, grad, n, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			for i := range x {
				candidate[i] = x[i] + delta[i]
			}
			newCost := p.cost(candidate)
			if !finite(newCost) || newCost >= cost {
				lambda *= 10
				continue
			}

			stepNorm, paramNorm := norm(delta), norm(x)
			reduction := cost - newCost
			copy(x, candidate)
			cost = newCost
			lambda = math.Max(lambda/10, minLambda)
			if stepNorm <= criteria.Epsilon*(paramNorm+criteria.Epsilon) ||
				reduction <= criteria.Epsilon*cost {
				summary.Converged = true
			}
			break
		}
	}

	p.unpack(x)
	summary.FinalCost = cost
	if !summary.Converged && !(finite(cost) && cost < summary.InitialCost) {
		return summary, errors.Wrapf(ErrNotConverged, "cost %g did not decrease in %d iterations", cost, summary.Iterations)
	}
	return summary, nil
}

func (p *Problem) pack() []float64 {
	x := make([]float64, 0, p.numParams())
	x = append(x, p.Global...)
	for _, v := range p.Views {
		x = append(x, v...)
	}
	return x
}

func (p *Problem) unpack(x []float64) {
	off := copy(p.Global, x)
	for _, v := range p.Views {
		off += copy(v, x[off:])
	}
}

// split returns the global block and the per view blocks of x, sharing its storage.
func (p *Problem) split(x []float64) ([]float64, [][]float64) {
	g := len(p.Global)
	views := make([][]float64, len(p.Views))
	off := g
	for i, v := range p.Views {
		views[i] = x[off : off+len(v)]
		off += len(v)
	}
	return x[:g], views
}

func (p *Problem) cost(x []float64) float64 {
	global, views := p.split(x)
	total := 0.0
	for i := range p.Views {
		out := make([]float64, p.NumResiduals[i])
		p.Residuals(i, global, views[i], out)
		for _, r := range out {
			total += r * r
		}
	}
	return total
}

// viewJacobian holds the residuals of one view and their derivatives, row major.
type viewJacobian struct {
	residuals []float64
	global    []float64 // m x len(Global)
	local     []float64 // m x len(view)
}

func step(v float64) float64 {
	return 1e-6 * math.Max(math.Abs(v), 1)
}

func (p *Problem) viewJacobian(i int, global, view []float64) viewJacobian {
	m := p.NumResiduals[i]
	g, v := len(global), len(view)
	jac := viewJacobian{
		residuals: make([]float64, m),
		global:    make([]float64, m*g),
		local:     make([]float64, m*v),
	}
	p.Residuals(i, global, view, jac.residuals)

	plus := make([]float64, m)
	minus := make([]float64, m)
	gc := append([]float64(nil), global...)
	for c := 0; c < g; c++ {
		if p.fixed(c) {
			continue
		}
		h := step(gc[c])
		orig := gc[c]
		gc[c] = orig + h
		p.Residuals(i, gc, view, plus)
		gc[c] = orig - h
		p.Residuals(i, gc, view, minus)
		gc[c] = orig
		for r := 0; r < m; r++ {
			jac.global[r*g+c] = (plus[r] - minus[r]) / (2 * h)
		}
	}
	vc := append([]float64(nil), view...)
	for c := 0; c < v; c++ {
		h := step(vc[c])
		orig := vc[c]
		vc[c] = orig + h
		p.Residuals(i, global, vc, plus)
		vc[c] = orig - h
		p.Residuals(i, global, vc, minus)
		vc[c] = orig
		for r := 0; r < m; r++ {
			jac.local[r*v+c] = (plus[r] - minus[r]) / (2 * h)
		}
	}
	return jac
}

// normalEquations assembles JᵀJ (upper triangle, row major) and Jᵀr at x. Views are
// differentiated in parallel and folded in view order so results do not depend on scheduling.
func (p *Problem) normalEquations(ctx context.Context, x []float64) ([]float64, []float64, error) {
	global, views := p.split(x)
	jacs := make([]viewJacobian, len(p.Views))
	err := utils.GroupWorkParallel(ctx, len(p.Views), func(_, _, _, _ int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(_, i int) {
			jacs[i] = p.viewJacobian(i, global, views[i])
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	n := len(x)
	g := len(global)
	jtj := make([]float64, n*n)
	grad := make([]float64, n)
	off := g
	for i, jac := range jacs {
		m := p.NumResiduals[i]
		v := len(views[i])
		for r := 0; r < m; r++ {
			res := jac.residuals[r]
			jg := jac.global[r*g : (r+1)*g]
			jv := jac.local[r*v : (r+1)*v]
			for a := 0; a < g; a++ {
				if jg[a] == 0 {
					continue
				}
				grad[a] += jg[a] * res
				for b := a; b < g; b++ {
					jtj[a*n+b] += jg[a] * jg[b]
				}
				for b := 0; b < v; b++ {
					jtj[a*n+off+b] += jg[a] * jv[b]
				}
			}
			for a := 0; a < v; a++ {
				grad[off+a] += jv[a] * res
				for b := a; b < v; b++ {
					jtj[(off+a)*n+off+b] += jv[a] * jv[b]
				}
			}
		}
		off += v
	}
	for a := 0; a < g; a++ {
		if p.fixed(a) {
			for b := a; b < n; b++ {
				jtj[a*n+b] = 0
			}
			jtj[a*n+a] = 1
			grad[a] = 0
		}
	}
	return jtj, grad, nil
}

// dampedStep solves (JᵀJ + λ diag(JᵀJ)) δ = -Jᵀr.
func dampedStep(jtj, grad []float64, n int, lambda float64) ([]float64, bool) {
	damped := make([]float64, len(jtj))
	copy(damped, jtj)
	for i := 0; i < n; i++ {
		d := jtj[i*n+i]
		if d <= 0 {
			d = 1
		}
		damped[i*n+i] += lambda * d
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(n, damped)); !ok {
		return nil, false
	}
	neg := make([]float64, n)
	for i, v := range grad {
		neg[i] = -v
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, mat.NewVecDense(n, neg)); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = delta.AtVec(i)
		if !finite(out[i]) {
			return nil, false
		}
	}
	return out, true
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
