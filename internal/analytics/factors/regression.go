package factors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// OLSResult carries the full single-regressor fit diagnostics persisted on
// beta rows.
type OLSResult struct {
	Beta         float64
	Alpha        float64
	RSquared     float64
	StdError     float64
	PValue       float64
	Observations int
}

// OLS regresses y on x with an intercept. The caller guarantees equal
// lengths; fewer than 3 observations is an error because the residual
// degrees of freedom vanish.
func OLS(y, x []float64) (OLSResult, error) {
	n := len(y)
	if n != len(x) {
		return OLSResult{}, fmt.Errorf("series length mismatch: %d vs %d", n, len(x))
	}
	if n < 3 {
		return OLSResult{}, fmt.Errorf("need at least 3 observations, got %d", n)
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	r2 := stat.RSquared(x, y, nil, alpha, beta)

	// Residual variance and the standard error of beta.
	var sse, sxx float64
	xbar := stat.Mean(x, nil)
	for i := range x {
		resid := y[i] - alpha - beta*x[i]
		sse += resid * resid
		dx := x[i] - xbar
		sxx += dx * dx
	}
	if sxx == 0 {
		return OLSResult{}, fmt.Errorf("regressor has zero variance")
	}

	se := math.Sqrt(sse / float64(n-2) / sxx)
	pValue := 1.0
	if se > 0 {
		tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
		pValue = 2 * tDist.Survival(math.Abs(beta/se))
	}

	return OLSResult{
		Beta:         beta,
		Alpha:        alpha,
		RSquared:     r2,
		StdError:     se,
		PValue:       pValue,
		Observations: n,
	}, nil
}

// Ridge solves the L2-regularized least squares y ~ X with penalty lambda.
// Series are demeaned in place of an intercept: daily returns center near
// zero and demeaning keeps the penalty off a constant term. The
// regularization is what keeps collinear factor proxies (growth, value,
// momentum all correlate with the market) from blowing coefficients up.
func Ridge(y []float64, xs [][]float64, lambda float64) ([]float64, error) {
	k := len(xs)
	if k == 0 {
		return nil, fmt.Errorf("no regressors")
	}
	n := len(y)
	for i, x := range xs {
		if len(x) != n {
			return nil, fmt.Errorf("regressor %d length mismatch: %d vs %d", i, len(x), n)
		}
	}
	if n <= k {
		return nil, fmt.Errorf("need more observations (%d) than regressors (%d)", n, k)
	}
	if lambda < 0 {
		return nil, fmt.Errorf("lambda must be non-negative")
	}

	yc := demean(y)
	X := mat.NewDense(n, k, nil)
	for j, x := range xs {
		X.SetCol(j, demean(x))
	}

	// Solve (XᵀX + λI) β = Xᵀy.
	var xtx mat.SymDense
	xtx.SymOuterK(1, X.T())
	for j := 0; j < k; j++ {
		xtx.SetSym(j, j, xtx.At(j, j)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), mat.NewVecDense(n, yc))

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, fmt.Errorf("ridge system not positive definite")
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, fmt.Errorf("ridge solve failed: %w", err)
	}

	out := make([]float64, k)
	for j := 0; j < k; j++ {
		out[j] = beta.AtVec(j)
	}
	return out, nil
}

func demean(x []float64) []float64 {
	m := stat.Mean(x, nil)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - m
	}
	return out
}

// clampBeta caps the effective beta magnitude; thin histories can produce
// outlier regressions and the cap keeps them from dominating aggregates.
func clampBeta(beta, cap float64) float64 {
	if beta > cap {
		return cap
	}
	if beta < -cap {
		return -cap
	}
	return beta
}

// diff returns the element-wise difference a-b, the long-short spread
// series used by spread-factor regressions.
func diff(a, b []float64) []float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] - b[i]
	}
	return out
}

// TiltLabel renders a spread beta as a human-readable tilt strength. Used
// only for display, never for control flow.
func TiltLabel(beta float64) string {
	switch abs := math.Abs(beta); {
	case abs > 0.5:
		return "strong"
	case abs > 0.2:
		return "moderate"
	default:
		return "neutral"
	}
}
