package factors

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOLS_RecoversKnownLine(t *testing.T) {
	// y = 0.5 + 2x exactly
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 0.5 + 2*v
	}

	res, err := OLS(y, x)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Beta, 1e-9)
	assert.InDelta(t, 0.5, res.Alpha, 1e-9)
	assert.InDelta(t, 1.0, res.RSquared, 1e-9)
	assert.Equal(t, 8, res.Observations)
}

func TestOLS_NoisyFitHasDiagnostics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := 90
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = rng.NormFloat64() * 0.01
		y[i] = 1.3*x[i] + rng.NormFloat64()*0.002
	}

	res, err := OLS(y, x)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, res.Beta, 0.1)
	assert.Greater(t, res.RSquared, 0.8)
	assert.Greater(t, res.StdError, 0.0)
	assert.Less(t, res.PValue, 0.01, "strongly significant slope")
}

func TestOLS_RejectsDegenerateInputs(t *testing.T) {
	_, err := OLS([]float64{1, 2}, []float64{1, 2})
	assert.Error(t, err)

	_, err = OLS([]float64{1, 2, 3}, []float64{5, 5, 5})
	assert.Error(t, err, "zero-variance regressor")

	_, err = OLS([]float64{1, 2, 3}, []float64{1, 2})
	assert.Error(t, err)
}

func TestRidge_ShrinksCollinearCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 120
	base := make([]float64, n)
	x1 := make([]float64, n)
	x2 := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		base[i] = rng.NormFloat64() * 0.01
		x1[i] = base[i] + rng.NormFloat64()*0.0005 // near-duplicates
		x2[i] = base[i] + rng.NormFloat64()*0.0005
		y[i] = base[i] + rng.NormFloat64()*0.001
	}

	small, err := Ridge(y, [][]float64{x1, x2}, 1e-8)
	require.NoError(t, err)
	large, err := Ridge(y, [][]float64{x1, x2}, 1.0)
	require.NoError(t, err)

	// Under heavy collinearity the penalized coefficients must be smaller
	// in magnitude than the near-unpenalized ones.
	normSmall := math.Abs(small[0]) + math.Abs(small[1])
	normLarge := math.Abs(large[0]) + math.Abs(large[1])
	assert.Less(t, normLarge, normSmall+1e-12)

	// The combined loading still explains y: the sum stays near 1.
	assert.InDelta(t, 1.0, small[0]+small[1], 0.2)
}

func TestRidge_InputValidation(t *testing.T) {
	_, err := Ridge([]float64{1, 2, 3}, nil, 1)
	assert.Error(t, err)

	_, err = Ridge([]float64{1, 2}, [][]float64{{1, 2}, {2, 3}}, 1)
	assert.Error(t, err, "more regressors than observations")

	_, err = Ridge([]float64{1, 2, 3}, [][]float64{{1, 2}}, 1)
	assert.Error(t, err, "length mismatch")

	_, err = Ridge([]float64{1, 2, 3}, [][]float64{{1, 2, 3}}, -1)
	assert.Error(t, err)
}

func TestClampBeta(t *testing.T) {
	assert.Equal(t, 5.0, clampBeta(8.2, 5))
	assert.Equal(t, -5.0, clampBeta(-9.9, 5))
	assert.Equal(t, 1.2, clampBeta(1.2, 5))
}

func TestTiltLabel(t *testing.T) {
	assert.Equal(t, "strong", TiltLabel(0.6))
	assert.Equal(t, "strong", TiltLabel(-0.51))
	assert.Equal(t, "moderate", TiltLabel(0.3))
	assert.Equal(t, "neutral", TiltLabel(0.2))
	assert.Equal(t, "neutral", TiltLabel(-0.05))
}

func TestDiff(t *testing.T) {
	got := diff([]float64{3, 4, 5}, []float64{1, 1, 2})
	assert.Equal(t, []float64{2, 3, 3}, got)
}
