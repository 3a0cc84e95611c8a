package volatility

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	tradingDaysPerYear = 252
	weeklyWindow       = 5
	monthlyWindow      = 21

	// minHARObs is the fewest return observations that still give the HAR
	// fit a usable sample after the monthly component and the forward
	// target consume their windows.
	minHARObs = 84
)

// RealizedVol returns the annualized standard deviation of the last
// `window` daily log returns, ok=false when the series is too short.
func RealizedVol(returns []float64, window int) (float64, bool) {
	if len(returns) < window || window < 2 {
		return 0, false
	}
	tail := returns[len(returns)-window:]
	sd := stat.StdDev(tail, nil)
	return sd * math.Sqrt(tradingDaysPerYear), true
}

// HARResult is the fitted Heterogeneous Autoregressive decomposition.
type HARResult struct {
	Daily    float64 // current daily vol component, annualized
	Weekly   float64 // 5-day component, annualized
	Monthly  float64 // 21-day component, annualized
	Forecast float64 // model's expected 21d-forward vol, annualized
	RSquared float64
}

// FitHAR fits RV_{t→t+21} ~ c + β_d·RV_d(t) + β_w·RV_w(t) + β_m·RV_m(t) on
// rolling realized-variance components and applies the fit to the latest
// observation. ok=false when history is too short for a meaningful fit.
func FitHAR(returns []float64) (HARResult, bool) {
	n := len(returns)
	if n < minHARObs {
		return HARResult{}, false
	}

	sq := make([]float64, n)
	for i, r := range returns {
		sq[i] = r * r
	}

	// Rows: every t with a full monthly lookback and a full 21d forward
	// target window.
	first := monthlyWindow - 1
	last := n - monthlyWindow - 1
	rows := last - first + 1
	if rows < 10 {
		return HARResult{}, false
	}

	X := mat.NewDense(rows, 4, nil)
	y := make([]float64, rows)
	for i := 0; i < rows; i++ {
		t := first + i
		X.Set(i, 0, 1)
		X.Set(i, 1, sq[t])
		X.Set(i, 2, meanOf(sq[t-weeklyWindow+1:t+1]))
		X.Set(i, 3, meanOf(sq[t-monthlyWindow+1:t+1]))
		y[i] = meanOf(sq[t+1 : t+1+monthlyWindow])
	}

	var coef mat.VecDense
	if err := coef.SolveVec(X, mat.NewVecDense(rows, y)); err != nil {
		return HARResult{}, false
	}

	// R² of the fit, persisted as the model-quality indicator.
	var fitted mat.VecDense
	fitted.MulVec(X, &coef)
	ybar := meanOf(y)
	var ssTot, ssRes float64
	for i := 0; i < rows; i++ {
		d := y[i] - ybar
		ssTot += d * d
		e := y[i] - fitted.AtVec(i)
		ssRes += e * e
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	t := n - 1
	dailyVar := sq[t]
	weeklyVar := meanOf(sq[t-weeklyWindow+1 : t+1])
	monthlyVar := meanOf(sq[t-monthlyWindow+1 : t+1])

	forecastVar := coef.AtVec(0) + coef.AtVec(1)*dailyVar + coef.AtVec(2)*weeklyVar + coef.AtVec(3)*monthlyVar
	if forecastVar < 0 {
		forecastVar = 0
	}

	annualize := func(v float64) float64 { return math.Sqrt(v * tradingDaysPerYear) }
	return HARResult{
		Daily:    annualize(dailyVar),
		Weekly:   annualize(weeklyVar),
		Monthly:  annualize(monthlyVar),
		Forecast: annualize(forecastVar),
		RSquared: r2,
	}, true
}

// rollingVolSeries is the 21d realized vol at each day that has a full
// window, annualized.
func rollingVolSeries(returns []float64) []float64 {
	if len(returns) < monthlyWindow {
		return nil
	}
	out := make([]float64, 0, len(returns)-monthlyWindow+1)
	for i := monthlyWindow; i <= len(returns); i++ {
		sd := stat.StdDev(returns[i-monthlyWindow:i], nil)
		out = append(out, sd*math.Sqrt(tradingDaysPerYear))
	}
	return out
}

// Percentile ranks the current 21d vol against its trailing one-year
// distribution on [0, 100]. ok=false without roughly a year of history.
func Percentile(returns []float64) (float64, bool) {
	series := rollingVolSeries(returns)
	if len(series) < tradingDaysPerYear {
		return 0, false
	}
	series = series[len(series)-tradingDaysPerYear:]
	current := series[len(series)-1]
	below := 0
	for _, v := range series {
		if v <= current {
			below++
		}
	}
	return 100 * float64(below) / float64(len(series)), true
}

// trendLookback is how many recent rolling-vol readings the trend slope is
// fitted over.
const trendLookback = 10

// Trend classifies the direction of recent realized vol and scores its
// strength on [0,1] from the fitted slope relative to the vol level.
// ok=false when there are not enough rolling readings.
func Trend(returns []float64) (direction string, strength float64, ok bool) {
	series := rollingVolSeries(returns)
	if len(series) < trendLookback {
		return "", 0, false
	}
	tail := series[len(series)-trendLookback:]

	xs := make([]float64, trendLookback)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, tail, nil, false)

	level := meanOf(tail)
	if level <= 0 {
		return "stable", 0, true
	}

	// Relative daily drift of the vol level over the lookback.
	rel := slope * float64(trendLookback) / level
	strength = math.Min(1, math.Abs(rel)*2)

	switch {
	case rel > 0.05:
		return "increasing", strength, true
	case rel < -0.05:
		return "decreasing", strength, true
	default:
		return "stable", strength, true
	}
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
