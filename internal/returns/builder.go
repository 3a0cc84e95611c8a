// Package returns builds aligned daily return matrices from the bar cache.
// It is the shared leaf under every regression-based engine.
package returns

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Kind selects the return definition.
type Kind int

const (
	Simple Kind = iota
	Log
)

// Matrix is an aligned set of daily return series over a shared date axis.
type Matrix struct {
	Symbols []string
	Dates   []time.Time
	// Returns is keyed by symbol; every series has len(Dates) entries.
	Returns map[string][]float64
	// Observed counts real (non-forward-filled) prices per symbol.
	Observed map[string]int
	// FirstReturn is the index of the first return backed by a real price
	// per symbol. Entries before it are alignment padding, not genuine
	// zero returns.
	FirstReturn map[string]int
	// Dropped lists symbols excluded for falling below the minimum
	// observation count, with the reason logged by the builder.
	Dropped []string
	Quality domain.DataQuality
}

// Has reports whether the matrix carries a series for the symbol.
func (m Matrix) Has(symbol string) bool {
	_, ok := m.Returns[symbol]
	return ok
}

// ObservedReturns returns the symbol's series with the leading alignment
// padding sliced off. A genuine zero return on the first observed day is
// preserved.
func (m Matrix) ObservedReturns(symbol string) ([]float64, bool) {
	series, ok := m.Returns[symbol]
	if !ok {
		return nil, false
	}
	first := m.FirstReturn[symbol]
	if first < 0 || first > len(series) {
		return nil, false
	}
	return series[first:], true
}

// Builder turns cached closes into aligned return matrices.
type Builder struct {
	repo   persistence.MarketDataRepo
	minObs int
	log    zerolog.Logger
}

// NewBuilder constructs a builder enforcing the given minimum observation
// count (MIN_REGRESSION_DAYS).
func NewBuilder(repo persistence.MarketDataRepo, minObs int, log zerolog.Logger) *Builder {
	return &Builder{
		repo:   repo,
		minObs: minObs,
		log:    log.With().Str("component", "returns").Logger(),
	}
}

// Build produces the aligned return matrix for the symbol set over the
// lookback window ending at end. Non-priceable symbols are excluded before
// any data fetch. Missing observations inside a symbol's history are
// forward-filled; symbols with fewer than minObs real observations are
// dropped and reported. An empty priceable universe yields
// QualityNoPublicPositions rather than an error.
func (b *Builder) Build(ctx context.Context, symbols []string, end time.Time, lookback int, kind Kind) (Matrix, error) {
	end = calendar.Day(end)
	days := tradingWindow(end, lookback)
	if len(days) < 2 {
		return Matrix{}, fmt.Errorf("lookback window too short: %d days", lookback)
	}

	m := Matrix{
		Dates:       days[1:], // returns start on the second price day
		Returns:     make(map[string][]float64),
		Observed:    make(map[string]int),
		FirstReturn: make(map[string]int),
		Quality:     domain.QualityFullHistory,
	}

	priceable := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if marketdata.Priceable(s, end) {
			priceable = append(priceable, s)
		}
	}
	if len(priceable) == 0 {
		m.Quality = domain.QualityNoPublicPositions
		return m, nil
	}

	filledAny := false
	for _, symbol := range priceable {
		bars, err := b.repo.Closes(ctx, symbol, days[0], end)
		if err != nil {
			return m, fmt.Errorf("closes for %s: %w", symbol, err)
		}

		closes, observed, filled, firstObs := alignCloses(bars, days)
		if observed < b.minObs {
			b.log.Warn().Str("symbol", symbol).
				Int("observations", observed).Int("min", b.minObs).
				Msg("symbol dropped from return matrix: insufficient history")
			m.Dropped = append(m.Dropped, symbol)
			continue
		}
		if filled > 0 {
			filledAny = true
		}

		m.Symbols = append(m.Symbols, symbol)
		m.Returns[symbol] = toReturns(closes, kind)
		m.Observed[symbol] = observed
		// The return at index i prices off closes[i]; the first return
		// backed by a real price sits at the first observed close.
		m.FirstReturn[symbol] = firstObs
	}

	if len(m.Symbols) == 0 {
		m.Quality = domain.QualityNoPublicPositions
	} else if len(m.Dropped) > 0 || filledAny {
		m.Quality = domain.QualityLimitedHistory
	}
	return m, nil
}

// tradingWindow returns lookback+1 trading days ending at end (the extra day
// anchors the first return). end itself is used only if it is a trading day.
func tradingWindow(end time.Time, lookback int) []time.Time {
	var days []time.Time
	d := end
	for len(days) < lookback+1 {
		if calendar.IsTradingDay(d) {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, -1)
		if end.Sub(d) > time.Duration(lookback*4+30)*24*time.Hour {
			break // runaway guard for degenerate calendars
		}
	}
	// reverse to ascending
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days
}

// alignCloses maps bars onto the trading-day axis, forward-filling interior
// gaps. Days before the symbol's first bar stay NaN and do not count as
// observations. firstObs is the axis index of the first real price, -1 when
// the symbol has no bars in the window.
func alignCloses(bars []domain.MarketDataPoint, days []time.Time) (closes []float64, observed, filled, firstObs int) {
	byDate := make(map[time.Time]float64, len(bars))
	for _, bar := range bars {
		byDate[calendar.Day(bar.Date)] = bar.Close
	}

	firstObs = -1
	closes = make([]float64, len(days))
	last := math.NaN()
	for i, d := range days {
		if c, ok := byDate[d]; ok {
			closes[i] = c
			last = c
			observed++
			if firstObs < 0 {
				firstObs = i
			}
		} else if !math.IsNaN(last) {
			closes[i] = last
			filled++
		} else {
			closes[i] = math.NaN()
		}
	}
	return closes, observed, filled, firstObs
}

// toReturns converts the close series to daily returns; NaN closes yield
// zero returns so the matrix stays rectangular.
func toReturns(closes []float64, kind Kind) []float64 {
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
			out[i-1] = 0
			continue
		}
		if kind == Log {
			out[i-1] = math.Log(cur / prev)
		} else {
			out[i-1] = cur/prev - 1
		}
	}
	return out
}
