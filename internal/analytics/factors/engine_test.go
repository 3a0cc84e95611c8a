package factors

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/returns"
)

type fakeStore struct {
	bars      map[string][]domain.MarketDataPoint
	positions []domain.Position
	defs      []domain.FactorDefinition
	betas     []domain.PositionBeta
	exposures []domain.FactorExposure
}

func (f *fakeStore) InsertBarsIfAbsent(ctx context.Context, bars []domain.MarketDataPoint) (int, error) {
	return 0, nil
}

func (f *fakeStore) Closes(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	var out []domain.MarketDataPoint
	for _, b := range f.bars[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error) {
	var best *domain.MarketDataPoint
	for i, b := range f.bars[symbol] {
		if !b.Date.After(day) && (best == nil || b.Date.After(best.Date)) {
			best = &f.bars[symbol][i]
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.Close, true, nil
}

func (f *fakeStore) CoveredDates(ctx context.Context, symbol string, start, end time.Time) (map[time.Time]bool, error) {
	return nil, nil
}

func (f *fakeStore) ActivePortfolios(ctx context.Context) ([]domain.Portfolio, error) { return nil, nil }

func (f *fakeStore) Position(ctx context.Context, id int64) (domain.Position, error) {
	return domain.Position{}, nil
}

func (f *fakeStore) OpenPositions(ctx context.Context, pid int64, asOf time.Time) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) RealizedEventsOn(ctx context.Context, pid int64, day time.Time) ([]domain.RealizedEvent, error) {
	return nil, nil
}

func (f *fakeStore) EquityChangesOn(ctx context.Context, pid int64, day time.Time) ([]domain.EquityChange, error) {
	return nil, nil
}

func (f *fakeStore) RecordClose(ctx context.Context, pos domain.Position, ev domain.RealizedEvent) error {
	return nil
}

func (f *fakeStore) ActiveFactorDefinitions(ctx context.Context) ([]domain.FactorDefinition, error) {
	return f.defs, nil
}

func (f *fakeStore) UpsertExposures(ctx context.Context, rows []domain.FactorExposure) error {
	f.exposures = append(f.exposures, rows...)
	return nil
}

func (f *fakeStore) UpsertPositionBetas(ctx context.Context, rows []domain.PositionBeta) error {
	f.betas = append(f.betas, rows...)
	return nil
}

func (f *fakeStore) PortfolioExposuresOn(ctx context.Context, pid int64, day time.Time) ([]domain.FactorExposure, error) {
	return nil, nil
}

var calcDay = time.Date(2025, time.June, 6, 0, 0, 0, 0, time.UTC)

// seedCorrelated seeds closes for the benchmark and a symbol whose log
// returns are beta times the benchmark's plus noise.
func seedCorrelated(f *fakeStore, symbol string, beta float64, days int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	axis := tradingAxis(days)

	mkt := f.bars["SPY"]
	if len(mkt) == 0 {
		price := 400.0
		for _, d := range axis {
			price *= math.Exp(rng.NormFloat64() * 0.01)
			f.bars["SPY"] = append(f.bars["SPY"], domain.MarketDataPoint{Symbol: "SPY", Date: d, Close: price})
		}
		mkt = f.bars["SPY"]
	}

	price := 100.0
	for i, d := range axis {
		var mret float64
		if i > 0 {
			mret = math.Log(mkt[i].Close / mkt[i-1].Close)
		}
		price *= math.Exp(beta*mret + rng.NormFloat64()*0.001)
		f.bars[symbol] = append(f.bars[symbol], domain.MarketDataPoint{Symbol: symbol, Date: d, Close: price})
	}
}

// tradingAxis returns the most recent `days` trading days ending at calcDay.
func tradingAxis(days int) []time.Time {
	var axis []time.Time
	d := calendar.Day(calcDay)
	for len(axis) < days {
		if calendar.IsTradingDay(d) {
			axis = append(axis, d)
		}
		d = d.AddDate(0, 0, -1)
	}
	for i, j := 0, len(axis)-1; i < j; i, j = i+1, j-1 {
		axis[i], axis[j] = axis[j], axis[i]
	}
	return axis
}

func testEngine(f *fakeStore) *Engine {
	cfg := config.Default().Analytics
	builder := returns.NewBuilder(f, cfg.MinRegressionDays, zerolog.Nop())
	return NewEngine(builder, f, f, f, cfg, zerolog.Nop())
}

func TestCompute_PrivateOnlyPortfolioSkipped(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	f.defs = []domain.FactorDefinition{{ID: 1, Name: "Market", Type: domain.FactorMarket, ProxyTicker: "SPY", Active: true}}
	f.positions = []domain.Position{{
		ID: 1, PortfolioID: 1, Symbol: "PVT-SEED", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(10), Class: domain.ClassPrivate,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, out.Status)
	assert.Equal(t, domain.QualityNoPublicPositions, out.Quality)
	assert.Empty(t, f.betas)
	assert.Empty(t, f.exposures)
}

func TestCompute_NoFactorDefinitionsIsFatal(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	_, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	assert.ErrorIs(t, err, domain.ErrNoFactorDefinitions)
}

func TestCompute_MarketBetaRecovered(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	seedCorrelated(f, "ACME", 1.5, 120, 3)
	f.defs = []domain.FactorDefinition{
		{ID: 1, Name: "Growth", Type: domain.FactorStyle, ProxyTicker: "SPY", Active: true},
	}
	f.positions = []domain.Position{{
		ID: 7, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(90), EntryDate: calcDay.AddDate(-1, 0, 0), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)

	var market *domain.PositionBeta
	for i := range f.betas {
		if f.betas[i].Method == domain.BetaMethodMarket {
			market = &f.betas[i]
		}
	}
	require.NotNil(t, market, "market beta row persisted")
	assert.InDelta(t, 1.5, market.Beta, 0.15)
	assert.Greater(t, market.RSquared, 0.9)
	assert.Equal(t, 90, market.WindowDays)
	require.NotNil(t, out.PortfolioBeta)
	assert.InDelta(t, 1.5, *out.PortfolioBeta, 0.15)

	// a portfolio-level exposure row exists alongside the position row
	var portfolioRows int
	for _, e := range f.exposures {
		if e.PositionID == nil {
			portfolioRows++
		}
	}
	assert.Greater(t, portfolioRows, 0)
}

func TestCompute_SpreadFactorPersistedAndTiltLogged(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	seedCorrelated(f, "ACME", 1.2, 260, 5)
	seedCorrelated(f, "IWF", 1.1, 260, 6)
	seedCorrelated(f, "IWD", 0.9, 260, 7)

	short := "IWD"
	f.defs = []domain.FactorDefinition{
		{ID: 1, Name: "Market", Type: domain.FactorMarket, ProxyTicker: "SPY", Active: true},
		{ID: 2, Name: "Growth-Value", Type: domain.FactorSpread, ProxyTicker: "IWF", ShortTicker: &short, Active: true},
	}
	f.positions = []domain.Position{{
		ID: 7, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(90), EntryDate: calcDay.AddDate(-2, 0, 0), Class: domain.ClassPublic,
	}}

	var buf bytes.Buffer
	cfg := config.Default().Analytics
	builder := returns.NewBuilder(f, cfg.MinRegressionDays, zerolog.Nop())
	eng := NewEngine(builder, f, f, f, cfg, zerolog.New(&buf))

	out, err := eng.Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)

	var spread *domain.FactorExposure
	for i := range f.exposures {
		if f.exposures[i].FactorID == 2 {
			spread = &f.exposures[i]
		}
	}
	require.NotNil(t, spread, "spread exposure row persisted")
	assert.Nil(t, spread.PositionID, "spread rows are portfolio-level")

	// Each spread beta is logged with its tilt strength label.
	assert.Contains(t, buf.String(), "spread factor tilt")
	assert.Contains(t, buf.String(), `"tilt"`)
}

func TestCompute_ShortHistoryYieldsInsufficientData(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	// Position has only 10 days of bars; the benchmark has none at all, so
	// nothing is regressable.
	seedShort := func(symbol string, days int) {
		axis := tradingAxis(days)
		price := 50.0
		for _, d := range axis {
			f.bars[symbol] = append(f.bars[symbol], domain.MarketDataPoint{Symbol: symbol, Date: d, Close: price})
			price += 0.2
		}
	}
	seedShort("NEWCO", 10)
	f.defs = []domain.FactorDefinition{{ID: 1, Name: "Market", Type: domain.FactorMarket, ProxyTicker: "SPY", Active: true}}
	f.positions = []domain.Position{{
		ID: 9, PortfolioID: 1, Symbol: "NEWCO", Quantity: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(50), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInsufficientData, out.Status)
	assert.Empty(t, f.betas, "no spurious beta from 10 days of history")
}
