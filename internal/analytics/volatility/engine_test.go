package volatility

import (
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
	rows      []domain.PositionVolatility
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

func (f *fakeStore) UpsertPositionVolatility(ctx context.Context, rows []domain.PositionVolatility) error {
	f.rows = append(f.rows, rows...)
	return nil
}

var calcDay = time.Date(2025, time.June, 6, 0, 0, 0, 0, time.UTC)

// tradingAxis returns the most recent `days` trading days ending at calcDay,
// ascending.
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

// seedBars seeds a random-walk close series with the given daily sigma over
// the most recent `days` trading days.
func seedBars(f *fakeStore, symbol string, days int, sigma float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	price := 100.0
	for _, d := range tradingAxis(days) {
		price *= math.Exp(rng.NormFloat64() * sigma)
		f.bars[symbol] = append(f.bars[symbol], domain.MarketDataPoint{Symbol: symbol, Date: d, Close: price})
	}
}

func testEngine(f *fakeStore) *Engine {
	cfg := config.Default().Analytics
	builder := returns.NewBuilder(f, cfg.MinRegressionDays, zerolog.Nop())
	return NewEngine(builder, f, f, f, cfg, zerolog.Nop())
}

func TestCompute_PrivateOnlyPortfolioSkipped(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	f.positions = []domain.Position{{
		ID: 1, PortfolioID: 1, Symbol: "PVT-SEED", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(10), Class: domain.ClassPrivate,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, out.Status)
	assert.Equal(t, domain.QualityNoPublicPositions, out.Quality)
	assert.Empty(t, f.rows)
}

func TestCompute_FullHistoryProducesCompleteRow(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	seedBars(f, "ACME", 310, 0.012, 21)
	f.positions = []domain.Position{{
		ID: 7, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(90), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)
	require.Len(t, f.rows, 1)

	row := f.rows[0]
	assert.Equal(t, int64(1), row.PortfolioID)
	assert.Equal(t, int64(7), row.PositionID)
	assert.Equal(t, "ACME", row.Symbol)
	assert.Equal(t, calendar.Day(calcDay), row.Date)

	require.NotNil(t, row.RealizedVol21d)
	require.NotNil(t, row.RealizedVol63d)
	// 1.2% daily ≈ 19% annualized
	assert.InDelta(t, 0.012*math.Sqrt(252), *row.RealizedVol63d, 0.06)

	require.NotNil(t, row.HARForecast, "full history supports the HAR fit")
	require.NotNil(t, row.HARRSquared)
	require.NotNil(t, row.Percentile1y)
	require.NotNil(t, row.Trend)
	require.NotNil(t, row.TrendStrength)
	assert.GreaterOrEqual(t, *row.TrendStrength, 0.0)
	assert.LessOrEqual(t, *row.TrendStrength, 1.0)

	// Single-position portfolio: portfolio vol matches the position's.
	require.NotNil(t, out.PortfolioVol21)
	require.NotNil(t, out.PortfolioVol63)
	assert.InDelta(t, *row.RealizedVol21d, *out.PortfolioVol21, 1e-9)
}

func TestCompute_ShortHistoryLeavesLongFieldsNil(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	// 40 bars: enough for the 21d window and the matrix minimum, but not
	// for the 63d window, the HAR fit, or the percentile.
	seedBars(f, "NEWCO", 40, 0.015, 22)
	f.positions = []domain.Position{{
		ID: 9, PortfolioID: 1, Symbol: "NEWCO", Quantity: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(50), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)
	require.Len(t, f.rows, 1)

	row := f.rows[0]
	assert.NotNil(t, row.RealizedVol21d)
	assert.Nil(t, row.RealizedVol63d)
	assert.Nil(t, row.HARForecast)
	assert.Nil(t, row.Percentile1y)
}

func TestCompute_TooShortHistoryIsInsufficientData(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	seedBars(f, "IPO", 10, 0.02, 23)
	f.positions = []domain.Position{{
		ID: 3, PortfolioID: 1, Symbol: "IPO", Quantity: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(20), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInsufficientData, out.Status)
	assert.Equal(t, domain.QualityLimitedHistory, out.Quality)
	assert.Empty(t, f.rows)
}

func TestCompute_GenuineZeroFirstReturnKeepsFullWindow(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	// Exactly the lookback axis, with a flat open: the first return is a
	// real 0.0 and must count as an observation, not be mistaken for the
	// builder's pre-history padding.
	seedBars(f, "ACME", LookbackDays+1, 0.012, 25)
	f.bars["ACME"][1].Close = f.bars["ACME"][0].Close
	f.positions = []domain.Position{{
		ID: 7, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(90), Class: domain.ClassPublic,
	}}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)
	require.Len(t, f.rows, 1)
	assert.Equal(t, LookbackDays, f.rows[0].Observations)
}

func TestCompute_SharedSymbolFansOutPerPosition(t *testing.T) {
	f := &fakeStore{bars: map[string][]domain.MarketDataPoint{}}
	seedBars(f, "ACME", 310, 0.01, 24)
	f.positions = []domain.Position{
		{ID: 1, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(100),
			EntryPrice: decimal.NewFromInt(90), Class: domain.ClassPublic},
		{ID: 2, PortfolioID: 1, Symbol: "ACME", Quantity: decimal.NewFromInt(50),
			EntryPrice: decimal.NewFromInt(95), Class: domain.ClassPublic},
	}

	out, err := testEngine(f).Compute(context.Background(), domain.Portfolio{ID: 1}, calcDay)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, out.Status)
	require.Len(t, f.rows, 2)
	assert.Equal(t, int64(1), f.rows[0].PositionID)
	assert.Equal(t, int64(2), f.rows[1].PositionID)
	require.NotNil(t, f.rows[0].RealizedVol21d)
	require.NotNil(t, f.rows[1].RealizedVol21d)
	assert.Equal(t, *f.rows[0].RealizedVol21d, *f.rows[1].RealizedVol21d)
}
