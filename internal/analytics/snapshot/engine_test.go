package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
)

type fixture struct {
	positions map[string][]domain.Position     // keyed by date
	events    map[string][]domain.RealizedEvent
	flows     map[string][]domain.EquityChange
	prices    map[string]map[string]float64 // symbol -> date -> close
	snaps     map[string]domain.PortfolioSnapshot
	replaces  int
}

func key(t time.Time) string { return calendar.Day(t).Format("2006-01-02") }

func newFixture() *fixture {
	return &fixture{
		positions: map[string][]domain.Position{},
		events:    map[string][]domain.RealizedEvent{},
		flows:     map[string][]domain.EquityChange{},
		prices:    map[string]map[string]float64{},
		snaps:     map[string]domain.PortfolioSnapshot{},
	}
}

func (f *fixture) ActivePortfolios(ctx context.Context) ([]domain.Portfolio, error) { return nil, nil }

func (f *fixture) Position(ctx context.Context, id int64) (domain.Position, error) {
	return domain.Position{}, nil
}

func (f *fixture) OpenPositions(ctx context.Context, pid int64, asOf time.Time) ([]domain.Position, error) {
	return f.positions[key(asOf)], nil
}

func (f *fixture) RealizedEventsOn(ctx context.Context, pid int64, day time.Time) ([]domain.RealizedEvent, error) {
	return f.events[key(day)], nil
}

func (f *fixture) EquityChangesOn(ctx context.Context, pid int64, day time.Time) ([]domain.EquityChange, error) {
	return f.flows[key(day)], nil
}

func (f *fixture) RecordClose(ctx context.Context, pos domain.Position, ev domain.RealizedEvent) error {
	return nil
}

func (f *fixture) LatestBefore(ctx context.Context, pid int64, day time.Time) (domain.PortfolioSnapshot, bool, error) {
	var best domain.PortfolioSnapshot
	found := false
	for _, s := range f.snaps {
		if s.Date.Before(calendar.Day(day)) && (!found || s.Date.After(best.Date)) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (f *fixture) LatestOnOrBefore(ctx context.Context, pid int64, day time.Time) (domain.PortfolioSnapshot, bool, error) {
	var best domain.PortfolioSnapshot
	found := false
	for _, s := range f.snaps {
		if !s.Date.After(calendar.Day(day)) && (!found || s.Date.After(best.Date)) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (f *fixture) Replace(ctx context.Context, snap domain.PortfolioSnapshot) error {
	f.replaces++
	f.snaps[key(snap.Date)] = snap
	return nil
}

func (f *fixture) SetRiskFields(ctx context.Context, pid int64, day time.Time, v21, v63, b90 *float64) error {
	return nil
}

func (f *fixture) LatestCloseOnOrBefore(ctx context.Context, symbol string, day time.Time) (float64, bool, error) {
	series, ok := f.prices[symbol]
	if !ok {
		return 0, false, nil
	}
	for d := calendar.Day(day); ; d = d.AddDate(0, 0, -1) {
		if c, ok := series[key(d)]; ok {
			return c, true, nil
		}
		if calendar.Day(day).Sub(d) > 30*24*time.Hour {
			return 0, false, nil
		}
	}
}

var (
	day1 = time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC) // Monday
	day2 = time.Date(2025, time.June, 3, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2025, time.June, 4, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func portfolio() domain.Portfolio {
	return domain.Portfolio{ID: 1, StartingEquity: dec("100000"), Active: true}
}

// Mirrors the canonical scenario: 100 shares @ 150, price moves to 155 on
// day 2 and 40 shares are closed at 155.
func TestCompute_PartialCloseRollforward(t *testing.T) {
	f := newFixture()
	pos100 := domain.Position{ID: 10, PortfolioID: 1, Symbol: "ACME",
		Quantity: dec("100"), EntryPrice: dec("150"), EntryDate: day1, Class: domain.ClassPublic}
	pos60 := pos100
	pos60.Quantity = dec("60")

	f.positions[key(day1)] = []domain.Position{pos100}
	f.positions[key(day2)] = []domain.Position{pos60}
	f.prices["ACME"] = map[string]float64{key(day1): 150, key(day2): 155}
	f.events[key(day2)] = []domain.RealizedEvent{{
		PositionID: 10, PortfolioID: 1, TradeDate: day2,
		QuantityClosed: dec("40"), RealizedPnL: dec("200"), // 40 x (155-150)
	}}

	e := NewEngine(f, f, f, zerolog.Nop())

	res1, err := e.Compute(context.Background(), portfolio(), day1)
	require.NoError(t, err)
	assert.True(t, res1.AnchoredToStart)
	assert.True(t, res1.Snapshot.EquityBalance.Equal(dec("100000")),
		"day-1 equity %s", res1.Snapshot.EquityBalance)

	res2, err := e.Compute(context.Background(), portfolio(), day2)
	require.NoError(t, err)
	assert.False(t, res2.AnchoredToStart)
	// 100,000 + 200 realized + 300 unrealized on remaining 60 shares
	assert.True(t, res2.Snapshot.EquityBalance.Equal(dec("100500")),
		"day-2 equity %s", res2.Snapshot.EquityBalance)
	assert.True(t, res2.Snapshot.DailyRealizedPnL.Equal(dec("200")))
	assert.True(t, res2.Snapshot.DailyUnrealizedPnL.Equal(dec("300")))
}

func TestCompute_EquityRollforwardInvariant(t *testing.T) {
	f := newFixture()
	pos := domain.Position{ID: 11, PortfolioID: 1, Symbol: "ACME",
		Quantity: dec("10"), EntryPrice: dec("100"), EntryDate: day1, Class: domain.ClassPublic}
	for _, d := range []time.Time{day1, day2, day3} {
		f.positions[key(d)] = []domain.Position{pos}
	}
	f.prices["ACME"] = map[string]float64{key(day1): 100, key(day2): 104, key(day3): 101}
	f.flows[key(day3)] = []domain.EquityChange{{
		PortfolioID: 1, Type: domain.EquityContribution, Amount: dec("5000"), Date: day3,
	}}

	e := NewEngine(f, f, f, zerolog.Nop())
	var prev domain.PortfolioSnapshot
	for i, d := range []time.Time{day1, day2, day3} {
		res, err := e.Compute(context.Background(), portfolio(), d)
		require.NoError(t, err)
		if i > 0 {
			want := prev.EquityBalance.Add(res.Snapshot.DailyPnL).Add(res.Snapshot.DailyCapitalFlow)
			assert.True(t, res.Snapshot.EquityBalance.Equal(want),
				"equity[t] != equity[t-1] + pnl + flow on %s", key(d))
		}
		prev = res.Snapshot
	}
	// contribution lands in equity and cumulative flow
	assert.True(t, prev.CumulativeFlow.Equal(dec("5000")))
}

func TestCompute_IdempotentRecompute(t *testing.T) {
	f := newFixture()
	pos := domain.Position{ID: 12, PortfolioID: 1, Symbol: "ACME",
		Quantity: dec("10"), EntryPrice: dec("100"), EntryDate: day1, Class: domain.ClassPublic}
	f.positions[key(day1)] = []domain.Position{pos}
	f.positions[key(day2)] = []domain.Position{pos}
	f.prices["ACME"] = map[string]float64{key(day1): 100, key(day2): 110}

	e := NewEngine(f, f, f, zerolog.Nop())
	_, err := e.Compute(context.Background(), portfolio(), day1)
	require.NoError(t, err)

	first, err := e.Compute(context.Background(), portfolio(), day2)
	require.NoError(t, err)
	second, err := e.Compute(context.Background(), portfolio(), day2)
	require.NoError(t, err)

	assert.True(t, first.Snapshot.EquityBalance.Equal(second.Snapshot.EquityBalance))
	assert.True(t, first.Snapshot.DailyPnL.Equal(second.Snapshot.DailyPnL))
	assert.Len(t, f.snaps, 2, "recompute must replace, not accumulate")
}

func TestCompute_PrivatePositionCarriedAtCost(t *testing.T) {
	f := newFixture()
	f.positions[key(day1)] = []domain.Position{{
		ID: 13, PortfolioID: 1, Symbol: "PVT-SEED",
		Quantity: dec("1000"), EntryPrice: dec("12"), EntryDate: day1, Class: domain.ClassPrivate,
	}}

	e := NewEngine(f, f, f, zerolog.Nop())
	res, err := e.Compute(context.Background(), portfolio(), day1)
	require.NoError(t, err)
	assert.True(t, res.Snapshot.DailyUnrealizedPnL.IsZero())
	assert.True(t, res.Snapshot.LongValue.Equal(dec("12000")))
}
