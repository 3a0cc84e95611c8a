package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/domain"
)

type fakeRepo struct {
	positions []domain.Position
	events    []domain.RealizedEvent
}

func (f *fakeRepo) ActivePortfolios(ctx context.Context) ([]domain.Portfolio, error) { return nil, nil }

func (f *fakeRepo) Position(ctx context.Context, id int64) (domain.Position, error) {
	return domain.Position{}, nil
}

func (f *fakeRepo) OpenPositions(ctx context.Context, pid int64, asOf time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeRepo) RealizedEventsOn(ctx context.Context, pid int64, day time.Time) ([]domain.RealizedEvent, error) {
	return nil, nil
}

func (f *fakeRepo) EquityChangesOn(ctx context.Context, pid int64, day time.Time) ([]domain.EquityChange, error) {
	return nil, nil
}

func (f *fakeRepo) RecordClose(ctx context.Context, pos domain.Position, ev domain.RealizedEvent) error {
	f.positions = append(f.positions, pos)
	f.events = append(f.events, ev)
	return nil
}

var tradeDay = time.Date(2025, time.June, 6, 14, 30, 0, 0, time.UTC)

func longPosition() domain.Position {
	return domain.Position{
		ID: 1, PortfolioID: 1, Symbol: "ACME",
		Quantity:   decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(150),
		Class:      domain.ClassPublic,
	}
}

func TestClose_PartialLongRealizesGain(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	ev, err := s.Close(context.Background(), longPosition(),
		decimal.NewFromInt(40), decimal.NewFromInt(155), tradeDay)
	require.NoError(t, err)

	// 40 x (155 - 150) = 200
	assert.True(t, ev.RealizedPnL.Equal(decimal.NewFromInt(200)), "got %s", ev.RealizedPnL)
	assert.True(t, ev.QuantityClosed.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, time.Date(2025, time.June, 6, 0, 0, 0, 0, time.UTC), ev.TradeDate,
		"trade date normalized to the day")

	require.Len(t, repo.positions, 1)
	updated := repo.positions[0]
	assert.True(t, updated.Quantity.Equal(decimal.NewFromInt(60)))
	assert.Nil(t, updated.ExitDate, "partial close keeps the position open")
	assert.True(t, updated.RealizedPnL.Equal(decimal.NewFromInt(200)))
}

func TestClose_FullCloseExitsPosition(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	_, err := s.Close(context.Background(), longPosition(),
		decimal.NewFromInt(100), decimal.NewFromInt(140), tradeDay)
	require.NoError(t, err)

	updated := repo.positions[0]
	assert.True(t, updated.Quantity.IsZero())
	require.NotNil(t, updated.ExitDate)
	require.NotNil(t, updated.ExitPrice)
	assert.True(t, updated.ExitPrice.Equal(decimal.NewFromInt(140)))
	// 100 x (140 - 150) = -1000
	assert.True(t, updated.RealizedPnL.Equal(decimal.NewFromInt(-1000)))
}

func TestClose_ShortRealizesInvertedPnL(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	short := longPosition()
	short.Quantity = decimal.NewFromInt(-100)

	ev, err := s.Close(context.Background(), short,
		decimal.NewFromInt(40), decimal.NewFromInt(145), tradeDay)
	require.NoError(t, err)

	// Short: 40 x (150 - 145) = 200 gain
	assert.True(t, ev.RealizedPnL.Equal(decimal.NewFromInt(200)), "got %s", ev.RealizedPnL)
	assert.True(t, repo.positions[0].Quantity.Equal(decimal.NewFromInt(-60)),
		"short shrinks toward zero")
}

func TestClose_OptionsUseContractMultiplier(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	opt := domain.Position{
		ID: 2, PortfolioID: 1, Symbol: "AAPL251219C00200000",
		Quantity:   decimal.NewFromInt(5),
		EntryPrice: decimal.NewFromInt(12),
		Class:      domain.ClassOptions,
		Multiplier: 100,
	}

	ev, err := s.Close(context.Background(), opt,
		decimal.NewFromInt(2), decimal.NewFromInt(15), tradeDay)
	require.NoError(t, err)
	// 2 contracts x (15 - 12) x 100 = 600
	assert.True(t, ev.RealizedPnL.Equal(decimal.NewFromInt(600)), "got %s", ev.RealizedPnL)
}

func TestClose_CannotExceedOpenQuantity(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	_, err := s.Close(context.Background(), longPosition(),
		decimal.NewFromInt(101), decimal.NewFromInt(155), tradeDay)
	assert.Error(t, err)
	assert.Empty(t, repo.events, "nothing recorded on rejection")
}

func TestClose_SequentialPartialsConserveQuantity(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	pos := longPosition()
	total := decimal.Zero
	for _, q := range []int64{30, 30, 40} {
		ev, err := s.Close(context.Background(), pos, decimal.NewFromInt(q), decimal.NewFromInt(152), tradeDay)
		require.NoError(t, err)
		total = total.Add(ev.QuantityClosed)
		pos = repo.positions[len(repo.positions)-1]
	}

	assert.True(t, total.Equal(decimal.NewFromInt(100)), "closed exactly what was opened")
	assert.True(t, pos.Quantity.IsZero())
	assert.NotNil(t, pos.ExitDate)

	// A fourth close must be rejected: the position is spent.
	_, err := s.Close(context.Background(), pos, decimal.NewFromInt(1), decimal.NewFromInt(152), tradeDay)
	assert.Error(t, err)
}

func TestClose_InputValidation(t *testing.T) {
	repo := &fakeRepo{}
	s := NewService(repo, zerolog.Nop())

	_, err := s.Close(context.Background(), longPosition(),
		decimal.Zero, decimal.NewFromInt(155), tradeDay)
	assert.Error(t, err, "zero quantity")

	_, err = s.Close(context.Background(), longPosition(),
		decimal.NewFromInt(10), decimal.NewFromInt(-1), tradeDay)
	assert.Error(t, err, "negative price")
}
