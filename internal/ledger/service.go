// Package ledger applies position closes: it computes realized P&L, updates
// the position, and appends the realized event in one repository call.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Service executes closes against the portfolio repository.
type Service struct {
	portfolios persistence.PortfolioRepo
	log        zerolog.Logger
}

// NewService wires the ledger service.
func NewService(portfolios persistence.PortfolioRepo, log zerolog.Logger) *Service {
	return &Service{
		portfolios: portfolios,
		log:        log.With().Str("component", "ledger").Logger(),
	}
}

// Close realizes quantity units of the position at price on tradeDate.
// quantity is always positive regardless of position direction; closing more
// than remains open is rejected, which keeps the lifetime sum of closed
// quantity within the originally opened size. A close of the full remaining
// quantity exits the position.
func (s *Service) Close(ctx context.Context, pos domain.Position, quantity, price decimal.Decimal, tradeDate time.Time) (domain.RealizedEvent, error) {
	if !pos.Open() {
		return domain.RealizedEvent{}, fmt.Errorf("position %d is already closed", pos.ID)
	}
	if !quantity.IsPositive() {
		return domain.RealizedEvent{}, fmt.Errorf("close quantity must be positive, got %s", quantity)
	}
	if price.IsNegative() {
		return domain.RealizedEvent{}, fmt.Errorf("close price must be non-negative, got %s", price)
	}

	remaining := pos.Quantity.Abs()
	if quantity.GreaterThan(remaining) {
		return domain.RealizedEvent{}, fmt.Errorf("close quantity %s exceeds open quantity %s", quantity, remaining)
	}

	mult := decimal.NewFromInt(1)
	if pos.Class == domain.ClassOptions && pos.Multiplier > 0 {
		mult = decimal.NewFromInt(int64(pos.Multiplier))
	}

	// Longs realize price - entry, shorts entry - price.
	perUnit := price.Sub(pos.EntryPrice)
	if pos.Quantity.IsNegative() {
		perUnit = pos.EntryPrice.Sub(price)
	}
	realized := perUnit.Mul(quantity).Mul(mult)

	event := domain.RealizedEvent{
		PositionID:     pos.ID,
		PortfolioID:    pos.PortfolioID,
		TradeDate:      calendar.Day(tradeDate),
		QuantityClosed: quantity,
		RealizedPnL:    realized,
	}

	// Shrink toward zero along the position's direction.
	delta := quantity
	if pos.Quantity.IsNegative() {
		delta = quantity.Neg()
	}
	updated := pos
	updated.Quantity = pos.Quantity.Sub(delta)
	updated.RealizedPnL = pos.RealizedPnL.Add(realized)
	if updated.Quantity.IsZero() {
		exitDate := event.TradeDate
		updated.ExitDate = &exitDate
		updated.ExitPrice = &price
	}

	if err := s.portfolios.RecordClose(ctx, updated, event); err != nil {
		return domain.RealizedEvent{}, fmt.Errorf("record close: %w", err)
	}

	s.log.Info().Int64("position", pos.ID).Str("symbol", pos.Symbol).
		Str("quantity", quantity.String()).Str("realized", realized.String()).
		Bool("full_exit", updated.Quantity.IsZero()).Msg("position close recorded")
	return event, nil
}
