package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/ledger"
)

func newCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close all or part of a position",
		Long: `Records a partial or full close: realizes P&L against the entry price,
shrinks the position, and appends the realized event the next snapshot run
will pick up.`,
		RunE: runClose,
	}
	cmd.Flags().Int64("position", 0, "Position ID to close")
	cmd.Flags().String("quantity", "", "Units to close (positive, shorts included)")
	cmd.Flags().String("price", "", "Execution price per unit")
	cmd.Flags().String("date", "", "Trade date YYYY-MM-DD (default today)")
	cmd.MarkFlagRequired("position")
	cmd.MarkFlagRequired("quantity")
	cmd.MarkFlagRequired("price")
	return cmd
}

func runClose(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	posID, _ := cmd.Flags().GetInt64("position")
	qtyStr, _ := cmd.Flags().GetString("quantity")
	priceStr, _ := cmd.Flags().GetString("price")
	dateStr, _ := cmd.Flags().GetString("date")

	quantity, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", qtyStr, err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", priceStr, err)
	}
	tradeDate := time.Now().UTC()
	if dateStr != "" {
		if tradeDate, err = time.Parse("2006-01-02", dateStr); err != nil {
			return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", dateStr, err)
		}
	}

	ctx := cmd.Context()
	pos, err := a.repos.Portfolios.Position(ctx, posID)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	svc := ledger.NewService(a.repos.Portfolios, log.Logger)
	event, err := svc.Close(ctx, pos, quantity, price, tradeDate)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	fmt.Printf("closed %s %s at %s, realized %s\n",
		event.QuantityClosed, pos.Symbol, price, event.RealizedPnL)
	return nil
}
