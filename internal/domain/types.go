package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvestmentClass partitions positions by how they can be priced and
// regressed. PRIVATE positions carry no market price and are excluded from
// every regression universe.
type InvestmentClass string

const (
	ClassPublic  InvestmentClass = "PUBLIC"
	ClassOptions InvestmentClass = "OPTIONS"
	ClassPrivate InvestmentClass = "PRIVATE"
)

// EquityChangeType tags capital flows in or out of a portfolio.
type EquityChangeType string

const (
	EquityContribution EquityChangeType = "CONTRIBUTION"
	EquityWithdrawal   EquityChangeType = "WITHDRAWAL"
)

// Portfolio is the unit of analytics. EquityBalance on snapshots is the only
// place equity is rolled forward; StartingEquity anchors the first snapshot.
type Portfolio struct {
	ID             int64           `db:"id"`
	UserID         int64           `db:"user_id"`
	Name           string          `db:"name"`
	StartingEquity decimal.Decimal `db:"starting_equity"`
	Active         bool            `db:"active"`
	DeletedAt      *time.Time      `db:"deleted_at"`
}

// Position is a holding within a portfolio. Quantity is signed: positive is
// long, negative is short. A full close sets the exit fields; partial closes
// reduce Quantity and append RealizedEvents. Positions are soft-deleted so
// historical snapshots keep their references.
type Position struct {
	ID          int64           `db:"id"`
	PortfolioID int64           `db:"portfolio_id"`
	Symbol      string          `db:"symbol"`
	Quantity    decimal.Decimal `db:"quantity"`
	EntryPrice  decimal.Decimal `db:"entry_price"`
	EntryDate   time.Time       `db:"entry_date"`
	ExitPrice   *decimal.Decimal `db:"exit_price"`
	ExitDate    *time.Time       `db:"exit_date"`
	Class       InvestmentClass  `db:"investment_class"`
	RealizedPnL decimal.Decimal  `db:"realized_pnl"`

	// Option metadata, populated when Class == ClassOptions.
	Underlying *string          `db:"underlying"`
	Strike     *decimal.Decimal `db:"strike"`
	Expiry     *time.Time       `db:"expiry"`
	Delta      *float64         `db:"delta"`
	Multiplier int              `db:"multiplier"`

	DeletedAt *time.Time `db:"deleted_at"`
}

// Open reports whether the position is still held.
func (p Position) Open() bool { return p.ExitDate == nil && p.DeletedAt == nil }

// RealizedEvent is one row of the append-only realized P&L ledger: a partial
// or full close of a position on a trade date.
type RealizedEvent struct {
	ID             int64           `db:"id"`
	PositionID     int64           `db:"position_id"`
	PortfolioID    int64           `db:"portfolio_id"`
	TradeDate      time.Time       `db:"trade_date"`
	QuantityClosed decimal.Decimal `db:"quantity_closed"`
	RealizedPnL    decimal.Decimal `db:"realized_pnl"`
}

// EquityChange is an append-only capital-flow row. Contributions are applied
// positive, withdrawals negative, on the snapshot for their date.
type EquityChange struct {
	ID          int64            `db:"id"`
	PortfolioID int64            `db:"portfolio_id"`
	Type        EquityChangeType `db:"change_type"`
	Amount      decimal.Decimal  `db:"amount"`
	Date        time.Time        `db:"change_date"`
	CreatedBy   int64            `db:"created_by"`
}

// Signed returns the amount with the sign implied by the change type.
func (e EquityChange) Signed() decimal.Decimal {
	if e.Type == EquityWithdrawal {
		return e.Amount.Neg()
	}
	return e.Amount
}

// MarketDataPoint is one cached daily bar. Rows are immutable once written:
// re-fetches must skip (symbol, date) pairs that already exist.
type MarketDataPoint struct {
	Symbol string    `db:"symbol"`
	Date   time.Time `db:"bar_date"`
	Open   float64   `db:"open"`
	High   float64   `db:"high"`
	Low    float64   `db:"low"`
	Close  float64   `db:"close"`
	Volume float64   `db:"volume"`
	Source string    `db:"source"`
}

// PortfolioSnapshot is the per-(portfolio, trading day) equity and exposure
// record. equity_balance[t] = equity_balance[t-1] + daily_pnl[t] +
// daily_capital_flow[t]; the first snapshot anchors to StartingEquity.
type PortfolioSnapshot struct {
	ID          int64     `db:"id"`
	PortfolioID int64     `db:"portfolio_id"`
	Date        time.Time `db:"snapshot_date"`

	TotalValue    decimal.Decimal `db:"total_value"`
	EquityBalance decimal.Decimal `db:"equity_balance"`
	CashValue     decimal.Decimal `db:"cash_value"`
	LongValue     decimal.Decimal `db:"long_value"`
	ShortValue    decimal.Decimal `db:"short_value"`
	GrossExposure decimal.Decimal `db:"gross_exposure"`
	NetExposure   decimal.Decimal `db:"net_exposure"`
	Leverage      float64         `db:"leverage"`

	DailyRealizedPnL   decimal.Decimal `db:"daily_realized_pnl"`
	DailyUnrealizedPnL decimal.Decimal `db:"daily_unrealized_pnl"`
	DailyPnL           decimal.Decimal `db:"daily_pnl"`
	CumulativePnL      decimal.Decimal `db:"cumulative_pnl"`
	DailyCapitalFlow   decimal.Decimal `db:"daily_capital_flow"`
	CumulativeFlow     decimal.Decimal `db:"cumulative_flow"`

	// Windowed analytics, null until the respective engines have run.
	RealizedVol21d *float64 `db:"realized_vol_21d"`
	RealizedVol63d *float64 `db:"realized_vol_63d"`
	MarketBeta90d  *float64 `db:"market_beta_90d"`

	CreatedAt time.Time `db:"created_at"`
}

// FactorType groups factor definitions for ordering and display.
type FactorType string

const (
	FactorMarket FactorType = "market"
	FactorMacro  FactorType = "macro"
	FactorStyle  FactorType = "style"
	FactorSpread FactorType = "spread"
)

// FactorDefinition is seeded reference data: one regression factor and the
// ETF ticker(s) that proxy it. Spread factors carry a second ticker and are
// regressed against the difference of the two return series.
type FactorDefinition struct {
	ID           int64      `db:"id"`
	Name         string     `db:"name"`
	Type         FactorType `db:"factor_type"`
	ProxyTicker  string     `db:"proxy_ticker"`
	ShortTicker  *string    `db:"short_ticker"`
	DisplayOrder int        `db:"display_order"`
	Active       bool       `db:"active"`
}

// FactorExposure is a (portfolio, factor, date) beta with its dollar
// exposure. Position-level rows carry a non-nil PositionID.
type FactorExposure struct {
	ID             int64     `db:"id"`
	PortfolioID    int64     `db:"portfolio_id"`
	PositionID     *int64    `db:"position_id"`
	FactorID       int64     `db:"factor_id"`
	FactorName     string    `db:"factor_name"`
	Date           time.Time `db:"exposure_date"`
	Beta           float64   `db:"beta"`
	DollarExposure float64   `db:"dollar_exposure"`
	Quality        DataQuality `db:"quality"`
}

// BetaMethod distinguishes the regressions that produce PositionBeta rows.
type BetaMethod string

const (
	BetaMethodMarket       BetaMethod = "market_ols"
	BetaMethodInterestRate BetaMethod = "interest_rate_ols"
)

// PositionBeta is one OLS regression result for a position against a single
// benchmark. Unique per (portfolio, position, date, method, window).
type PositionBeta struct {
	ID           int64      `db:"id"`
	PortfolioID  int64      `db:"portfolio_id"`
	PositionID   int64      `db:"position_id"`
	Date         time.Time  `db:"calc_date"`
	Method       BetaMethod `db:"method"`
	Benchmark    string     `db:"benchmark"`
	WindowDays   int        `db:"window_days"`
	Beta         float64    `db:"beta"`
	Alpha        float64    `db:"alpha"`
	RSquared     float64    `db:"r_squared"`
	StdError     float64    `db:"std_error"`
	PValue       float64    `db:"p_value"`
	Observations int        `db:"observations"`
}

// VolTrend classifies the direction of recent realized volatility.
type VolTrend string

const (
	VolTrendIncreasing VolTrend = "increasing"
	VolTrendDecreasing VolTrend = "decreasing"
	VolTrendStable     VolTrend = "stable"
)

// PositionVolatility is the per-(position, date) volatility record: realized
// windows, HAR components and forecast, percentile and trend. Forecast and
// trend fields stay nil when history is too short to support them.
type PositionVolatility struct {
	ID          int64     `db:"id"`
	PortfolioID int64     `db:"portfolio_id"`
	PositionID  int64     `db:"position_id"`
	Symbol      string    `db:"symbol"`
	Date        time.Time `db:"calc_date"`

	RealizedVol21d *float64 `db:"realized_vol_21d"`
	RealizedVol63d *float64 `db:"realized_vol_63d"`

	HARDaily    *float64 `db:"har_daily"`
	HARWeekly   *float64 `db:"har_weekly"`
	HARMonthly  *float64 `db:"har_monthly"`
	HARForecast *float64 `db:"har_forecast"`
	HARRSquared *float64 `db:"har_r_squared"`

	Percentile1y  *float64  `db:"percentile_1y"`
	Trend         *VolTrend `db:"trend"`
	TrendStrength *float64  `db:"trend_strength"`

	Observations int `db:"observations"`
}

// CorrelationCalculation is the header row for one portfolio-date correlation
// run; pairwise and cluster rows hang off it and are deleted with it.
type CorrelationCalculation struct {
	ID          int64     `db:"id"`
	PortfolioID int64     `db:"portfolio_id"`
	Date        time.Time `db:"calc_date"`
	WindowDays  int       `db:"window_days"`
	Positions   int       `db:"position_count"`
	Repaired    bool      `db:"psd_repaired"`
	Status      ResultStatus `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
}

// PairwiseCorrelation is one symbol pair's correlation coefficient.
type PairwiseCorrelation struct {
	ID            int64   `db:"id"`
	CalculationID int64   `db:"calculation_id"`
	SymbolA       string  `db:"symbol_a"`
	SymbolB       string  `db:"symbol_b"`
	Correlation   float64 `db:"correlation"`
}

// CorrelationCluster is a derived group of highly correlated positions.
type CorrelationCluster struct {
	ID             int64   `db:"id"`
	CalculationID  int64   `db:"calculation_id"`
	Name           string  `db:"name"`
	AvgCorrelation float64 `db:"avg_correlation"`
	PositionIDs    []int64 `db:"-"`
}

// StressShock is one leg of a scenario: either a factor shock (applied to
// the portfolio's beta against that factor) or a direct price shock applied
// to position market values.
type StressShock struct {
	FactorName string  `db:"factor_name" yaml:"factor"`
	PricePct   float64 `db:"price_pct" yaml:"price_pct"`
	ShockPct   float64 `db:"shock_pct" yaml:"shock_pct"`
}

// StressTestScenario is seeded reference data describing a named set of
// joint shocks.
type StressTestScenario struct {
	ID       int64         `db:"id"`
	Name     string        `db:"name"`
	Category string        `db:"category"`
	Shocks   []StressShock `db:"-"`
	Active   bool          `db:"active"`
}

// StressTestResult is the (portfolio, scenario, date) P&L impact. The
// CorrelatedPnL name reflects that shocks are applied jointly across
// correlated factors, not independently.
type StressTestResult struct {
	ID            int64        `db:"id"`
	PortfolioID   int64        `db:"portfolio_id"`
	ScenarioID    int64        `db:"scenario_id"`
	ScenarioName  string       `db:"scenario_name"`
	Date          time.Time    `db:"calc_date"`
	CorrelatedPnL float64      `db:"correlated_pnl"`
	PnLPercent    float64      `db:"pnl_percent"`
	Status        ResultStatus `db:"status"`
	SkipReason    string       `db:"skip_reason"`
}
