package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfolio/quantfolio/internal/domain"
)

const polygonBaseURL = "https://api.polygon.io"

// PolygonClient fetches daily aggregates from the Polygon REST API. It is
// always wrapped in a GuardedProvider in production wiring; the client
// itself does no throttling.
type PolygonClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// NewPolygonClient builds the client. The API key comes from the
// environment, never from config files.
func NewPolygonClient(apiKey string, log zerolog.Logger) *PolygonClient {
	return &PolygonClient{
		baseURL: polygonBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "marketdata.polygon").Logger(),
	}
}

type polygonAggsResponse struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		Timestamp int64   `json:"t"` // unix ms
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
}

// FetchDailyBars returns the daily bars for [start, end]. An unknown symbol
// yields an empty slice, not an error: the refresh layer records coverage.
func (c *PolygonClient) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s",
		c.baseURL, url.PathEscape(symbol), start.Format("2006-01-02"), end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon request for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polygon returned %d for %s", resp.StatusCode, symbol)
	}

	var body polygonAggsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode polygon response for %s: %w", symbol, err)
	}

	bars := make([]domain.MarketDataPoint, 0, len(body.Results))
	for _, r := range body.Results {
		bars = append(bars, domain.MarketDataPoint{
			Symbol: symbol,
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	c.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("daily bars fetched")
	return bars, nil
}
