package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	apperrors "stock-alerter/internal/errors"
)

// FMPConfig configures the Financial Modeling Prep source.
type FMPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables pacing
	Burst     int
}

// FMPSource fetches prices from the Financial Modeling Prep quote-short endpoint.
type FMPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewFMPSource creates a new FMPSource.
func NewFMPSource(cfg FMPConfig) *FMPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &FMPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

func (f *FMPSource) Name() string { return "fmp" }

type fmpQuote struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price"`
}

// Quote fetches the last price for ticker.
func (f *FMPSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrRateLimited, err)
	}

	endpoint := fmt.Sprintf("%s/api/v3/quote-short/%s?apikey=%s",
		f.baseURL, url.PathEscape(ticker), url.QueryEscape(f.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Zero, apperrors.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, fmt.Errorf("fetching %s: status %d", ticker, resp.StatusCode)
	}

	var quotes []fmpQuote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return decimal.Zero, fmt.Errorf("decoding quote for %s: %w", ticker, err)
	}
	if len(quotes) == 0 || quotes[0].Price == nil {
		return decimal.Zero, fmt.Errorf("%w for %s", apperrors.ErrNoQuote, ticker)
	}
	return *quotes[0].Price, nil
}
