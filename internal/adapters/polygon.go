package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockscout/internal/observ"
)

// PolygonAdapter implements MarketData against the Polygon.io REST API.
type PolygonAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *QuoteCache
	config     PolygonConfig

	// Budget tracking
	mu              sync.Mutex
	requestsToday   int
	budgetResetTime time.Time

	// Health tracking
	consecutiveErrors int
	lastHealthCheck   time.Time
	healthy           bool
}

// PolygonConfig holds configuration for the Polygon adapter.
type PolygonConfig struct {
	APIKey              string
	BaseURL             string
	RatePerMinute       int
	DailyRequestCap     int
	CacheTTLSeconds     int
	StaleCeilingSeconds int
	TimeoutSeconds      int
	MaxRetries          int
	BackoffBaseMs       int
}

// NewPolygonAdapter creates a Polygon.io adapter.
func NewPolygonAdapter(config PolygonConfig) (*PolygonAdapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("polygon API key is required")
	}

	if config.BaseURL == "" {
		config.BaseURL = "https://api.polygon.io"
	}
	if config.RatePerMinute <= 0 {
		config.RatePerMinute = 100
	}
	if config.DailyRequestCap <= 0 {
		config.DailyRequestCap = 50000
	}
	if config.CacheTTLSeconds <= 0 {
		config.CacheTTLSeconds = 30
	}
	if config.StaleCeilingSeconds <= 0 {
		config.StaleCeilingSeconds = 300
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 500
	}

	return &PolygonAdapter{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		limiter:         rate.NewLimiter(rate.Limit(float64(config.RatePerMinute)/60), 2),
		cache:           NewQuoteCache(2000),
		config:          config,
		budgetResetTime: time.Now().Add(24 * time.Hour),
		healthy:         true,
	}, nil
}

// Quote fetches the current snapshot for one ticker. Results are cached for
// CacheTTLSeconds; on a failed refresh a cached quote inside the stale
// ceiling is served instead of the error.
func (p *PolygonAdapter) Quote(ctx context.Context, ticker string) (*Quote, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return nil, NewBadSymbolError("polygon", ticker, "empty ticker")
	}

	if cached, ok := p.cache.Get(ticker); ok {
		return cached, nil
	}

	body, err := p.doGet(ctx, ticker, "/v2/snapshot/locale/us/markets/stocks/tickers/"+ticker, nil, "snapshot")
	if err != nil {
		p.recordError()
		if stale, age, ok := p.cache.GetStale(ticker, time.Duration(p.config.StaleCeilingSeconds)*time.Second); ok {
			observ.Log("polygon_stale_quote_served", map[string]any{
				"ticker": ticker,
				"age_ms": age.Milliseconds(),
				"error":  err.Error(),
			})
			return stale, nil
		}
		return nil, err
	}

	quote, err := parseSnapshot(body, ticker)
	if err != nil {
		p.recordError()
		return nil, err
	}
	if err := ValidateQuote(quote); err != nil {
		p.recordError()
		return nil, NewBadResponseError("polygon", ticker, err.Error(), nil)
	}

	p.cache.Put(ticker, quote, time.Duration(p.config.CacheTTLSeconds)*time.Second)
	p.recordSuccess()
	return quote, nil
}

// DailyBars fetches up to days daily bars ending today, oldest first.
// An empty slice with a nil error means the ticker has no history yet.
func (p *PolygonAdapter) DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return nil, NewBadSymbolError("polygon", ticker, "empty ticker")
	}
	if days <= 0 {
		days = 250
	}

	// Trading days to a calendar span, padded for weekends and holidays.
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -(days*7/5 + 10))
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		ticker, from.Format("2006-01-02"), to.Format("2006-01-02"))
	query := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {strconv.Itoa(days + 50)},
	}

	body, err := p.doGet(ctx, ticker, path, query, "aggs")
	if err != nil {
		p.recordError()
		return nil, err
	}

	bars, err := parseAggs(body, ticker)
	if err != nil {
		p.recordError()
		return nil, err
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}

	p.recordSuccess()
	return bars, nil
}

// Company fetches reference data for one ticker.
func (p *PolygonAdapter) Company(ctx context.Context, ticker string) (*Company, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return nil, NewBadSymbolError("polygon", ticker, "empty ticker")
	}

	body, err := p.doGet(ctx, ticker, "/v3/reference/tickers/"+ticker, nil, "reference")
	if err != nil {
		p.recordError()
		return nil, err
	}

	company, err := parseReference(body, ticker)
	if err != nil {
		p.recordError()
		return nil, err
	}

	p.recordSuccess()
	return company, nil
}

// HealthCheck verifies adapter health, probing a liquid test ticker when the
// cached status is older than 30s.
func (p *PolygonAdapter) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	healthy := p.healthy
	errs := p.consecutiveErrors
	lastCheck := p.lastHealthCheck
	p.mu.Unlock()

	if time.Since(lastCheck) < 30*time.Second {
		if !healthy {
			return fmt.Errorf("polygon adapter unhealthy (consecutive errors: %d)", errs)
		}
		return nil
	}

	_, err := p.Quote(ctx, "AAPL")

	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	p.healthy = err == nil
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("polygon health check failed: %w", err)
	}
	return nil
}

// Close performs cleanup. The HTTP client holds no persistent connections
// that need teardown.
func (p *PolygonAdapter) Close() error {
	return nil
}

// BudgetStatus returns current request usage for the status surface.
func (p *PolygonAdapter) BudgetStatus() (used, limit int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestsToday, p.config.DailyRequestCap, p.budgetResetTime
}

// doGet performs one GET with rate limiting, budget checks, and retries on
// transient failures. Non-transient statuses return immediately.
func (p *PolygonAdapter) doGet(ctx context.Context, ticker, path string, query url.Values, endpoint string) ([]byte, error) {
	if !p.allowRequest() {
		return nil, NewRateLimitError("polygon", ticker, "daily request cap exceeded")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewNetworkError("polygon", ticker, "rate limit wait cancelled", err)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", p.apiKey)
	requestURL := p.baseURL + path + "?" + query.Encode()

	observ.IncCounter("provider_requests_total", map[string]string{"provider": "polygon", "endpoint": endpoint})

	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(p.config.BackoffBaseMs*(1<<attempt)) * time.Millisecond
			backoff += time.Duration(rand.Intn(250)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, NewNetworkError("polygon", ticker, "retry cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, NewNetworkError("polygon", ticker, "failed to create request", err)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = NewNetworkError("polygon", ticker, "request failed", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = NewNetworkError("polygon", ticker, "failed to read response", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			observ.IncCounter("provider_errors_total", map[string]string{"provider": "polygon", "type": ErrTypeRateLimit})
			lastErr = NewRateLimitError("polygon", ticker, "API rate limit exceeded")
			continue
		case resp.StatusCode == http.StatusNotFound:
			return nil, NewBadSymbolError("polygon", ticker, "unknown ticker")
		case resp.StatusCode >= 500:
			observ.IncCounter("provider_errors_total", map[string]string{"provider": "polygon", "type": ErrTypeProvider})
			lastErr = NewProviderFailure("polygon", ticker, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)), nil)
			continue
		default:
			return nil, NewProviderFailure("polygon", ticker, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)), nil)
		}
	}

	return nil, lastErr
}

func parseSnapshot(body []byte, ticker string) (*Quote, error) {
	var response struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Ticker struct {
			Ticker string `json:"ticker"`
			Day    struct {
				Close  float64 `json:"c"`
				Volume float64 `json:"v"`
			} `json:"day"`
			PrevDay struct {
				Close float64 `json:"c"`
			} `json:"prevDay"`
			LastTrade struct {
				Price     float64 `json:"p"`
				Timestamp int64   `json:"t"`
			} `json:"lastTrade"`
			Updated int64 `json:"updated"`
		} `json:"ticker"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewBadResponseError("polygon", ticker, "failed to parse snapshot", err)
	}
	if response.Status != "OK" {
		msg := response.Error
		if msg == "" {
			msg = "non-OK status: " + response.Status
		}
		return nil, NewProviderFailure("polygon", ticker, msg, nil)
	}

	t := response.Ticker
	price := t.LastTrade.Price
	if price <= 0 {
		price = t.Day.Close
	}
	if price <= 0 {
		price = t.PrevDay.Close
	}
	if price <= 0 {
		return nil, NewBadResponseError("polygon", ticker, "snapshot has no usable price", nil)
	}

	ts := time.Now().UTC()
	if t.Updated > 0 {
		ts = time.Unix(0, t.Updated).UTC()
	} else if t.LastTrade.Timestamp > 0 {
		ts = time.Unix(0, t.LastTrade.Timestamp).UTC()
	}

	return &Quote{
		Ticker:    ticker,
		Price:     price,
		Volume:    int64(t.Day.Volume),
		PrevClose: t.PrevDay.Close,
		Timestamp: ts,
		Source:    "polygon",
	}, nil
}

func parseAggs(body []byte, ticker string) ([]Bar, error) {
	var response struct {
		Status       string `json:"status"`
		ResultsCount int    `json:"resultsCount"`
		Results      []struct {
			Volume float64 `json:"v"`
			Open   float64 `json:"o"`
			Close  float64 `json:"c"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Ts     int64   `json:"t"`
		} `json:"results"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewBadResponseError("polygon", ticker, "failed to parse aggregates", err)
	}
	// Free-tier responses report DELAYED; the bars are still usable.
	if response.Status != "OK" && response.Status != "DELAYED" {
		return nil, NewProviderFailure("polygon", ticker, "non-OK status: "+response.Status, nil)
	}

	bars := make([]Bar, 0, len(response.Results))
	for _, r := range response.Results {
		bars = append(bars, Bar{
			Date:   time.UnixMilli(r.Ts).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: int64(r.Volume),
		})
	}
	return bars, nil
}

func parseReference(body []byte, ticker string) (*Company, error) {
	var response struct {
		Status  string `json:"status"`
		Results struct {
			Ticker          string  `json:"ticker"`
			Name            string  `json:"name"`
			PrimaryExchange string  `json:"primary_exchange"`
			SICDescription  string  `json:"sic_description"`
			MarketCap       float64 `json:"market_cap"`
		} `json:"results"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewBadResponseError("polygon", ticker, "failed to parse reference data", err)
	}
	if response.Status != "OK" {
		return nil, NewProviderFailure("polygon", ticker, "non-OK status: "+response.Status, nil)
	}
	if response.Results.Ticker == "" {
		return nil, NewBadResponseError("polygon", ticker, "reference response missing ticker", nil)
	}

	return &Company{
		Ticker:    response.Results.Ticker,
		Name:      response.Results.Name,
		Exchange:  response.Results.PrimaryExchange,
		Sector:    response.Results.SICDescription,
		MarketCap: response.Results.MarketCap,
	}, nil
}

// allowRequest checks and consumes one unit of the daily request budget.
func (p *PolygonAdapter) allowRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().After(p.budgetResetTime) {
		p.requestsToday = 0
		p.budgetResetTime = time.Now().Add(24 * time.Hour)
	}
	if p.requestsToday >= p.config.DailyRequestCap {
		return false
	}
	p.requestsToday++
	return true
}

// recordError tracks consecutive errors for health monitoring.
func (p *PolygonAdapter) recordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrors++
	if p.consecutiveErrors >= 3 {
		p.healthy = false
	}
}

// recordSuccess resets error tracking.
func (p *PolygonAdapter) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrors = 0
	p.healthy = true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
