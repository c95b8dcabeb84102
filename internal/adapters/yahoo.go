package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// YahooAdapter implements FundamentalsProvider against the Yahoo Finance
// quoteSummary API. It performs a single attempt per call; retry scheduling
// and rate-limit admission belong to the caller, which must never exceed the
// limiter this provider is paired with.
type YahooAdapter struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// YahooConfig holds configuration for the Yahoo adapter.
type YahooConfig struct {
	BaseURL        string
	TimeoutSeconds int
	UserAgent      string
}

// NewYahooAdapter creates a Yahoo Finance adapter. No API key is required;
// the endpoint rejects requests without a browser-like User-Agent.
func NewYahooAdapter(config YahooConfig) *YahooAdapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://query1.finance.yahoo.com"
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	}

	return &YahooAdapter{
		baseURL:   config.BaseURL,
		userAgent: config.UserAgent,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
	}
}

// Fundamentals fetches financial ratios for one ticker.
func (y *YahooAdapter) Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return nil, NewBadSymbolError("yahoo", ticker, "empty ticker")
	}

	query := url.Values{
		"modules": {"financialData,defaultKeyStatistics,summaryDetail"},
	}
	requestURL := y.baseURL + "/v10/finance/quoteSummary/" + url.PathEscape(ticker) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, NewNetworkError("yahoo", ticker, "failed to create request", err)
	}
	req.Header.Set("User-Agent", y.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("yahoo", ticker, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("yahoo", ticker, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitError("yahoo", ticker, "API rate limit exceeded")
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewBadSymbolError("yahoo", ticker, "unknown ticker")
	case resp.StatusCode >= 500:
		return nil, NewProviderFailure("yahoo", ticker, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	default:
		return nil, NewProviderFailure("yahoo", ticker, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	}

	return parseQuoteSummary(body, ticker)
}

// Close performs cleanup.
func (y *YahooAdapter) Close() error {
	return nil
}

// yfValue is Yahoo's optional numeric wrapper. Raw is nil when the field is
// absent for a ticker, for example dividend yield on a non-payer.
type yfValue struct {
	Raw *float64 `json:"raw"`
}

func (v yfValue) float() float64 {
	if v.Raw == nil {
		return 0
	}
	return *v.Raw
}

func (v yfValue) percent() float64 {
	if v.Raw == nil {
		return 0
	}
	return *v.Raw * 100
}

func parseQuoteSummary(body []byte, ticker string) (*Fundamentals, error) {
	var response struct {
		QuoteSummary struct {
			Result []struct {
				FinancialData struct {
					ReturnOnEquity yfValue `json:"returnOnEquity"`
					ProfitMargins  yfValue `json:"profitMargins"`
					RevenueGrowth  yfValue `json:"revenueGrowth"`
					DebtToEquity   yfValue `json:"debtToEquity"`
					CurrentRatio   yfValue `json:"currentRatio"`
				} `json:"financialData"`
				DefaultKeyStatistics struct {
					Beta yfValue `json:"beta"`
				} `json:"defaultKeyStatistics"`
				SummaryDetail struct {
					TrailingPE    yfValue `json:"trailingPE"`
					DividendYield yfValue `json:"dividendYield"`
					Beta          yfValue `json:"beta"`
				} `json:"summaryDetail"`
			} `json:"result"`
			Error *struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		} `json:"quoteSummary"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewBadResponseError("yahoo", ticker, "failed to parse quoteSummary", err)
	}
	if apiErr := response.QuoteSummary.Error; apiErr != nil {
		if apiErr.Code == "Not Found" {
			return nil, NewBadSymbolError("yahoo", ticker, apiErr.Description)
		}
		return nil, NewProviderFailure("yahoo", ticker, apiErr.Code+": "+apiErr.Description, nil)
	}
	if len(response.QuoteSummary.Result) == 0 {
		return nil, NewBadResponseError("yahoo", ticker, "quoteSummary returned no result", nil)
	}

	r := response.QuoteSummary.Result[0]
	beta := r.SummaryDetail.Beta
	if beta.Raw == nil {
		beta = r.DefaultKeyStatistics.Beta
	}
	// Unreported beta reads as market beta, not zero.
	betaVal := 1.0
	if beta.Raw != nil {
		betaVal = *beta.Raw
	}

	return &Fundamentals{
		PERatio:       r.SummaryDetail.TrailingPE.float(),
		ROE:           r.FinancialData.ReturnOnEquity.percent(),
		ProfitMargin:  r.FinancialData.ProfitMargins.percent(),
		RevenueGrowth: r.FinancialData.RevenueGrowth.percent(),
		DebtToEquity:  r.FinancialData.DebtToEquity.float() / 100,
		DividendYield: r.SummaryDetail.DividendYield.percent(),
		CurrentRatio:  r.FinancialData.CurrentRatio.float(),
		Beta:          betaVal,
	}, nil
}
