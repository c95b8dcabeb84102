package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quoteSummaryFixture = `{
	"quoteSummary": {
		"result": [{
			"financialData": {
				"returnOnEquity": {"raw": 0.185, "fmt": "18.50%"},
				"profitMargins": {"raw": 0.21, "fmt": "21.00%"},
				"revenueGrowth": {"raw": 0.08, "fmt": "8.00%"},
				"debtToEquity": {"raw": 150.5, "fmt": "150.50"},
				"currentRatio": {"raw": 1.3, "fmt": "1.30"}
			},
			"defaultKeyStatistics": {
				"beta": {"raw": 1.31}
			},
			"summaryDetail": {
				"trailingPE": {"raw": 28.5, "fmt": "28.50"},
				"dividendYield": {"raw": 0.0055, "fmt": "0.55%"},
				"beta": {"raw": 1.28}
			}
		}],
		"error": null
	}
}`

func newTestYahoo(t *testing.T, handler http.Handler) *YahooAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewYahooAdapter(YahooConfig{BaseURL: server.URL})
}

func TestYahooAdapter_Fundamentals(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/AAPL", r.URL.Path)
		assert.Equal(t, "financialData,defaultKeyStatistics,summaryDetail", r.URL.Query().Get("modules"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"), "Yahoo rejects requests without a User-Agent")
		w.Write([]byte(quoteSummaryFixture))
	}))

	f, err := adapter.Fundamentals(context.Background(), "aapl")
	require.NoError(t, err)

	// Fractions convert to percent, debt/equity converts from percent to
	// ratio, plain ratios pass through.
	assert.InDelta(t, 18.5, f.ROE, 1e-9)
	assert.InDelta(t, 21.0, f.ProfitMargin, 1e-9)
	assert.InDelta(t, 8.0, f.RevenueGrowth, 1e-9)
	assert.InDelta(t, 1.505, f.DebtToEquity, 1e-9)
	assert.InDelta(t, 0.55, f.DividendYield, 1e-9)
	assert.InDelta(t, 28.5, f.PERatio, 1e-9)
	assert.InDelta(t, 1.3, f.CurrentRatio, 1e-9)
	assert.InDelta(t, 1.28, f.Beta, 1e-9, "summaryDetail beta wins over key statistics")
}

func TestYahooAdapter_MissingOptionalFields(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"quoteSummary": {
				"result": [{
					"financialData": {
						"returnOnEquity": {"raw": 0.12}
					},
					"defaultKeyStatistics": {
						"beta": {"raw": 0.95}
					},
					"summaryDetail": {
						"trailingPE": {}
					}
				}],
				"error": null
			}
		}`))
	}))

	f, err := adapter.Fundamentals(context.Background(), "KO")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, f.ROE, 1e-9)
	assert.Zero(t, f.PERatio, "absent raw value parses to zero")
	assert.Zero(t, f.DividendYield)
	assert.InDelta(t, 0.95, f.Beta, 1e-9, "falls back to key statistics beta")
}

func TestYahooAdapter_BetaDefaultsToMarket(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"quoteSummary": {
				"result": [{
					"financialData": {},
					"defaultKeyStatistics": {},
					"summaryDetail": {}
				}],
				"error": null
			}
		}`))
	}))

	f, err := adapter.Fundamentals(context.Background(), "IPO")
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.Beta)
}

func TestYahooAdapter_NotFound(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"quoteSummary": {
				"result": null,
				"error": {"code": "Not Found", "description": "Quote not found for ticker symbol: XXXX"}
			}
		}`))
	}))

	_, err := adapter.Fundamentals(context.Background(), "XXXX")
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrTypeBadSymbol, pe.Type)
	assert.False(t, IsTransient(err), "unknown tickers must not be retried")
}

func TestYahooAdapter_RateLimited(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := adapter.Fundamentals(context.Background(), "AAPL")
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrTypeRateLimit, pe.Type)
	assert.True(t, IsTransient(err))
}

func TestYahooAdapter_EmptyResult(t *testing.T) {
	adapter := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteSummary": {"result": [], "error": null}}`))
	}))

	_, err := adapter.Fundamentals(context.Background(), "AAPL")
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrTypeBadResponse, pe.Type)
}

func TestNewYahooAdapter_Defaults(t *testing.T) {
	adapter := NewYahooAdapter(YahooConfig{})
	assert.Equal(t, "https://query1.finance.yahoo.com", adapter.baseURL)
	assert.NotEmpty(t, adapter.userAgent)
}
