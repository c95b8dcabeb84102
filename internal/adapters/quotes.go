// Package adapters provides the market-data boundary: a primary provider
// for quotes, history, and reference data, a strictly rate-limited
// secondary provider for fundamental ratios, and the Source facade that
// assembles scoring snapshots with degraded-data tagging.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Quote is the current market state of one ticker from the primary provider.
type Quote struct {
	Ticker    string    `json:"ticker"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	PrevClose float64   `json:"prev_close"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Bar is one daily OHLCV bar. Bars slices are ordered oldest first.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Company is reference data from the primary provider.
type Company struct {
	Ticker    string  `json:"ticker"`
	Name      string  `json:"name"`
	Exchange  string  `json:"exchange"`
	Sector    string  `json:"sector"`
	MarketCap float64 `json:"market_cap"`
}

// Fundamentals holds the ratios only the secondary provider supplies.
// Percentages are expressed as percent (ROE 18.5 means 18.5%), ratios as
// plain ratios.
type Fundamentals struct {
	PERatio       float64 `json:"pe_ratio"`
	ROE           float64 `json:"roe"`
	ProfitMargin  float64 `json:"profit_margin"`
	RevenueGrowth float64 `json:"revenue_growth"`
	DebtToEquity  float64 `json:"debt_to_equity"`
	DividendYield float64 `json:"dividend_yield"`
	CurrentRatio  float64 `json:"current_ratio"`
	Beta          float64 `json:"beta"`
}

// NeutralFundamentals are the documented stand-ins used when the secondary
// provider is unreachable. Values land mid-band in every rubric; the scorer
// additionally short-circuits a degraded result straight to the neutral
// sub-score.
func NeutralFundamentals() Fundamentals {
	return Fundamentals{
		PERatio:       20,
		ROE:           10,
		ProfitMargin:  8,
		RevenueGrowth: 5,
		DebtToEquity:  1.0,
		DividendYield: 1.5,
		CurrentRatio:  1.2,
		Beta:          1.0,
	}
}

// FundamentalsResult tags fundamentals as fetched or degraded so callers
// can tell a real reading from a fallback.
type FundamentalsResult struct {
	Fundamentals Fundamentals `json:"fundamentals"`
	Degraded     bool         `json:"degraded"`
	Reason       string       `json:"reason,omitempty"`
}

// Snapshot is the scorer's full input for one ticker.
type Snapshot struct {
	Ticker       string
	Sector       string
	Price        float64
	Volume       int64
	MarketCap    float64
	Exchange     string
	Bars         []Bar
	Fundamentals FundamentalsResult
	FetchedAt    time.Time
}

// MarketData is the primary-provider port.
type MarketData interface {
	Quote(ctx context.Context, ticker string) (*Quote, error)
	DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error)
	Company(ctx context.Context, ticker string) (*Company, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// FundamentalsProvider is the secondary-provider port. The Source facade
// holds a rate-limiter admission before each call.
type FundamentalsProvider interface {
	Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error)
	Close() error
}

// Error types by failure class
const (
	ErrTypeNetwork     = "network"
	ErrTypeRateLimit   = "rate_limit"
	ErrTypeProvider    = "provider"
	ErrTypeBadSymbol   = "bad_symbol"
	ErrTypeBadResponse = "bad_response"
)

// ProviderError carries the provider, ticker, and failure class so retry
// policy can branch on Type without string matching.
type ProviderError struct {
	Provider string
	Ticker   string
	Type     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s [%s]: %s: %v", e.Provider, e.Ticker, e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s [%s]: %s", e.Provider, e.Ticker, e.Type, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewNetworkError(provider, ticker, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Ticker: ticker, Type: ErrTypeNetwork, Message: message, Err: err}
}

func NewRateLimitError(provider, ticker, message string) *ProviderError {
	return &ProviderError{Provider: provider, Ticker: ticker, Type: ErrTypeRateLimit, Message: message}
}

func NewProviderFailure(provider, ticker, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Ticker: ticker, Type: ErrTypeProvider, Message: message, Err: err}
}

func NewBadSymbolError(provider, ticker, message string) *ProviderError {
	return &ProviderError{Provider: provider, Ticker: ticker, Type: ErrTypeBadSymbol, Message: message}
}

func NewBadResponseError(provider, ticker, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Ticker: ticker, Type: ErrTypeBadResponse, Message: message, Err: err}
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Type == ErrTypeNetwork || pe.Type == ErrTypeRateLimit || pe.Type == ErrTypeProvider
	}
	return false
}

// NormalizeTicker uppercases and trims a ticker and maps common class-share
// spellings to the primary provider's format.
func NormalizeTicker(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	t = strings.TrimSuffix(t, ".US")
	t = strings.ReplaceAll(t, "-", ".")
	return t
}

// ValidateQuote rejects quotes the scanner must not act on. Fail closed.
func ValidateQuote(q *Quote) error {
	if q == nil {
		return fmt.Errorf("nil quote")
	}
	if q.Ticker == "" {
		return fmt.Errorf("quote missing ticker")
	}
	if q.Price <= 0 {
		return fmt.Errorf("quote for %s has non-positive price %v", q.Ticker, q.Price)
	}
	if q.Volume < 0 {
		return fmt.Errorf("quote for %s has negative volume", q.Ticker)
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("quote for %s missing timestamp", q.Ticker)
	}
	return nil
}
