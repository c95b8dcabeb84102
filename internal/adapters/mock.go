package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockMarketData provides deterministic market data for tests. Safe for
// concurrent use so scanner worker pools can share one instance.
type MockMarketData struct {
	mu        sync.Mutex
	quotes    map[string]*Quote
	bars      map[string][]Bar
	companies map[string]*Company
	errs      map[string]error
	healthOk  bool
	calls     map[string]int
}

// NewMockMarketData creates an empty mock. Seed it with SetQuote, SetBars,
// and SetCompany.
func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		quotes:    make(map[string]*Quote),
		bars:      make(map[string][]Bar),
		companies: make(map[string]*Company),
		errs:      make(map[string]error),
		healthOk:  true,
		calls:     make(map[string]int),
	}
}

// SetQuote seeds or replaces the quote for a ticker.
func (m *MockMarketData) SetQuote(q *Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Ticker] = q
}

// SeedTicker seeds a minimal consistent quote and company in one call.
func (m *MockMarketData) SeedTicker(ticker string, price float64, volume int64, marketCap float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[ticker] = &Quote{
		Ticker:    ticker,
		Price:     price,
		Volume:    volume,
		PrevClose: price,
		Timestamp: time.Now().UTC(),
		Source:    "mock",
	}
	m.companies[ticker] = &Company{
		Ticker:    ticker,
		Name:      ticker + " Inc",
		Exchange:  "XNAS",
		MarketCap: marketCap,
	}
}

// SetBars seeds daily bars for a ticker, oldest first.
func (m *MockMarketData) SetBars(ticker string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[ticker] = bars
}

// SetCompany seeds reference data for a ticker.
func (m *MockMarketData) SetCompany(c *Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[c.Ticker] = c
}

// FailWith forces every call for a ticker to return err until cleared with
// a nil err.
func (m *MockMarketData) FailWith(ticker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, ticker)
		return
	}
	m.errs[ticker] = err
}

// SetHealth controls HealthCheck results.
func (m *MockMarketData) SetHealth(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthOk = healthy
}

// Calls returns how many times the named method ran.
func (m *MockMarketData) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockMarketData) Quote(ctx context.Context, ticker string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Quote"]++
	if err, ok := m.errs[ticker]; ok {
		return nil, err
	}
	q, ok := m.quotes[ticker]
	if !ok {
		return nil, NewBadSymbolError("mock", ticker, "ticker not seeded")
	}
	copied := *q
	return &copied, nil
}

func (m *MockMarketData) DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DailyBars"]++
	if err, ok := m.errs[ticker]; ok {
		return nil, err
	}
	bars := m.bars[ticker]
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (m *MockMarketData) Company(ctx context.Context, ticker string) (*Company, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Company"]++
	if err, ok := m.errs[ticker]; ok {
		return nil, err
	}
	c, ok := m.companies[ticker]
	if !ok {
		return nil, NewBadSymbolError("mock", ticker, "ticker not seeded")
	}
	copied := *c
	return &copied, nil
}

func (m *MockMarketData) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthOk {
		return fmt.Errorf("mock market data unhealthy")
	}
	return nil
}

func (m *MockMarketData) Close() error { return nil }

// MockFundamentals provides deterministic fundamentals for tests, with
// per-ticker error injection and a call counter for retry assertions.
type MockFundamentals struct {
	mu       sync.Mutex
	data     map[string]*Fundamentals
	errs     map[string]error
	failures map[string]int
	calls    int
}

// NewMockFundamentals creates an empty mock. Seed with Set.
func NewMockFundamentals() *MockFundamentals {
	return &MockFundamentals{
		data:     make(map[string]*Fundamentals),
		errs:     make(map[string]error),
		failures: make(map[string]int),
	}
}

// Set seeds fundamentals for a ticker.
func (m *MockFundamentals) Set(ticker string, f Fundamentals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ticker] = &f
}

// FailWith forces calls for a ticker to return err.
func (m *MockFundamentals) FailWith(ticker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, ticker)
		return
	}
	m.errs[ticker] = err
}

// FailTimes makes the next n calls for a ticker fail with err, then succeed.
func (m *MockFundamentals) FailTimes(ticker string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[ticker] = err
	m.failures[ticker] = n
}

// Calls returns the total number of Fundamentals invocations.
func (m *MockFundamentals) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockFundamentals) Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err, ok := m.errs[ticker]; ok {
		if n, limited := m.failures[ticker]; limited {
			if n <= 0 {
				delete(m.errs, ticker)
				delete(m.failures, ticker)
			} else {
				m.failures[ticker] = n - 1
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	f, ok := m.data[ticker]
	if !ok {
		return nil, NewBadSymbolError("mock", ticker, "ticker not seeded")
	}
	copied := *f
	return &copied, nil
}

func (m *MockFundamentals) Close() error { return nil }
