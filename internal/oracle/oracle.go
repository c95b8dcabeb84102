// Package oracle wraps the reasoning service that turns a scored
// opportunity into a trade decision. The wrapper never returns an
// error: transport failures, malformed responses, and an exhausted
// daily budget all degrade to a deterministic safe default (confidence
// 5, SKIP) so an oracle outage reads as "do nothing", not a crash.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"stockscout/internal/observ"
	"stockscout/internal/universe"
)

// Recommendation is the oracle's verdict on an opportunity.
type Recommendation string

const (
	Buy  Recommendation = "BUY"
	Skip Recommendation = "SKIP"
	Wait Recommendation = "WAIT"
)

// Decision is the strongly-typed oracle output. Confidence is always in
// 1..10 and Recommendation is always one of the three known verdicts by
// the time a Decision leaves this package.
type Decision struct {
	Ticker         string         `json:"ticker"`
	Confidence     int            `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Reasoning      string         `json:"reasoning"`
	Degraded       bool           `json:"degraded,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// PortfolioContext is the account state included in every prompt so the
// oracle judges the opportunity against what is already held.
type PortfolioContext struct {
	Value         float64
	Cash          float64
	OpenPositions int
	HeatPct       float64
	MaxHeatPct    float64
	DailyPnLPct   float64
}

// completionClient is the slice of the OpenAI client the oracle needs.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config controls the oracle client. Zero values take the defaults
// noted per field.
type Config struct {
	APIKey         string
	BaseURL        string // OpenAI-compatible endpoint, default api.openai.com
	Model          string // default gpt-4o-mini
	TimeoutSeconds int    // per-call deadline, default 30
	DailyBudget    int    // invocations per UTC day, default 100
	CacheDelta     float64 // composite-score move that invalidates a cached decision, default 5.0
}

type cachedDecision struct {
	decision        Decision
	scoreAtDecision float64
	expiresAt       time.Time
}

// Oracle is safe for concurrent use. The decision cache and the daily
// invocation budget share one lock; the network call runs outside it.
type Oracle struct {
	client     completionClient
	model      string
	timeout    time.Duration
	budget     int
	cacheDelta float64

	mu      sync.Mutex
	cache   map[string]cachedDecision
	used    int
	resetAt time.Time

	now func() time.Time
}

// New builds an oracle against an OpenAI-compatible chat-completions
// endpoint. The API key is required.
func New(cfg Config) (*Oracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newWithClient(openai.NewClientWithConfig(clientCfg), cfg), nil
}

func newWithClient(client completionClient, cfg Config) *Oracle {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.DailyBudget <= 0 {
		cfg.DailyBudget = 100
	}
	if cfg.CacheDelta <= 0 {
		cfg.CacheDelta = 5.0
	}
	now := time.Now
	return &Oracle{
		client:     client,
		model:      cfg.Model,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		budget:     cfg.DailyBudget,
		cacheDelta: cfg.CacheDelta,
		cache:      make(map[string]cachedDecision),
		resetAt:    nextMidnightUTC(now()),
		now:        now,
	}
}

// Decide returns the oracle's verdict on one opportunity. A cached
// decision is served as long as the composite score has not moved more
// than the configured delta since it was made; otherwise the service is
// invoked, subject to the daily budget.
func (o *Oracle) Decide(ctx context.Context, entry universe.Entry, pc PortfolioContext) Decision {
	now := o.now()

	o.mu.Lock()
	o.rolloverLocked(now)

	if cached, ok := o.cache[entry.Ticker]; ok && now.Before(cached.expiresAt) {
		if abs(entry.Score.Composite-cached.scoreAtDecision) <= o.cacheDelta {
			o.mu.Unlock()
			observ.IncCounter("oracle_cache_hits", nil)
			return cached.decision
		}
		delete(o.cache, entry.Ticker)
		observ.IncCounter("oracle_cache_invalidations", nil)
		observ.LogDebug("oracle_cache_invalidated", map[string]any{
			"ticker":    entry.Ticker,
			"was_score": cached.scoreAtDecision,
			"now_score": entry.Score.Composite,
		})
	}

	if o.used >= o.budget {
		o.mu.Unlock()
		observ.IncCounter("oracle_budget_exhausted", nil)
		return o.safeDefault(entry.Ticker, now, "daily oracle budget exhausted")
	}
	o.used++
	observ.SetGauge("oracle_budget_used", float64(o.used), nil)
	o.mu.Unlock()

	decision, err := o.invoke(ctx, entry, pc, now)
	if err != nil {
		observ.IncCounter("oracle_failures", nil)
		observ.LogError("oracle_degraded", err, map[string]any{"ticker": entry.Ticker})
		return o.safeDefault(entry.Ticker, now, err.Error())
	}

	o.mu.Lock()
	o.cache[entry.Ticker] = cachedDecision{
		decision:        decision,
		scoreAtDecision: entry.Score.Composite,
		expiresAt:       nextMidnightUTC(now),
	}
	o.mu.Unlock()

	observ.Log("oracle_decision", map[string]any{
		"ticker":         decision.Ticker,
		"confidence":     decision.Confidence,
		"recommendation": string(decision.Recommendation),
		"score":          entry.Score.Composite,
	})
	return decision
}

func (o *Oracle) invoke(ctx context.Context, entry universe.Entry, pc PortfolioContext, now time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(entry, pc)},
		},
	})
	observ.ObserveDuration("oracle_call", time.Since(start), nil)
	observ.IncCounter("oracle_calls_total", nil)
	if err != nil {
		return Decision{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("no response from openai")
	}

	decision, err := parseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		return Decision{}, err
	}
	decision.Ticker = entry.Ticker
	decision.DecidedAt = now
	return decision, nil
}

func (o *Oracle) safeDefault(ticker string, now time.Time, reason string) Decision {
	return Decision{
		Ticker:         ticker,
		Confidence:     5,
		Recommendation: Skip,
		Reasoning:      "oracle unavailable, defaulting to no action",
		Degraded:       true,
		Reason:         reason,
		DecidedAt:      now,
	}
}

// BudgetStatus reports today's invocation count, the ceiling, and when
// the counter resets.
func (o *Oracle) BudgetStatus() (used, limit int, resetAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolloverLocked(o.now())
	return o.used, o.budget, o.resetAt
}

// CacheSize reports how many decisions are currently cached.
func (o *Oracle) CacheSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}

func (o *Oracle) rolloverLocked(now time.Time) {
	if now.Before(o.resetAt) {
		return
	}
	o.used = 0
	o.resetAt = nextMidnightUTC(now)
	// Cached decisions expire with the day they were made.
	for ticker, cached := range o.cache {
		if !now.Before(cached.expiresAt) {
			delete(o.cache, ticker)
		}
	}
	observ.Log("oracle_budget_reset", map[string]any{"reset_at": o.resetAt.Format(time.RFC3339)})
}

func nextMidnightUTC(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
