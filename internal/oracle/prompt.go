package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"stockscout/internal/universe"
)

const systemPrompt = `You are a disciplined swing-trading analyst. You are given one
scored stock opportunity and the current portfolio state. Judge whether opening the
position now is justified. Be conservative: when in doubt, do not buy.

Respond with a JSON object only, no prose around it:
{"confidence": <integer 1-10>, "recommendation": "BUY"|"SKIP"|"WAIT", "reasoning": "<one or two sentences>"}`

// buildPrompt renders the opportunity and portfolio context into the user
// message. Kept compact: the oracle needs the numbers, not a narrative.
func buildPrompt(entry universe.Entry, pc PortfolioContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Opportunity: %s (%s, %s-graded %s)\n",
		entry.Ticker, entry.Sector, entry.Score.Grade, entry.Score.StockType)
	fmt.Fprintf(&b, "Composite score %.1f (fundamental %.0f, technical %.0f, risk/reward %.0f, timing %.0f)\n",
		entry.Score.Composite, entry.Score.Fundamental, entry.Score.Technical,
		entry.Score.RiskReward, entry.Score.Timing)
	if entry.Score.Degraded {
		b.WriteString("Fundamental data was unavailable; that sub-score is a neutral placeholder.\n")
	}
	fmt.Fprintf(&b, "Plan: entry %.2f, stop %.2f, target %.2f (R/R %.2f)\n",
		entry.Plan.Entry, entry.Plan.Stop, entry.Plan.Target, entry.Plan.RiskReward)
	fmt.Fprintf(&b, "Portfolio: value %.0f, cash %.0f, %d open positions, heat %.2f%% of %.2f%% ceiling, today's realized P/L %.2f%%\n",
		pc.Value, pc.Cash, pc.OpenPositions, pc.HeatPct, pc.MaxHeatPct, pc.DailyPnLPct)
	return b.String()
}

// rawDecision is the loosely-typed wire shape. Confidence is captured as
// a json.Number so an integer or a float both coerce cleanly below.
type rawDecision struct {
	Confidence     json.Number `json:"confidence"`
	Recommendation string      `json:"recommendation"`
	Reasoning      string      `json:"reasoning"`
}

// parseDecision validates the model output into a Decision. Confidence is
// clamped to 1..10 and an unrecognized recommendation reads as SKIP, so a
// sloppy response can loosen nothing.
func parseDecision(content string) (Decision, error) {
	payload := extractJSON(content)
	if payload == "" {
		return Decision{}, fmt.Errorf("no JSON object in oracle response")
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Decision{}, fmt.Errorf("malformed oracle response: %w", err)
	}

	conf, err := raw.Confidence.Int64()
	if err != nil {
		if f, ferr := raw.Confidence.Float64(); ferr == nil {
			conf = int64(f)
		} else {
			return Decision{}, fmt.Errorf("oracle confidence %q is not numeric", raw.Confidence)
		}
	}
	if conf < 1 {
		conf = 1
	}
	if conf > 10 {
		conf = 10
	}

	rec := Recommendation(strings.ToUpper(strings.TrimSpace(raw.Recommendation)))
	switch rec {
	case Buy, Skip, Wait:
	default:
		rec = Skip
	}

	return Decision{
		Confidence:     int(conf),
		Recommendation: rec,
		Reasoning:      strings.TrimSpace(raw.Reasoning),
	}, nil
}

// extractJSON pulls the first JSON object out of a response that may wrap
// it in markdown fences or stray prose.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
