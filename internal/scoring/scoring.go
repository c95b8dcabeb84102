// Package scoring ranks stocks 0-100 from fundamental, technical,
// risk/reward, and timing factors. All functions are pure so results are
// reproducible from a snapshot alone.
package scoring

import (
	"math"
	"strings"

	"stockscout/internal/adapters"
)

// Composite weights. Tier thresholds are calibrated against these, so they
// are fixed rather than configurable.
const (
	weightFundamental = 0.40
	weightTechnical   = 0.30
	weightRiskReward  = 0.20
	weightTiming      = 0.10
)

// neutralScore is the sub-score assigned when a factor has no data to
// judge. Missing data must never read as conviction in either direction.
const neutralScore = 50.0

// StockType selects which fundamental rubric applies.
type StockType string

const (
	TypeGrowth    StockType = "Growth"
	TypeValue     StockType = "Value"
	TypeFinancial StockType = "Financial"
	TypeCyclical  StockType = "Cyclical"
)

// Score is the full scoring result for one ticker.
type Score struct {
	Ticker      string    `json:"ticker"`
	Composite   float64   `json:"composite"`
	Fundamental float64   `json:"fundamental"`
	Technical   float64   `json:"technical"`
	RiskReward  float64   `json:"risk_reward"`
	Timing      float64   `json:"timing"`
	Grade       string    `json:"grade"`
	StockType   StockType `json:"stock_type"`
	Degraded    bool      `json:"degraded"`
}

// Evaluate scores one snapshot. Sub-scores are bounded to [0,100]; the
// composite is their weighted sum rounded to one decimal.
func Evaluate(snap *adapters.Snapshot) Score {
	f := snap.Fundamentals.Fundamentals
	degraded := snap.Fundamentals.Degraded
	stockType := Classify(snap.Sector, f)

	fundamental := neutralScore
	if !degraded {
		fundamental = scoreFundamentals(f, stockType)
	}
	technical := scoreTechnicals(snap.Bars, snap.Price)
	riskReward := scoreRiskReward(snap.Bars, snap.Price, f.Beta, degraded)
	timing := scoreTiming(snap.Bars, snap.MarketCap)

	composite := weightFundamental*fundamental +
		weightTechnical*technical +
		weightRiskReward*riskReward +
		weightTiming*timing

	return Score{
		Ticker:      snap.Ticker,
		Composite:   math.Round(composite*10) / 10,
		Fundamental: fundamental,
		Technical:   technical,
		RiskReward:  riskReward,
		Timing:      timing,
		Grade:       Grade(composite),
		StockType:   stockType,
		Degraded:    degraded,
	}
}

// Classify picks the rubric for a stock. Financials classify by sector;
// the rest split on growth rate and valuation.
func Classify(sector string, f adapters.Fundamentals) StockType {
	s := strings.ToLower(sector)
	switch {
	case strings.Contains(s, "financ") || strings.Contains(s, "bank"):
		return TypeFinancial
	case f.RevenueGrowth > 15 && f.PERatio > 25:
		return TypeGrowth
	case f.PERatio > 0 && f.PERatio < 15:
		return TypeValue
	default:
		return TypeCyclical
	}
}

// Grade converts a composite score to a letter grade.
func Grade(score float64) string {
	switch {
	case score >= 85:
		return "A"
	case score >= 75:
		return "B"
	case score >= 65:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

func scoreFundamentals(f adapters.Fundamentals, stockType StockType) float64 {
	var score float64

	switch stockType {
	case TypeGrowth:
		switch {
		case f.RevenueGrowth >= 25:
			score += 30
		case f.RevenueGrowth >= 15:
			score += 20
		case f.RevenueGrowth >= 10:
			score += 10
		}
		switch {
		case f.ROE >= 20:
			score += 30
		case f.ROE >= 15:
			score += 20
		case f.ROE >= 10:
			score += 10
		}
		switch {
		case f.ProfitMargin >= 20:
			score += 20
		case f.ProfitMargin >= 10:
			score += 10
		}
		switch {
		case f.PERatio > 0 && f.PERatio < 30:
			score += 20
		case f.PERatio >= 30 && f.PERatio < 50:
			score += 10
		}

	case TypeValue:
		switch {
		case f.PERatio > 0 && f.PERatio < 12:
			score += 40
		case f.PERatio >= 12 && f.PERatio < 15:
			score += 30
		case f.PERatio >= 15 && f.PERatio < 20:
			score += 15
		}
		switch {
		case f.ROE >= 15:
			score += 30
		case f.ROE >= 10:
			score += 20
		}
		switch {
		case f.DebtToEquity < 0.5:
			score += 30
		case f.DebtToEquity < 1.0:
			score += 20
		case f.DebtToEquity < 1.5:
			score += 10
		}

	case TypeFinancial:
		switch {
		case f.ROE >= 15:
			score += 50
		case f.ROE >= 12:
			score += 40
		case f.ROE >= 10:
			score += 25
		}
		switch {
		case f.PERatio > 0 && f.PERatio < 10:
			score += 30
		case f.PERatio >= 10 && f.PERatio < 12:
			score += 20
		}
		switch {
		case f.DividendYield >= 3:
			score += 20
		case f.DividendYield >= 2:
			score += 10
		}

	default: // Cyclical
		switch {
		case f.CurrentRatio >= 2:
			score += 40
		case f.CurrentRatio >= 1.5:
			score += 30
		case f.CurrentRatio >= 1.0:
			score += 15
		}
		switch {
		case f.PERatio > 0 && f.PERatio < 15:
			score += 30
		case f.PERatio >= 15 && f.PERatio < 20:
			score += 20
		}
		switch {
		case f.ProfitMargin >= 10:
			score += 30
		case f.ProfitMargin >= 5:
			score += 15
		}
	}

	return math.Min(100, score)
}

func scoreTechnicals(bars []adapters.Bar, price float64) float64 {
	if len(bars) == 0 {
		return neutralScore
	}

	var score float64

	if ma50, ok := movingAverage(bars, 50); ok {
		switch {
		case price > ma50*1.02:
			score += 20
		case price > ma50*0.98:
			score += 10
		}
	}
	if ma200, ok := movingAverage(bars, 200); ok {
		switch {
		case price > ma200:
			score += 20
		case price > ma200*0.95:
			score += 10
		}
	}

	if rsi, ok := rsi14(bars); ok {
		switch {
		case rsi >= 25 && rsi <= 35:
			score += 30
		case rsi > 35 && rsi <= 45:
			score += 20
		case rsi > 45 && rsi <= 55:
			score += 15
		case rsi > 55 && rsi <= 70:
			score += 10
		}
	}

	if recent5, avg20, ok := volumeAverages(bars); ok {
		switch {
		case recent5 > avg20*1.5:
			score += 30
		case recent5 > avg20*1.2:
			score += 20
		case recent5 > avg20:
			score += 10
		}
	}

	return math.Min(100, score)
}

func scoreRiskReward(bars []adapters.Bar, price, beta float64, degraded bool) float64 {
	if len(bars) == 0 && degraded {
		return neutralScore
	}

	var score float64

	if high := highestClose(bars); high > 0 {
		pctFromHigh := (high - price) / high * 100
		switch {
		case pctFromHigh >= 30:
			score += 50
		case pctFromHigh >= 20:
			score += 40
		case pctFromHigh >= 10:
			score += 25
		case pctFromHigh <= 5:
			score += 10
		}
	}

	switch {
	case beta < 0.8:
		score += 50
	case beta < 1.0:
		score += 40
	case beta < 1.2:
		score += 30
	case beta < 1.5:
		score += 15
	}

	return math.Min(100, score)
}

func scoreTiming(bars []adapters.Bar, marketCap float64) float64 {
	if len(bars) == 0 {
		return neutralScore
	}

	score := neutralScore

	if ret, ok := momentum5d(bars); ok {
		switch {
		case ret >= -5 && ret <= -2:
			score += 30
		case ret >= -10 && ret < -5:
			score += 20
		case ret > 5:
			score += 10
		case ret < -15:
			score -= 20
		}
	}

	switch {
	case marketCap > 100e9:
		score += 20
	case marketCap > 10e9:
		score += 15
	case marketCap > 2e9:
		score += 10
	}

	return math.Max(0, math.Min(100, score))
}
