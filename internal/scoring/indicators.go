package scoring

import "stockscout/internal/adapters"

// movingAverage returns the mean close of the last n bars.
func movingAverage(bars []adapters.Bar, n int) (float64, bool) {
	if n <= 0 || len(bars) < n {
		return 0, false
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Close
	}
	return sum / float64(n), true
}

// rsi14 computes a simple-average RSI over the last 14 close deltas. The
// oldest bar contributes a zero delta when it starts the window, so exactly
// 14 bars still produce a reading.
func rsi14(bars []adapters.Bar) (float64, bool) {
	const period = 14
	if len(bars) < period {
		return 0, false
	}

	var gain, loss float64
	for i := len(bars) - period; i < len(bars); i++ {
		var d float64
		if i > 0 {
			d = bars[i].Close - bars[i-1].Close
		}
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= period
	loss /= period

	if loss == 0 {
		if gain == 0 {
			return 0, false
		}
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// volumeAverages returns the mean volume of the last 5 and last 20 bars.
func volumeAverages(bars []adapters.Bar) (recent5, avg20 float64, ok bool) {
	if len(bars) < 20 {
		return 0, 0, false
	}
	for _, b := range bars[len(bars)-5:] {
		recent5 += float64(b.Volume)
	}
	for _, b := range bars[len(bars)-20:] {
		avg20 += float64(b.Volume)
	}
	return recent5 / 5, avg20 / 20, true
}

// momentum5d returns the percent return between the latest close and the
// close four bars earlier.
func momentum5d(bars []adapters.Bar) (float64, bool) {
	if len(bars) < 5 {
		return 0, false
	}
	base := bars[len(bars)-5].Close
	if base <= 0 {
		return 0, false
	}
	return (bars[len(bars)-1].Close/base - 1) * 100, true
}

// highestClose returns the maximum close over all bars, zero when there is
// no history.
func highestClose(bars []adapters.Bar) float64 {
	var high float64
	for _, b := range bars {
		if b.Close > high {
			high = b.Close
		}
	}
	return high
}
