// Package indicator
package indicator

import (
	"fmt"
	"math"

	"github.com/miraitrade/mirai-trade/internal/quote"
)

// Row is a quote enriched with the derived momentum/volatility features.
// Fields are NaN until enough per-security history exists; callers decide
// whether NaN means "skip" or "substitute zero".
type Row struct {
	quote.Quote
	VolAvg5   float64 `json:"vol_avg_5"`
	VolAvg20  float64 `json:"vol_avg_20"`
	ATR1      float64 `json:"atr_1"`
	ATR5      float64 `json:"atr_5"`
	ATR20     float64 `json:"atr_20"`
	Momentum2 float64 `json:"momentum_2"`
	PullUp    float64 `json:"pull_up"`
}

// Window rules for the rolling means. The 20-day windows tolerate a partial
// window once 10 observations exist.
const (
	shortWindow     = 5
	shortMinPeriods = 5
	longWindow      = 20
	longMinPeriods  = 10
)

// Enrich computes the derived feature columns for every quote, grouped per
// security and ordered by date ascending within each group. It is a pure
// transform: one output row per input quote, no rows dropped, input untouched.
func Enrich(quotes []quote.Quote) ([]Row, error) {
	for i := range quotes {
		if err := quotes[i].Validate(); err != nil {
			return nil, fmt.Errorf("enrich: invalid quote at index %d: %w", i, err)
		}
	}

	sorted := make([]quote.Quote, len(quotes))
	copy(sorted, quotes)
	quote.SortByCodeDate(sorted)

	rows := make([]Row, 0, len(sorted))
	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Code == sorted[start].Code {
			end++
		}
		rows = append(rows, enrichGroup(sorted[start:end])...)
		start = end
	}
	return rows, nil
}

// enrichGroup computes features for one security's date-ascending history.
func enrichGroup(group []quote.Quote) []Row {
	n := len(group)

	volumes := make([]float64, n)
	atr1 := make([]float64, n)
	for i, q := range group {
		volumes[i] = q.Volume
		atr1[i] = q.High - q.Low
	}

	volAvg5 := rollingMean(volumes, shortWindow, shortMinPeriods)
	volAvg20 := rollingMean(volumes, longWindow, longMinPeriods)
	atr5 := rollingMean(atr1, shortWindow, shortMinPeriods)
	atr20 := rollingMean(atr1, longWindow, longMinPeriods)

	rows := make([]Row, n)
	for i, q := range group {
		rows[i] = Row{
			Quote:     q,
			VolAvg5:   volAvg5[i],
			VolAvg20:  volAvg20[i],
			ATR1:      atr1[i],
			ATR5:      atr5[i],
			ATR20:     atr20[i],
			Momentum2: momentum2(group, i),
			PullUp:    pullUp(group, i),
		}
	}
	return rows
}

// momentum2 is the 2-day momentum (close[t-1]/close[t-2] - 1) rounded to 6
// decimals. Undefined until two prior closes exist or when close[t-2] is zero.
func momentum2(group []quote.Quote, i int) float64 {
	if i < 2 {
		return math.NaN()
	}
	c1, c2 := group[i-1].Close, group[i-2].Close
	if math.IsNaN(c1) || math.IsNaN(c2) || c2 == 0 {
		return math.NaN()
	}
	return round6(c1/c2 - 1)
}

// pullUp measures where the previous close sat within the previous day's
// high-low range, offset by 0.5. Undefined when the previous day's range is
// zero.
func pullUp(group []quote.Quote, i int) float64 {
	if i < 1 {
		return math.NaN()
	}
	h1, l1, c1 := group[i-1].High, group[i-1].Low, group[i-1].Close
	if math.IsNaN(h1) || math.IsNaN(l1) || math.IsNaN(c1) || h1 == l1 {
		return math.NaN()
	}
	return round6((c1-l1)/(h1-l1) + 0.5)
}

// rollingMean returns the trailing mean over a window of up to `window`
// observations. The result at index i is NaN until at least minPeriods
// non-NaN observations are inside the window; NaN inputs are skipped.
func rollingMean(vals []float64, window, minPeriods int) []float64 {
	out := make([]float64, len(vals))
	for i := range vals {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		sum, count := 0.0, 0
		for j := lo; j <= i; j++ {
			if math.IsNaN(vals[j]) {
				continue
			}
			sum += vals[j]
			count++
		}
		if count < minPeriods {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(count)
		}
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
