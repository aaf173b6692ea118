package backtest

import "math"

// TradingDaysPerYear annualizes the Sharpe ratio.
const TradingDaysPerYear = 250

// Metrics are the summary statistics of a daily-return series, each rounded
// to 4 decimals.
type Metrics struct {
	Mu          float64 `json:"mu"`
	WinRate     float64 `json:"win_rate"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// CalcMetrics reduces a daily return series to mean return, win rate,
// annualized Sharpe ratio and maximum drawdown. Sharpe uses the population
// standard deviation and falls back to 0 when the deviation is exactly zero.
// Drawdown depends on the input being in simulation date order.
func CalcMetrics(returns []DailyReturn) Metrics {
	if len(returns) == 0 {
		return Metrics{}
	}

	n := float64(len(returns))
	mean, wins := 0.0, 0.0
	for _, r := range returns {
		mean += r.Return
		if r.Return > 0 {
			wins++
		}
	}
	mean /= n

	variance := 0.0
	for _, r := range returns {
		d := r.Return - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / n)

	sharpe := 0.0
	if sigma != 0 {
		sharpe = math.Sqrt(TradingDaysPerYear) * mean / sigma
	}

	// Max drawdown: worst cumulative-equity-to-running-peak ratio. The peak
	// starts at the first equity value, so a losing first day is not yet a
	// drawdown.
	equity, peak, maxDD := 1.0, 0.0, 0.0
	for _, r := range returns {
		equity *= 1 + r.Return
		if equity > peak {
			peak = equity
		}
		if dd := equity/peak - 1; dd < maxDD {
			maxDD = dd
		}
	}

	return Metrics{
		Mu:          round4(mean),
		WinRate:     round4(wins / n),
		Sharpe:      round4(sharpe),
		MaxDrawdown: round4(maxDD),
	}
}
