// Package backtest
package backtest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/miraitrade/mirai-trade/internal/filter"
	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
	"github.com/miraitrade/mirai-trade/internal/score"
)

// ErrInsufficientData signals a simulated day whose basket return would be
// the mean of an empty set. That is distinct from a legitimate zero return
// and must not be silently substituted.
var ErrInsufficientData = errors.New("backtest: insufficient data")

// Config holds the simulation parameters.
type Config struct {
	// WindowDays is the number of trailing trading days to simulate.
	WindowDays int `yaml:"window_days"`
	// TradeCost is the flat per-day cost subtracted from the basket return.
	TradeCost float64 `yaml:"trade_cost"`
}

// DefaultConfig returns the 90-day, 5 bp simulation used by the optimizer.
func DefaultConfig() Config {
	return Config{WindowDays: 90, TradeCost: 0.0005}
}

// DailyReturn is one simulated day's basket return.
type DailyReturn struct {
	Date   time.Time `json:"date"`
	Return float64   `json:"return"`
}

// Run walks the trailing WindowDays trading days. Each day it scores the
// universe as of the prior close (never same-day data), takes the
// equal-weighted open-to-close return of the top-N picks minus the flat
// cost, and emits one DailyReturn. Output is ascending by date with one row
// per simulated day that had a valid predecessor day.
func Run(cfg Config, rows []indicator.Row, listings []quote.Listing, logger zerolog.Logger, coeffs score.Coefficients, topN int) ([]DailyReturn, error) {
	days := uniqueDays(rows)
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading dates in price table: %w", ErrInsufficientData)
	}

	tradeStart := len(days) - cfg.WindowDays
	if tradeStart < 0 {
		tradeStart = 0
	}

	filtered := filter.LiquidityVolatility(rows)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Date.Before(filtered[j].Date)
	})

	// Same-day open/close lookup for the simulated days.
	prices := make(map[time.Time]map[string]indicator.Row)
	for _, r := range filtered {
		d := quote.Day(r.Date)
		if prices[d] == nil {
			prices[d] = make(map[string]indicator.Row)
		}
		prices[d][r.Code] = r
	}

	var results []DailyReturn
	for i := tradeStart; i < len(days); i++ {
		if i == 0 {
			// No predecessor day: nothing to score against.
			continue
		}
		tradeDay := days[i]
		prevDay := days[i-1]

		// Information cutoff: everything at or before the previous day.
		cut := sort.Search(len(filtered), func(k int) bool {
			return quote.Day(filtered[k].Date).After(prevDay)
		})
		universe := filtered[:cut]
		if len(universe) == 0 {
			return nil, fmt.Errorf("empty universe before %s: %w",
				tradeDay.Format("2006-01-02"), ErrInsufficientData)
		}

		picks, err := score.ScoreUp(universe, listings, logger, coeffs, topN)
		if err != nil {
			return nil, fmt.Errorf("scoring universe before %s: %w",
				tradeDay.Format("2006-01-02"), err)
		}

		sum, count := 0.0, 0
		dayPrices := prices[tradeDay]
		for _, p := range picks {
			r, ok := dayPrices[p.Code]
			if !ok || math.IsNaN(r.Open) || math.IsNaN(r.Close) || r.Open == 0 {
				// Absent on the trade day: excluded from the average,
				// not a zero return.
				continue
			}
			sum += (r.Close - r.Open) / r.Open
			count++
		}
		if count == 0 {
			return nil, fmt.Errorf("no tradable picks on %s: %w",
				tradeDay.Format("2006-01-02"), ErrInsufficientData)
		}

		ret := round4(sum/float64(count) - cfg.TradeCost)
		results = append(results, DailyReturn{Date: tradeDay, Return: ret})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no simulatable days: %w", ErrInsufficientData)
	}

	logger.Debug().
		Int("days", len(results)).
		Float64("a", coeffs.A).Float64("b", coeffs.B).
		Float64("c", coeffs.C).Float64("d", coeffs.D).
		Int("top_n", topN).
		Msg("backtest completed")
	return results, nil
}

// uniqueDays collects the sorted distinct trading dates of the full,
// unfiltered table. The liquidity filter must not shrink the calendar.
func uniqueDays(rows []indicator.Row) []time.Time {
	seen := make(map[time.Time]struct{})
	var days []time.Time
	for _, r := range rows {
		d := quote.Day(r.Date)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
