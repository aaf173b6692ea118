package score

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/miraitrade/mirai-trade/internal/filter"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

// Price range kept by the day-trade scorer.
const (
	minScorePrice = 1000
	maxScorePrice = 3000
)

// trueRangeDays is the lookback for the ATR and volume averages.
const trueRangeDays = 5

// ScoreStocks ranks the latest-day snapshot of a short raw-quote window by
// ATR x volume x range ratio. Unlike ScoreUp it works on unenriched quotes,
// keeps only margin-eligible securities priced 1000-3000, and uses the
// gap-adjusted true range instead of the plain high-low range.
func ScoreStocks(quotes []quote.Quote, listings []quote.Listing, logger zerolog.Logger, topN int) ([]Candidate, error) {
	if len(quotes) == 0 {
		return nil, ErrEmptyUniverse
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	sections, err := filter.KeepTSESections(listings)
	if err != nil {
		return nil, err
	}
	byCode := quote.ListingsByCode(filter.KeepMarginable(sections))

	latest := quote.Day(quotes[0].Date)
	for _, q := range quotes {
		if d := quote.Day(q.Date); d.After(latest) {
			latest = d
		}
	}

	atrAvg, volAvg := trailingTrueRange(quotes)

	type scored struct {
		code  string
		name  string
		score float64
	}
	var merged []scored
	for _, q := range quotes {
		if !quote.Day(q.Date).Equal(latest) || !q.HasPrices() {
			continue
		}
		// Limit-up/limit-down closes carry no tradable signal.
		if q.UpperLimit == "1" || q.LowerLimit == "1" {
			continue
		}
		if q.Close < minScorePrice || q.Close > maxScorePrice {
			continue
		}
		l, ok := byCode[q.Code]
		if !ok {
			continue
		}
		if filter.ExcludedInstrument(q.Code, l.CompanyName) {
			continue
		}

		rangeRatio := (q.High - q.Low) / q.Low
		atr, volume := atrAvg[q.Code], volAvg[q.Code]
		s := atr * volume * rangeRatio
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		merged = append(merged, scored{code: q.Code, name: l.CompanyName, score: s})
	}

	logger.Info().Int("passed_filters", len(merged)).Msg("score_stocks universe filtered")

	scores := make([]float64, len(merged))
	for i, m := range merged {
		scores[i] = m.score
	}
	ranks := minRankDescending(scores)

	order := make([]int, len(merged))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return ranks[order[i]] < ranks[order[j]]
	})
	if len(order) > topN {
		order = order[:topN]
	}

	result := make([]Candidate, 0, len(order))
	for _, idx := range order {
		result = append(result, Candidate{
			Rank:        ranks[idx],
			Code:        merged[idx].code,
			CompanyName: merged[idx].name,
			Score:       merged[idx].score,
		})
	}
	return result, nil
}

// trailingTrueRange computes per security the mean gap-adjusted true range
// and mean volume over the last trueRangeDays observations. The first row of
// each security has no previous close, so its true range is undefined and
// skipped by the mean.
func trailingTrueRange(quotes []quote.Quote) (atrAvg, volAvg map[string]float64) {
	sorted := make([]quote.Quote, len(quotes))
	copy(sorted, quotes)
	quote.SortByCodeDate(sorted)

	atrAvg = make(map[string]float64)
	volAvg = make(map[string]float64)

	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Code == sorted[start].Code {
			end++
		}
		group := sorted[start:end]

		tr := make([]float64, len(group))
		for i := range group {
			if i == 0 {
				tr[i] = math.NaN()
				continue
			}
			prevClose := group[i-1].Close
			if math.IsNaN(prevClose) {
				tr[i] = math.NaN()
				continue
			}
			hl := group[i].High - group[i].Low
			hc := math.Abs(group[i].High - prevClose)
			lc := math.Abs(group[i].Low - prevClose)
			tr[i] = math.Max(hl, math.Max(hc, lc))
		}

		lo := len(group) - trueRangeDays
		if lo < 0 {
			lo = 0
		}
		trSum, trCount := 0.0, 0
		volSum, volCount := 0.0, 0
		for i := lo; i < len(group); i++ {
			if !math.IsNaN(tr[i]) {
				trSum += tr[i]
				trCount++
			}
			volSum += group[i].Volume
			volCount++
		}
		code := group[0].Code
		if trCount > 0 {
			atrAvg[code] = trSum / float64(trCount)
		} else {
			atrAvg[code] = math.NaN()
		}
		volAvg[code] = volSum / float64(volCount)

		start = end
	}
	return atrAvg, volAvg
}
