// Package score
package score

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/miraitrade/mirai-trade/internal/filter"
	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

// ErrEmptyUniverse signals that no rows were supplied to score, so there is
// no evaluation day to snapshot.
var ErrEmptyUniverse = errors.New("score: empty universe")

// DefaultTopN is the basket size used when the caller does not override it.
const DefaultTopN = 40

// Coefficients are the four tunable exponents of the composite score.
type Coefficients struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
	C float64 `yaml:"c"`
	D float64 `yaml:"d"`
}

// Candidate is one ranked security on the evaluation day. Rank is a min-rank:
// equal scores share the lowest rank number among them.
type Candidate struct {
	Rank        int     `json:"rank"`
	Code        string  `json:"code"`
	CompanyName string  `json:"company_name"`
	Score       float64 `json:"score"`
}

// spikeThreshold zeroes a row's indicator inputs when its single-day move is
// at least this large; extreme moves are unreliable momentum signals.
const spikeThreshold = 0.10

// ScoreUp ranks the latest-day snapshot of the derived table by the
// multiplicative momentum score
//
//	(VolAvg5/VolAvg20)^a * (ATR5/ATR20)^b * max(Momentum2,0)^c * PullUp^d
//
// and returns up to topN candidates sorted by ascending rank. The zero-fill,
// clip, spike-suppression sequence is order-sensitive and must not be
// rearranged.
func ScoreUp(rows []indicator.Row, listings []quote.Listing, logger zerolog.Logger, coeffs Coefficients, topN int) ([]Candidate, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyUniverse
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	sections, err := filter.KeepTSESections(listings)
	if err != nil {
		return nil, err
	}
	byCode := quote.ListingsByCode(sections)

	latest := latestDay(rows)
	// One-day returns need the per-security shift, so they are computed over
	// the whole table before snapshotting.
	oneDayRet := oneDayReturns(rows, latest)

	type scored struct {
		row   indicator.Row
		name  string
		score float64
	}
	var merged []scored
	for _, r := range rows {
		if !quote.Day(r.Date).Equal(latest) {
			continue
		}
		l, ok := byCode[r.Code]
		if !ok {
			continue
		}
		if filter.ExcludedInstrument(r.Code, l.CompanyName) {
			continue
		}

		// Fill missing indicators with a neutral zero contribution.
		v5 := zeroFill(r.VolAvg5)
		v20 := zeroFill(r.VolAvg20)
		a5 := zeroFill(r.ATR5)
		a20 := zeroFill(r.ATR20)
		m2 := zeroFill(r.Momentum2)
		pu := zeroFill(r.PullUp)

		// Negative momentum contributes zero through the clip.
		m2pos := m2
		if m2pos < 0 {
			m2pos = 0
		}

		if ret, ok := oneDayRet[r.Code]; ok && math.Abs(ret) >= spikeThreshold {
			v5, v20, a5, a20, pu = 0, 0, 0, 0, 0
		}

		s := math.Pow(v5/v20, coeffs.A) *
			math.Pow(a5/a20, coeffs.B) *
			math.Pow(m2pos, coeffs.C) *
			math.Pow(pu, coeffs.D)
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		merged = append(merged, scored{row: r, name: l.CompanyName, score: s})
	}

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
			Code:        merged[idx].row.Code,
			CompanyName: merged[idx].name,
			Score:       merged[idx].score,
		})
	}

	logger.Debug().
		Time("evaluation_day", latest).
		Int("scored", len(merged)).
		Int("picked", len(result)).
		Msg("score_up completed")
	return result, nil
}

// latestDay returns the most recent date present in the table.
func latestDay(rows []indicator.Row) time.Time {
	var latest time.Time
	for _, r := range rows {
		d := quote.Day(r.Date)
		if d.After(latest) {
			latest = d
		}
	}
	return latest
}

// oneDayReturns computes close-over-previous-close returns per security and
// returns the value landing on the evaluation day. Securities with no prior
// close (or a zero one) are absent from the map.
func oneDayReturns(rows []indicator.Row, day time.Time) map[string]float64 {
	grouped := make(map[string][]indicator.Row)
	for _, r := range rows {
		grouped[r.Code] = append(grouped[r.Code], r)
	}

	out := make(map[string]float64)
	for code, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Date.Before(group[j].Date)
		})
		for i := 1; i < len(group); i++ {
			if !quote.Day(group[i].Date).Equal(day) {
				continue
			}
			prev := group[i-1].Close
			cur := group[i].Close
			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				break
			}
			out[code] = (cur - prev) / prev
			break
		}
	}
	return out
}

// minRankDescending assigns dense "min" ranks over strictly descending score:
// each row's rank is one plus the number of strictly greater scores, so ties
// share the lowest rank number.
func minRankDescending(scores []float64) []int {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	ranks := make([]int, len(scores))
	for i, s := range scores {
		// First index with a score not greater than s.
		ranks[i] = sort.Search(len(sorted), func(j int) bool { return sorted[j] <= s }) + 1
	}
	return ranks
}

func zeroFill(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
