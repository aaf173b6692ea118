package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miraitrade/mirai-trade/internal/quote"
)

func day(n int) time.Time {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func mkQuote(code string, n int, open, high, low, close, volume float64) quote.Quote {
	return quote.Quote{
		Date: day(n), Code: code,
		Open: open, High: high, Low: low, Close: close, Volume: volume,
	}
}

func TestEnrichRollingVolume(t *testing.T) {
	var quotes []quote.Quote
	for i := 0; i < 25; i++ {
		v := float64((i + 1) * 100)
		quotes = append(quotes, mkQuote("7203", i, 100, 101, 99, 100, v))
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)
	require.Len(t, rows, 25)

	// Undefined until 5 observations exist.
	for i := 0; i < 4; i++ {
		assert.True(t, math.IsNaN(rows[i].VolAvg5), "index %d", i)
	}
	// Mean of trailing 5 volumes once the window is full.
	for i := 4; i < 25; i++ {
		want := 0.0
		for j := i - 4; j <= i; j++ {
			want += float64((j + 1) * 100)
		}
		want /= 5
		assert.InDelta(t, want, rows[i].VolAvg5, 1e-9, "index %d", i)
	}

	// 20-day mean tolerates a partial window from 10 observations.
	for i := 0; i < 9; i++ {
		assert.True(t, math.IsNaN(rows[i].VolAvg20), "index %d", i)
	}
	// At index 9 the partial window covers observations 0..9.
	assert.InDelta(t, 550, rows[9].VolAvg20, 1e-9)
	// At index 24 the window is the full trailing 20.
	want := 0.0
	for j := 5; j <= 24; j++ {
		want += float64((j + 1) * 100)
	}
	assert.InDelta(t, want/20, rows[24].VolAvg20, 1e-9)
}

func TestEnrichATR(t *testing.T) {
	var quotes []quote.Quote
	for i := 0; i < 12; i++ {
		high := 105 + float64(i)
		quotes = append(quotes, mkQuote("7203", i, 100, high, 100, 102, 1000))
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)

	for i, r := range rows {
		assert.InDelta(t, 5+float64(i), r.ATR1, 1e-9, "atr_1 at %d", i)
	}
	assert.True(t, math.IsNaN(rows[3].ATR5))
	// Trailing mean of ATR1 over 5 days: indices 0..4 -> (5+6+7+8+9)/5.
	assert.InDelta(t, 7, rows[4].ATR5, 1e-9)
	assert.True(t, math.IsNaN(rows[8].ATR20))
	// Partial 20-day window from 10 observations: (5+...+14)/10.
	assert.InDelta(t, 9.5, rows[9].ATR20, 1e-9)
}

func TestEnrichMomentum2(t *testing.T) {
	quotes := []quote.Quote{
		mkQuote("7203", 0, 100, 101, 99, 100, 1000),
		mkQuote("7203", 1, 100, 101, 99, 110, 1000),
		mkQuote("7203", 2, 100, 101, 99, 121, 1000),
		mkQuote("7203", 3, 100, 101, 99, 121, 1000),
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(rows[0].Momentum2))
	assert.True(t, math.IsNaN(rows[1].Momentum2))
	// close[t-1]/close[t-2] - 1 = 110/100 - 1
	assert.InDelta(t, 0.1, rows[2].Momentum2, 1e-9)
	assert.InDelta(t, 0.1, rows[3].Momentum2, 1e-9)
}

func TestEnrichMomentum2ZeroClose(t *testing.T) {
	// A zero close two days back must surface as missing, not as a panic or
	// an infinite value.
	quotes := []quote.Quote{
		mkQuote("9999", 0, 1, 2, 0.5, 0, 1000),
		mkQuote("9999", 1, 1, 2, 0.5, 0, 1000),
		mkQuote("9999", 2, 1, 2, 0.5, 1, 1000),
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(rows[2].Momentum2))
}

func TestEnrichPullUp(t *testing.T) {
	quotes := []quote.Quote{
		mkQuote("7203", 0, 100, 110, 90, 105, 1000),
		mkQuote("7203", 1, 100, 110, 90, 100, 1000),
		mkQuote("7203", 2, 100, 100, 100, 100, 1000), // flat range
		mkQuote("7203", 3, 100, 110, 90, 100, 1000),
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(rows[0].PullUp))
	// (105-90)/(110-90) + 0.5 = 1.25
	assert.InDelta(t, 1.25, rows[1].PullUp, 1e-9)
	// (100-90)/(110-90) + 0.5 = 1.0
	assert.InDelta(t, 1.0, rows[2].PullUp, 1e-9)
	// Previous day's range is zero: missing, not an error.
	assert.True(t, math.IsNaN(rows[3].PullUp))
}

func TestEnrichRoundsToSixDecimals(t *testing.T) {
	quotes := []quote.Quote{
		mkQuote("7203", 0, 100, 101, 99, 3, 1000),
		mkQuote("7203", 1, 100, 101, 99, 1, 1000),
		mkQuote("7203", 2, 100, 101, 99, 1, 1000),
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)
	// 1/3 - 1 = -0.666667 after rounding.
	assert.Equal(t, -0.666667, rows[2].Momentum2)
}

func TestEnrichGroupsPerSecurity(t *testing.T) {
	// Interleave two securities; the shift columns must never cross codes.
	var quotes []quote.Quote
	for i := 0; i < 3; i++ {
		quotes = append(quotes,
			mkQuote("7203", i, 100, 101, 99, 100+float64(i), 1000),
			mkQuote("6758", i, 200, 202, 198, 200+float64(10*i), 2000),
		)
	}

	rows, err := Enrich(quotes)
	require.NoError(t, err)
	require.Len(t, rows, 6)

	byCode := make(map[string][]Row)
	for _, r := range rows {
		byCode[r.Code] = append(byCode[r.Code], r)
	}
	// 201/200 - 1 vs 210/200 - 1: distinct momentum per group.
	assert.InDelta(t, 0.01, byCode["7203"][2].Momentum2, 1e-9)
	assert.InDelta(t, 0.05, byCode["6758"][2].Momentum2, 1e-9)
}

func TestEnrichDeterministic(t *testing.T) {
	var quotes []quote.Quote
	for i := 0; i < 10; i++ {
		quotes = append(quotes, mkQuote("7203", i, 100, 110, 95, 100+float64(i), 1000))
	}

	first, err := Enrich(quotes)
	require.NoError(t, err)
	second, err := Enrich(quotes)
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].Code, second[i].Code)
		assertSameFloat(t, first[i].Momentum2, second[i].Momentum2)
		assertSameFloat(t, first[i].PullUp, second[i].PullUp)
	}
}

func TestEnrichRejectsMalformedInput(t *testing.T) {
	quotes := []quote.Quote{{Date: day(0), Code: ""}}
	_, err := Enrich(quotes)
	assert.Error(t, err)
}

func assertSameFloat(t *testing.T, a, b float64) {
	t.Helper()
	if math.IsNaN(a) {
		assert.True(t, math.IsNaN(b))
		return
	}
	assert.Equal(t, a, b)
}
