// Package quote
package quote

import (
	"errors"
	"math"
	"sort"
	"time"
)

// Quote is one security's OHLCV for one trading day. Open/High/Low/Close may
// be NaN when the exchange reports no trade (halted or newly listed).
type Quote struct {
	Date       time.Time `json:"date"`
	Code       string    `json:"code"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	UpperLimit string    `json:"upper_limit"`
	LowerLimit string    `json:"lower_limit"`
}

// Listing is the per-security metadata row from the listed-info endpoint.
type Listing struct {
	Code        string `json:"code"`
	CompanyName string `json:"company_name"`
	MarketCode  string `json:"market_code"`
	MarginCode  string `json:"margin_code"`
}

// Validate checks if a quote has valid identity and price data
func (q *Quote) Validate() error {
	if q.Date.IsZero() {
		return errors.New("quote date is zero")
	}
	if q.Code == "" {
		return errors.New("quote code cannot be empty")
	}
	if !math.IsNaN(q.High) && !math.IsNaN(q.Low) && q.High < q.Low {
		return errors.New("quote high cannot be less than low")
	}
	if q.Volume < 0 {
		return errors.New("quote volume cannot be negative")
	}
	return nil
}

// HasPrices reports whether both open and close traded on the day.
func (q *Quote) HasPrices() bool {
	return !math.IsNaN(q.Open) && !math.IsNaN(q.Close)
}

// Day normalizes a timestamp to a UTC calendar date so dates compare and hash
// consistently across parsing paths.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD trading date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

// SortByCodeDate sorts quotes by security code, then date ascending.
func SortByCodeDate(quotes []Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].Code != quotes[j].Code {
			return quotes[i].Code < quotes[j].Code
		}
		return quotes[i].Date.Before(quotes[j].Date)
	})
}

// UniqueDates returns the sorted distinct trading dates present in quotes.
func UniqueDates(quotes []Quote) []time.Time {
	seen := make(map[time.Time]struct{})
	var dates []time.Time
	for _, q := range quotes {
		d := Day(q.Date)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// ListingsByCode builds a lookup table keyed by security code. Later rows win
// on duplicate codes.
func ListingsByCode(listings []Listing) map[string]Listing {
	m := make(map[string]Listing, len(listings))
	for _, l := range listings {
		m[l.Code] = l
	}
	return m
}
