// Package filter
package filter

import (
	"errors"
	"regexp"
	"strings"

	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

// ErrMissingMarketCode signals a data-shape problem: the listing table was
// supplied without market segment codes.
var ErrMissingMarketCode = errors.New("listing record has no market code")

// TSE Prime / Standard / Growth segment codes.
var tseMarketCodes = map[string]struct{}{
	"0111": {},
	"0112": {},
	"0113": {},
}

// Liquidity/volatility cutoffs applied before backtesting.
const (
	minVolAvg20 = 500_000
	maxATRRatio = 0.08
)

// Margin eligibility codes considered tradable on credit.
var marginCodes = map[string]struct{}{
	"1": {},
	"2": {},
}

// ETF/ETN and REIT 4-digit code range patterns.
var (
	patETF  = regexp.MustCompile(`^(1[3-8]\d{2}|15\d{2}|20\d{2}|2[5-9]\d{2})$`)
	patREIT = regexp.MustCompile(`^(3\d{3}|8\d{3}|92\d{2}|34[5-9]\d)$`)
)

// KeepTSESections keeps only listings whose market segment is Prime, Standard
// or Growth. A listing without a market code is a data-shape error, not a
// silent drop.
func KeepTSESections(listings []quote.Listing) ([]quote.Listing, error) {
	out := make([]quote.Listing, 0, len(listings))
	for _, l := range listings {
		if l.MarketCode == "" {
			return nil, ErrMissingMarketCode
		}
		if _, ok := tseMarketCodes[l.MarketCode]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// KeepMarginable keeps only listings eligible for margin trading.
func KeepMarginable(listings []quote.Listing) []quote.Listing {
	out := make([]quote.Listing, 0, len(listings))
	for _, l := range listings {
		if _, ok := marginCodes[l.MarginCode]; ok {
			out = append(out, l)
		}
	}
	return out
}

// LiquidityVolatility keeps rows with a 20-day average volume above 500k
// shares and a 20-day ATR below 8% of the close. Rows whose rolling fields
// are still NaN fail both comparisons and are excluded.
func LiquidityVolatility(rows []indicator.Row) []indicator.Row {
	out := make([]indicator.Row, 0, len(rows))
	for _, r := range rows {
		if r.VolAvg20 > minVolAvg20 && r.ATR20/r.Close < maxATRRatio {
			out = append(out, r)
		}
	}
	return out
}

// NormalizeCode extracts all digits from a security code and returns the
// first four. Codes with fewer than four digits normalize to the empty
// string, which matches no range pattern.
func NormalizeCode(code string) string {
	var digits []byte
	for i := 0; i < len(code); i++ {
		if code[i] >= '0' && code[i] <= '9' {
			digits = append(digits, code[i])
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[:4])
}

// ExcludedInstrument reports whether a security is an ETF/ETN or a REIT and
// should be dropped from the momentum universe. ETFs match by code range or
// by an ETF/ETN marker in the name; REITs must match both the code range and
// the investment-corporation marker.
func ExcludedInstrument(code, companyName string) bool {
	code4 := NormalizeCode(code)
	upper := strings.ToUpper(companyName)
	isETF := patETF.MatchString(code4) ||
		strings.Contains(upper, "ETF") || strings.Contains(upper, "ETN")
	isREIT := patREIT.MatchString(code4) && strings.Contains(companyName, "投資法人")
	return isETF || isREIT
}
