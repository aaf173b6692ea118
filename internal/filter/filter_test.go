package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

func TestKeepTSESections(t *testing.T) {
	listings := []quote.Listing{
		{Code: "72030", CompanyName: "トヨタ自動車", MarketCode: "0111"},
		{Code: "67580", CompanyName: "ソニーグループ", MarketCode: "0112"},
		{Code: "40050", CompanyName: "住友化学", MarketCode: "0113"},
		{Code: "99840", CompanyName: "ソフトバンクグループ", MarketCode: "0109"},
	}

	kept, err := KeepTSESections(listings)
	require.NoError(t, err)
	require.Len(t, kept, 3)
	for _, l := range kept {
		assert.NotEqual(t, "0109", l.MarketCode)
	}
}

func TestKeepTSESectionsMissingMarketCode(t *testing.T) {
	listings := []quote.Listing{
		{Code: "72030", CompanyName: "トヨタ自動車", MarketCode: ""},
	}
	_, err := KeepTSESections(listings)
	assert.ErrorIs(t, err, ErrMissingMarketCode)
}

func TestKeepMarginable(t *testing.T) {
	listings := []quote.Listing{
		{Code: "72030", MarginCode: "1"},
		{Code: "67580", MarginCode: "2"},
		{Code: "40050", MarginCode: "3"},
		{Code: "99840", MarginCode: ""},
	}
	kept := KeepMarginable(listings)
	require.Len(t, kept, 2)
	assert.Equal(t, "72030", kept[0].Code)
	assert.Equal(t, "67580", kept[1].Code)
}

func TestLiquidityVolatility(t *testing.T) {
	row := func(volAvg20, atr20, close float64) indicator.Row {
		return indicator.Row{
			Quote:    quote.Quote{Code: "7203", Close: close},
			VolAvg20: volAvg20,
			ATR20:    atr20,
		}
	}

	tests := []struct {
		name string
		row  indicator.Row
		keep bool
	}{
		{"liquid and calm", row(600_000, 50, 1000), true},
		{"volume at threshold", row(500_000, 50, 1000), false},
		{"volume below threshold", row(400_000, 50, 1000), false},
		{"atr ratio at threshold", row(600_000, 80, 1000), false},
		{"atr ratio above threshold", row(600_000, 100, 1000), false},
		{"volume still warming up", row(math.NaN(), 50, 1000), false},
		{"atr still warming up", row(600_000, math.NaN(), 1000), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := LiquidityVolatility([]indicator.Row{tt.row})
			if tt.keep {
				assert.Len(t, out, 1)
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"72030", "7203"},
		{"7203", "7203"},
		{"218A0", "2180"},
		{"A218B0", "2180"},
		{"1A2", ""},
		{"", ""},
		{"ABCD", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}

func TestExcludedInstrument(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		company  string
		excluded bool
	}{
		{"plain equity", "72030", "トヨタ自動車", false},
		{"etf by code range 13xx", "13060", "TOPIX連動型上場投資信託", true},
		{"etf by code range 15xx", "15700", "日経平均レバレッジ上場投信", true},
		{"etf by code range 25xx", "25580", "MAXIS米国株式上場投信", true},
		{"etf by name marker", "99990", "NEXT FUNDS ETF", true},
		{"etn by name marker", "99990", "NEXT NOTES ETN", true},
		{"reit code and marker", "89510", "日本ビルファンド投資法人", true},
		{"reit code without marker", "89510", "Some Holdings", false},
		{"reit marker outside code range", "49970", "日本商業投資法人", false},
		{"short code matches nothing", "1A2", "投資法人", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.excluded, ExcludedInstrument(tt.code, tt.company))
		})
	}
}
