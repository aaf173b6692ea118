// Package export
package export

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/miraitrade/mirai-trade/internal/backtest"
	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
	"github.com/miraitrade/mirai-trade/internal/score"
	"github.com/miraitrade/mirai-trade/internal/search"
)

var priceHeader = []string{"Date", "Code", "Open", "High", "Low", "Close", "Volume"}

var derivedHeader = []string{
	"Date", "Code", "Open", "High", "Low", "Close", "Volume",
	"Vol_5", "Vol_20", "ATR_1", "ATR_5", "ATR_20", "Momentum_2", "PullUp",
}

// WritePriceCSV writes the raw OHLCV table.
func WritePriceCSV(path string, quotes []quote.Quote) error {
	rows := [][]string{priceHeader}
	for _, q := range quotes {
		rows = append(rows, []string{
			q.Date.Format("2006-01-02"), q.Code,
			cell(q.Open), cell(q.High), cell(q.Low), cell(q.Close), cell(q.Volume),
		})
	}
	return writeCSV(path, rows)
}

// ReadPriceCSV reads a raw OHLCV table written by WritePriceCSV.
func ReadPriceCSV(path string) ([]quote.Quote, error) {
	records, err := readCSV(path, priceHeader)
	if err != nil {
		return nil, err
	}
	quotes := make([]quote.Quote, 0, len(records))
	for i, rec := range records {
		d, err := quote.ParseDay(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: bad date %q: %w", path, i+2, rec[0], err)
		}
		quotes = append(quotes, quote.Quote{
			Date: d, Code: rec[1],
			Open: parseCell(rec[2]), High: parseCell(rec[3]),
			Low: parseCell(rec[4]), Close: parseCell(rec[5]),
			Volume: parseCell(rec[6]),
		})
	}
	return quotes, nil
}

// WriteDerivedCSV writes the derived-feature table. Missing indicator values
// are written as empty cells, not zeros.
func WriteDerivedCSV(path string, rows []indicator.Row) error {
	out := [][]string{derivedHeader}
	for _, r := range rows {
		out = append(out, []string{
			r.Date.Format("2006-01-02"), r.Code,
			cell(r.Open), cell(r.High), cell(r.Low), cell(r.Close), cell(r.Volume),
			cell(r.VolAvg5), cell(r.VolAvg20), cell(r.ATR1), cell(r.ATR5), cell(r.ATR20),
			cell(r.Momentum2), cell(r.PullUp),
		})
	}
	return writeCSV(path, out)
}

// ReadDerivedCSV reads a derived-feature table written by WriteDerivedCSV.
func ReadDerivedCSV(path string) ([]indicator.Row, error) {
	records, err := readCSV(path, derivedHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]indicator.Row, 0, len(records))
	for i, rec := range records {
		d, err := quote.ParseDay(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: bad date %q: %w", path, i+2, rec[0], err)
		}
		rows = append(rows, indicator.Row{
			Quote: quote.Quote{
				Date: d, Code: rec[1],
				Open: parseCell(rec[2]), High: parseCell(rec[3]),
				Low: parseCell(rec[4]), Close: parseCell(rec[5]),
				Volume: parseCell(rec[6]),
			},
			VolAvg5:   parseCell(rec[7]),
			VolAvg20:  parseCell(rec[8]),
			ATR1:      parseCell(rec[9]),
			ATR5:      parseCell(rec[10]),
			ATR20:     parseCell(rec[11]),
			Momentum2: parseCell(rec[12]),
			PullUp:    parseCell(rec[13]),
		})
	}
	return rows, nil
}

// WriteReturnsCSV writes the backtest daily-return series.
func WriteReturnsCSV(path string, returns []backtest.DailyReturn) error {
	rows := [][]string{{"Date", "Ret"}}
	for _, r := range returns {
		rows = append(rows, []string{r.Date.Format("2006-01-02"), formatFloat(r.Return)})
	}
	return writeCSV(path, rows)
}

// WriteEquityCSV writes the compounded equity curve of a return series.
func WriteEquityCSV(path string, returns []backtest.DailyReturn) error {
	rows := [][]string{{"Date", "Equity"}}
	equity := 1.0
	for _, r := range returns {
		equity *= 1 + r.Return
		rows = append(rows, []string{r.Date.Format("2006-01-02"), formatFloat(equity)})
	}
	return writeCSV(path, rows)
}

// WriteScoresCSV writes a ranked candidate table.
func WriteScoresCSV(path string, candidates []score.Candidate) error {
	rows := [][]string{{"Rank", "Code", "CompanyName", "Score"}}
	for _, c := range candidates {
		rows = append(rows, []string{
			strconv.Itoa(c.Rank), c.Code, c.CompanyName, formatFloat(c.Score),
		})
	}
	return writeCSV(path, rows)
}

// WriteSearchReport writes the human-readable parameter-search report: the
// best combination (or the absence of one) and the top-10 stage-B
// evaluations by Sharpe.
func WriteSearchReport(path string, rep *search.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintln(f, "### Param Search Report")
	if rep.Best != nil {
		fmt.Fprintf(f, "Best Params: %s\n\n", formatResult(*rep.Best))
	} else {
		fmt.Fprintf(f, "Best Params: none (no combination passed the thresholds)\n\n")
	}
	fmt.Fprintln(f, "Top 10 by Sharpe:")
	for _, r := range rep.TopBySharpe(10) {
		fmt.Fprintln(f, formatResult(r))
	}
	return nil
}

func formatResult(r search.Result) string {
	return fmt.Sprintf("a=%.2f b=%.2f c=%.2f d=%.2f top_n=%d mu=%.4f win_rate=%.4f sharpe=%.4f max_dd=%.4f",
		r.Coeffs.A, r.Coeffs.B, r.Coeffs.C, r.Coeffs.D, r.TopN,
		r.Metrics.Mu, r.Metrics.WinRate, r.Metrics.Sharpe, r.Metrics.MaxDrawdown)
}

// writeCSV saves rows to a CSV file, creating parent directories.
func writeCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return w.Error()
}

// readCSV loads a CSV file and verifies the expected header.
func readCSV(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	if len(records[0]) != len(header) {
		return nil, fmt.Errorf("%s: expected %d columns, got %d", path, len(header), len(records[0]))
	}
	for i, name := range header {
		if records[0][i] != name {
			return nil, fmt.Errorf("%s: expected column %q at position %d, got %q", path, name, i, records[0][i])
		}
	}
	return records[1:], nil
}

// cell formats a float for CSV output; NaN becomes an empty cell.
func cell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return formatFloat(v)
}

// parseCell parses a CSV cell; empty cells are missing values.
func parseCell(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
