// Package search
package search

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/miraitrade/mirai-trade/internal/backtest"
	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/quote"
	"github.com/miraitrade/mirai-trade/internal/score"
)

// Grid defines the two-stage search space. Stage A fixes a=b=1 and sweeps
// (c, d, top_n); stage B fixes each coarse survivor's (c, d) and sweeps
// (a, b, top_n).
type Grid struct {
	CoarseC    []float64 `yaml:"coarse_c"`
	CoarseD    []float64 `yaml:"coarse_d"`
	CoarseTopN []int     `yaml:"coarse_top_n"`
	FineA      []float64 `yaml:"fine_a"`
	FineB      []float64 `yaml:"fine_b"`
	FineTopN   []int     `yaml:"fine_top_n"`
	Survivors  int       `yaml:"survivors"`
}

// DefaultGrid returns the canonical grid.
func DefaultGrid() Grid {
	return Grid{
		CoarseC:    []float64{0.6, 0.8, 1.0, 1.2, 1.4, 1.6, 1.8, 2.0, 2.4, 2.8},
		CoarseD:    []float64{0.4, 0.6, 0.8, 1.0, 1.2, 1.4, 1.6, 1.8},
		CoarseTopN: []int{10, 12, 15},
		FineA:      []float64{0.8, 0.9, 1.0, 1.1, 1.2},
		FineB:      []float64{0.8, 0.9, 1.0, 1.1, 1.2, 1.3, 1.4},
		FineTopN:   []int{10, 12},
		Survivors:  3,
	}
}

// Thresholds is the acceptance rule: every bound must hold for a combination
// to pass. MaxDrawdown is a negative bound (not worse than).
type Thresholds struct {
	Mu          float64 `yaml:"mu"`
	WinRate     float64 `yaml:"win_rate"`
	Sharpe      float64 `yaml:"sharpe"`
	MaxDrawdown float64 `yaml:"max_drawdown"`
}

// DefaultThresholds returns the production acceptance line.
func DefaultThresholds() Thresholds {
	return Thresholds{Mu: 0.05, WinRate: 0.55, Sharpe: 1.5, MaxDrawdown: -0.15}
}

// Result is one grid-cell evaluation.
type Result struct {
	Coeffs  score.Coefficients `json:"coeffs"`
	TopN    int                `json:"top_n"`
	Metrics backtest.Metrics   `json:"metrics"`
}

// Passes reports whether the evaluation meets every threshold.
func (r Result) Passes(t Thresholds) bool {
	return r.Metrics.Mu >= t.Mu &&
		r.Metrics.WinRate >= t.WinRate &&
		r.Metrics.Sharpe >= t.Sharpe &&
		r.Metrics.MaxDrawdown >= t.MaxDrawdown
}

// Report is the full outcome of a search. Best is nil when no combination
// passed the thresholds; that is a reportable result, not an error.
type Report struct {
	Best   *Result  `json:"best,omitempty"`
	Coarse []Result `json:"coarse"`
	Fine   []Result `json:"fine"`
}

// TopBySharpe returns the n best stage-B evaluations by descending Sharpe.
func (rep *Report) TopBySharpe(n int) []Result {
	top := make([]Result, len(rep.Fine))
	copy(top, rep.Fine)
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Metrics.Sharpe > top[j].Metrics.Sharpe
	})
	if len(top) > n {
		top = top[:n]
	}
	return top
}

// Options tunes the search execution.
type Options struct {
	Workers  int             `yaml:"workers"`
	Backtest backtest.Config `yaml:"backtest"`
}

// DefaultWorkers approximates the physical core count.
func DefaultWorkers() int {
	if w := runtime.NumCPU() / 2; w > 0 {
		return w
	}
	return 1
}

// Run executes the two-stage grid search. Grid cells are evaluated by a
// bounded worker pool; the reduction walks results in grid order, so the
// chosen best never depends on completion order. The price and listing
// tables are never mutated and are shared read-only across workers.
func Run(ctx context.Context, rows []indicator.Row, listings []quote.Listing, logger zerolog.Logger, grid Grid, thresholds Thresholds, opts Options) (*Report, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	btCfg := opts.Backtest
	if btCfg.WindowDays <= 0 {
		btCfg = backtest.DefaultConfig()
	}

	eval := func(coeffs score.Coefficients, topN int) (Result, error) {
		returns, err := backtest.Run(btCfg, rows, listings, logger, coeffs, topN)
		if err != nil {
			return Result{}, err
		}
		return Result{Coeffs: coeffs, TopN: topN, Metrics: backtest.CalcMetrics(returns)}, nil
	}

	// Stage A: coarse sweep over (c, d, top_n) with a=b=1.
	var coarseCells []cell
	for _, c := range grid.CoarseC {
		for _, d := range grid.CoarseD {
			for _, topN := range grid.CoarseTopN {
				coarseCells = append(coarseCells, cell{
					coeffs: score.Coefficients{A: 1, B: 1, C: c, D: d},
					topN:   topN,
				})
			}
		}
	}
	coarse, err := evalAll(ctx, coarseCells, workers, eval)
	if err != nil {
		return nil, fmt.Errorf("coarse stage: %w", err)
	}

	survivors := make([]Result, len(coarse))
	copy(survivors, coarse)
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Metrics.Sharpe > survivors[j].Metrics.Sharpe
	})
	if len(survivors) > grid.Survivors {
		survivors = survivors[:grid.Survivors]
	}
	for _, s := range survivors {
		logger.Info().
			Float64("c", s.Coeffs.C).Float64("d", s.Coeffs.D).
			Int("top_n", s.TopN).
			Float64("sharpe", s.Metrics.Sharpe).
			Msg("coarse survivor")
	}

	// Stage B: fine sweep over (a, b, top_n) for each survivor's (c, d).
	var fineCells []cell
	for _, s := range survivors {
		for _, a := range grid.FineA {
			for _, b := range grid.FineB {
				for _, topN := range grid.FineTopN {
					fineCells = append(fineCells, cell{
						coeffs: score.Coefficients{A: a, B: b, C: s.Coeffs.C, D: s.Coeffs.D},
						topN:   topN,
					})
				}
			}
		}
	}
	fine, err := evalAll(ctx, fineCells, workers, eval)
	if err != nil {
		return nil, fmt.Errorf("fine stage: %w", err)
	}

	rep := &Report{Coarse: coarse, Fine: fine}
	for i := range fine {
		if !fine[i].Passes(thresholds) {
			continue
		}
		if rep.Best == nil || fine[i].Metrics.Sharpe > rep.Best.Metrics.Sharpe {
			rep.Best = &fine[i]
			logger.Info().
				Float64("a", fine[i].Coeffs.A).Float64("b", fine[i].Coeffs.B).
				Float64("c", fine[i].Coeffs.C).Float64("d", fine[i].Coeffs.D).
				Int("top_n", fine[i].TopN).
				Float64("sharpe", fine[i].Metrics.Sharpe).
				Msg("new best combination")
		}
	}
	return rep, nil
}

type cell struct {
	coeffs score.Coefficients
	topN   int
}

// evalAll fans the cells out to a worker pool and returns results positioned
// by cell index, preserving grid order for the reduction.
func evalAll(ctx context.Context, cells []cell, workers int, eval func(score.Coefficients, int) (Result, error)) ([]Result, error) {
	results := make([]Result, len(cells))
	errs := make([]error, len(cells))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					errs[idx] = ctx.Err()
					continue
				}
				results[idx], errs[idx] = eval(cells[idx].coeffs, cells[idx].topN)
			}
		}()
	}
	for idx := range cells {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("grid cell %d (a=%.2f b=%.2f c=%.2f d=%.2f top_n=%d): %w",
				idx, cells[idx].coeffs.A, cells[idx].coeffs.B,
				cells[idx].coeffs.C, cells[idx].coeffs.D, cells[idx].topN, err)
		}
	}
	return results, nil
}
