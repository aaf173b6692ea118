package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/miraitrade/mirai-trade/internal/backtest"
	"github.com/miraitrade/mirai-trade/internal/config"
	"github.com/miraitrade/mirai-trade/internal/db"
	"github.com/miraitrade/mirai-trade/internal/export"
	"github.com/miraitrade/mirai-trade/internal/indicator"
	"github.com/miraitrade/mirai-trade/internal/jquants"
	"github.com/miraitrade/mirai-trade/internal/quote"
	"github.com/miraitrade/mirai-trade/internal/score"
	"github.com/miraitrade/mirai-trade/internal/search"
)

// scoreWindowDays is the raw-quote window the day-trade scorer needs: the
// evaluation day plus enough history for the 5-day trailing averages.
const scoreWindowDays = 6

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var configPath string

	root := &cobra.Command{
		Use:           "mirai-trade",
		Short:         "Momentum scoring and backtesting for Japanese equities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to YAML config file")

	root.AddCommand(fetchCmd(ctx, &configPath))
	root.AddCommand(deriveCmd(&configPath))
	root.AddCommand(scoreCmd(ctx, &configPath))
	root.AddCommand(backtestCmd(ctx, &configPath))
	root.AddCommand(searchCmd(ctx, &configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger every subcommand shares.
func setup(configPath string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// newLogger writes to the console and to a date-stamped file in the
// configured log directory.
func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("mirai_trade_%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).With().Timestamp().Logger()
	return logger, nil
}

// openStorage connects to Postgres when the config names a host; otherwise
// the pipeline runs purely on flat files.
func openStorage(ctx context.Context, cfg config.Config, logger zerolog.Logger) (db.Storage, error) {
	connStr := cfg.Database.ConnStr()
	if connStr == "" {
		return nil, nil
	}
	storage, err := db.NewPostgres(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.Name).Msg("connected to PostgreSQL")
	return storage, nil
}

// loadListings prefers the stored listing table and falls back to the API,
// persisting what it fetched for the next run.
func loadListings(ctx context.Context, cfg config.Config, storage db.Storage, logger zerolog.Logger) ([]quote.Listing, error) {
	if storage != nil {
		listings, err := storage.GetListings(ctx)
		if err != nil {
			return nil, err
		}
		if len(listings) > 0 {
			logger.Info().Int("rows", len(listings)).Msg("loaded listings from storage")
			return listings, nil
		}
	}

	client := jquants.New(cfg.JQuants, logger)
	if err := client.Authenticate(ctx); err != nil {
		return nil, err
	}
	listings, err := client.ListedInfo(ctx)
	if err != nil {
		return nil, err
	}
	if storage != nil {
		if err := storage.SaveListings(ctx, listings); err != nil {
			return nil, err
		}
	}
	return listings, nil
}

func fetchCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch OHLCV and listing data for the backtest window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			storage, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if storage != nil {
				defer storage.Close()
			}

			client := jquants.New(cfg.JQuants, logger)
			if err := client.Authenticate(ctx); err != nil {
				return err
			}

			days, err := client.LatestTradingDays(ctx, cfg.Data.FetchDays)
			if err != nil {
				return err
			}

			var all []quote.Quote
			for _, day := range days {
				quotes, err := client.DailyQuotes(ctx, day)
				if err != nil {
					return err
				}
				all = append(all, quotes...)
			}

			listings, err := client.ListedInfo(ctx)
			if err != nil {
				return err
			}

			if storage != nil {
				if err := storage.SaveQuotes(ctx, all); err != nil {
					return err
				}
				if err := storage.SaveListings(ctx, listings); err != nil {
					return err
				}
			}
			if err := export.WritePriceCSV(cfg.Data.PriceCSV, all); err != nil {
				return err
			}
			logger.Info().Int("rows", len(all)).Str("path", cfg.Data.PriceCSV).Msg("saved OHLCV")
			return nil
		},
	}
}

func deriveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "derive",
		Short: "Add derived indicator columns to the OHLCV table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			quotes, err := export.ReadPriceCSV(cfg.Data.PriceCSV)
			if err != nil {
				return err
			}
			rows, err := indicator.Enrich(quotes)
			if err != nil {
				return err
			}
			if err := export.WriteDerivedCSV(cfg.Data.DerivedCSV, rows); err != nil {
				return err
			}
			logger.Info().Int("rows", len(rows)).Str("path", cfg.Data.DerivedCSV).Msg("saved derived table")
			return nil
		},
	}
}

func scoreCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Score today's universe with the day-trade scorer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			client := jquants.New(cfg.JQuants, logger)
			if err := client.Authenticate(ctx); err != nil {
				return err
			}

			days, err := client.LatestTradingDays(ctx, scoreWindowDays)
			if err != nil {
				return err
			}
			var quotes []quote.Quote
			for _, day := range days {
				dayQuotes, err := client.DailyQuotes(ctx, day)
				if err != nil {
					return err
				}
				quotes = append(quotes, dayQuotes...)
			}
			listings, err := client.ListedInfo(ctx)
			if err != nil {
				return err
			}

			candidates, err := score.ScoreStocks(quotes, listings, logger, score.DefaultTopN)
			if err != nil {
				return err
			}

			path := filepath.Join(cfg.Data.ResultsDir,
				fmt.Sprintf("top%d_scores_%s.csv", score.DefaultTopN, time.Now().Format("20060102")))
			if err := export.WriteScoresCSV(path, candidates); err != nil {
				return err
			}
			logger.Info().Int("picks", len(candidates)).Str("path", path).Msg("saved score table")
			return nil
		},
	}
}

func backtestCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backtest",
		Short: "Run a single backtest with the configured coefficients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			storage, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if storage != nil {
				defer storage.Close()
			}

			rows, err := export.ReadDerivedCSV(cfg.Data.DerivedCSV)
			if err != nil {
				return err
			}
			listings, err := loadListings(ctx, cfg, storage, logger)
			if err != nil {
				return err
			}

			returns, err := backtest.Run(cfg.Backtest.Config, rows, listings, logger,
				cfg.Backtest.Coeffs, cfg.Backtest.TopN)
			if err != nil {
				return err
			}
			metrics := backtest.CalcMetrics(returns)
			logger.Info().
				Float64("mu", metrics.Mu).
				Float64("win_rate", metrics.WinRate).
				Float64("sharpe", metrics.Sharpe).
				Float64("max_drawdown", metrics.MaxDrawdown).
				Msg("backtest metrics")

			return writeBacktestArtifacts(cfg.Data.ResultsDir, cfg.Backtest.WindowDays, returns, logger)
		},
	}
}

func searchCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "search",
		Short: "Grid-search the scoring coefficients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			storage, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if storage != nil {
				defer storage.Close()
			}

			rows, err := export.ReadDerivedCSV(cfg.Data.DerivedCSV)
			if err != nil {
				return err
			}
			listings, err := loadListings(ctx, cfg, storage, logger)
			if err != nil {
				return err
			}

			opts := search.Options{Workers: cfg.Search.Workers, Backtest: cfg.Backtest.Config}
			rep, err := search.Run(ctx, rows, listings, logger, cfg.Search.Grid, cfg.Search.Thresholds, opts)
			if err != nil {
				return err
			}

			reportPath := filepath.Join(cfg.Data.ResultsDir, "param_report.txt")
			if err := export.WriteSearchReport(reportPath, rep); err != nil {
				return err
			}
			logger.Info().Str("path", reportPath).Msg("saved search report")

			if rep.Best == nil {
				logger.Warn().Msg("no combination passed the thresholds")
				return nil
			}

			// Re-run the winner so its return series and equity curve are on disk.
			returns, err := backtest.Run(cfg.Backtest.Config, rows, listings, logger,
				rep.Best.Coeffs, rep.Best.TopN)
			if err != nil {
				return err
			}
			return writeBacktestArtifacts(cfg.Data.ResultsDir, cfg.Backtest.WindowDays, returns, logger)
		},
	}
}

func writeBacktestArtifacts(resultsDir string, windowDays int, returns []backtest.DailyReturn, logger zerolog.Logger) error {
	returnsPath := filepath.Join(resultsDir, fmt.Sprintf("results_%dd.csv", windowDays))
	if err := export.WriteReturnsCSV(returnsPath, returns); err != nil {
		return err
	}
	equityPath := filepath.Join(resultsDir, "equity_curve.csv")
	if err := export.WriteEquityCSV(equityPath, returns); err != nil {
		return err
	}
	logger.Info().Str("returns", returnsPath).Str("equity", equityPath).Msg("saved backtest results")
	return nil
}
