// Package config
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/miraitrade/mirai-trade/internal/backtest"
	"github.com/miraitrade/mirai-trade/internal/score"
	"github.com/miraitrade/mirai-trade/internal/search"
)

/*
YAML config example:

logging:
  level: "info"
  dir: "logs"
jquants:
  endpoints:
    token_auth_user: "https://api.jquants.com/v1/token/auth_user"
    token_auth_refresh: "https://api.jquants.com/v1/token/auth_refresh"
    trading_calendar: "https://api.jquants.com/v1/markets/trading_calendar"
    daily_quotes: "https://api.jquants.com/v1/prices/daily_quotes"
    listed_info: "https://api.jquants.com/v1/listed/info"
database:
  host: "localhost"
  port: 5432
  name: "mirai_trade_db"
  user: "postgres"
data:
  price_csv: "backtest_data/price_ohlcv.csv"
  derived_csv: "backtest_data/price_ohlcv_derived.csv"
  results_dir: "backtest_results"
  fetch_days: 110
backtest:
  window_days: 90
  trade_cost: 0.0005
  top_n: 40

Credentials come from the environment (or a .env file): JQ_EMAIL,
JQ_PASSWORD, DB_PASSWORD.
*/

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type JQuantsEndpoints struct {
	TokenAuthUser    string `yaml:"token_auth_user"`
	TokenAuthRefresh string `yaml:"token_auth_refresh"`
	TradingCalendar  string `yaml:"trading_calendar"`
	DailyQuotes      string `yaml:"daily_quotes"`
	ListedInfo       string `yaml:"listed_info"`
}

type JQuantsConfig struct {
	Email     string           `yaml:"-"`
	Password  string           `yaml:"-"`
	Endpoints JQuantsEndpoints `yaml:"endpoints"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
}

// ConnStr builds a lib/pq connection string. Empty when no host is
// configured, which disables database storage.
func (d DatabaseConfig) ConnStr() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

type DataConfig struct {
	PriceCSV   string `yaml:"price_csv"`
	DerivedCSV string `yaml:"derived_csv"`
	ResultsDir string `yaml:"results_dir"`
	// FetchDays is the number of trailing trading days fetched for the
	// backtest data set (simulation window plus rolling-stat warmup).
	FetchDays int `yaml:"fetch_days"`
}

type BacktestConfig struct {
	backtest.Config `yaml:",inline"`
	Coeffs          score.Coefficients `yaml:"coeffs"`
	TopN            int                `yaml:"top_n"`
}

type SearchConfig struct {
	Grid       search.Grid       `yaml:"grid"`
	Thresholds search.Thresholds `yaml:"thresholds"`
	Workers    int               `yaml:"workers"`
}

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	JQuants  JQuantsConfig  `yaml:"jquants"`
	Database DatabaseConfig `yaml:"database"`
	Data     DataConfig     `yaml:"data"`
	Backtest BacktestConfig `yaml:"backtest"`
	Search   SearchConfig   `yaml:"search"`
}

// Load reads the YAML config file and overlays environment variables.
// A .env file next to the process is honored when present.
func Load(path string) (Config, error) {
	// Best effort: credentials may come straight from the environment.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg.JQuants.Email = os.Getenv("JQ_EMAIL")
	cfg.JQuants.Password = os.Getenv("JQ_PASSWORD")

	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		cfg.Database.Port = port
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	cfg.Database.Password = os.Getenv("DB_PASSWORD")

	return cfg, nil
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Dir: "logs"},
		Database: DatabaseConfig{
			Port: 5432,
			Name: "mirai_trade_db",
			User: "postgres",
		},
		Data: DataConfig{
			PriceCSV:   "backtest_data/price_ohlcv.csv",
			DerivedCSV: "backtest_data/price_ohlcv_derived.csv",
			ResultsDir: "backtest_results",
			FetchDays:  110,
		},
		Backtest: BacktestConfig{
			Config: backtest.DefaultConfig(),
			Coeffs: score.Coefficients{A: 1, B: 1, C: 1, D: 1},
			TopN:   score.DefaultTopN,
		},
		Search: SearchConfig{
			Grid:       search.DefaultGrid(),
			Thresholds: search.DefaultThresholds(),
			Workers:    search.DefaultWorkers(),
		},
	}
}
