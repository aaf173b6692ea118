package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"

	"github.com/miraitrade/mirai-trade/internal/quote"
)

// Postgres stores quotes and listings in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: sqlDB}
	if err := p.ensureSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daily_quotes (
			date DATE NOT NULL,
			code TEXT NOT NULL,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			volume DOUBLE PRECISION NOT NULL,
			upper_limit TEXT,
			lower_limit TEXT,
			PRIMARY KEY (code, date)
		)`,
		`CREATE TABLE IF NOT EXISTS listed_info (
			code TEXT PRIMARY KEY,
			company_name TEXT NOT NULL,
			market_code TEXT NOT NULL,
			margin_code TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// executeWithTransaction runs fn inside a transaction with rollback on error.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// SaveQuotes upserts the quotes, keyed by (code, date). NaN prices are
// stored as SQL NULL.
func (p *Postgres) SaveQuotes(ctx context.Context, quotes []quote.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	for i := range quotes {
		if err := quotes[i].Validate(); err != nil {
			return fmt.Errorf("invalid quote at index %d (%s %s): %w",
				i, quotes[i].Code, quotes[i].Date.Format("2006-01-02"), err)
		}
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_quotes (date, code, open, high, low, close, volume, upper_limit, lower_limit)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (code, date) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
				close=EXCLUDED.close, volume=EXCLUDED.volume,
				upper_limit=EXCLUDED.upper_limit, lower_limit=EXCLUDED.lower_limit`)
		if err != nil {
			return fmt.Errorf("failed to prepare quote insert: %w", err)
		}
		defer stmt.Close()

		for i, q := range quotes {
			_, err := stmt.ExecContext(ctx,
				quote.Day(q.Date), q.Code,
				nullable(q.Open), nullable(q.High), nullable(q.Low), nullable(q.Close),
				q.Volume, q.UpperLimit, q.LowerLimit)
			if err != nil {
				return fmt.Errorf("failed to save quote at index %d (%s %s): %w",
					i, q.Code, q.Date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// GetQuotes returns all quotes in [from, to], ordered by code and date.
func (p *Postgres) GetQuotes(ctx context.Context, from, to time.Time) ([]quote.Quote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT date, code, open, high, low, close, volume,
			COALESCE(upper_limit, ''), COALESCE(lower_limit, '')
		FROM daily_quotes
		WHERE date >= $1 AND date <= $2
		ORDER BY code, date`, quote.Day(from), quote.Day(to))
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	var quotes []quote.Quote
	for rows.Next() {
		var q quote.Quote
		var open, high, low, closePx sql.NullFloat64
		if err := rows.Scan(&q.Date, &q.Code, &open, &high, &low, &closePx,
			&q.Volume, &q.UpperLimit, &q.LowerLimit); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		q.Date = quote.Day(q.Date)
		q.Open = fromNullable(open)
		q.High = fromNullable(high)
		q.Low = fromNullable(low)
		q.Close = fromNullable(closePx)
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotes: %w", err)
	}
	return quotes, nil
}

// SaveListings replaces the stored listing table. Listings are refreshed
// whole once per run, never merged.
func (p *Postgres) SaveListings(ctx context.Context, listings []quote.Listing) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM listed_info`); err != nil {
			return fmt.Errorf("clear listed_info: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO listed_info (code, company_name, market_code, margin_code)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (code) DO UPDATE SET
				company_name=EXCLUDED.company_name,
				market_code=EXCLUDED.market_code,
				margin_code=EXCLUDED.margin_code`)
		if err != nil {
			return fmt.Errorf("failed to prepare listing insert: %w", err)
		}
		defer stmt.Close()

		for i, l := range listings {
			if _, err := stmt.ExecContext(ctx, l.Code, l.CompanyName, l.MarketCode, l.MarginCode); err != nil {
				return fmt.Errorf("failed to save listing at index %d (%s): %w", i, l.Code, err)
			}
		}
		return nil
	})
}

// GetListings returns the stored listing table ordered by code.
func (p *Postgres) GetListings(ctx context.Context) ([]quote.Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT code, company_name, market_code, COALESCE(margin_code, '')
		FROM listed_info ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var listings []quote.Listing
	for rows.Next() {
		var l quote.Listing
		if err := rows.Scan(&l.Code, &l.CompanyName, &l.MarketCode, &l.MarginCode); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return listings, nil
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
