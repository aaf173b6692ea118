// Package db
package db

import (
	"context"
	"time"

	"github.com/miraitrade/mirai-trade/internal/quote"
)

// Storage is the interface for persisting fetched market data between runs.
type Storage interface {
	SaveQuotes(ctx context.Context, quotes []quote.Quote) error
	GetQuotes(ctx context.Context, from, to time.Time) ([]quote.Quote, error)
	SaveListings(ctx context.Context, listings []quote.Listing) error
	GetListings(ctx context.Context) ([]quote.Listing, error)
	Close() error
}
