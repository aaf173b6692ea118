package db

import (
	"context"
	"sync"
	"time"

	"github.com/miraitrade/mirai-trade/internal/quote"
)

// MemoryStorage is an in-memory Storage used in tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// Quotes keyed by code|date
	quotes   map[string]quote.Quote
	listings []quote.Listing
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		quotes: make(map[string]quote.Quote),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func quoteKey(code string, date time.Time) string {
	return code + "|" + quote.Day(date).Format("2006-01-02")
}

func (m *MemoryStorage) SaveQuotes(ctx context.Context, quotes []quote.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range quotes {
		if err := quotes[i].Validate(); err != nil {
			return err
		}
		q := quotes[i]
		q.Date = quote.Day(q.Date)
		m.quotes[quoteKey(q.Code, q.Date)] = q
	}
	return nil
}

func (m *MemoryStorage) GetQuotes(ctx context.Context, from, to time.Time) ([]quote.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, to = quote.Day(from), quote.Day(to)
	var out []quote.Quote
	for _, q := range m.quotes {
		if q.Date.Before(from) || q.Date.After(to) {
			continue
		}
		out = append(out, q)
	}
	quote.SortByCodeDate(out)
	return out, nil
}

func (m *MemoryStorage) SaveListings(ctx context.Context, listings []quote.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings = make([]quote.Listing, len(listings))
	copy(m.listings, listings)
	return nil
}

func (m *MemoryStorage) GetListings(ctx context.Context) ([]quote.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]quote.Listing, len(m.listings))
	copy(out, m.listings)
	return out, nil
}
