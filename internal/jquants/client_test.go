package jquants

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/miraitrade/mirai-trade/internal/config"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

// testClient points every endpoint at the test server and removes the
// throttling and backoff delays.
func testClient(srv *httptest.Server) *Client {
	cfg := config.JQuantsConfig{
		Email:    "user@example.com",
		Password: "secret",
		Endpoints: config.JQuantsEndpoints{
			TokenAuthUser:    srv.URL + "/token/auth_user",
			TokenAuthRefresh: srv.URL + "/token/auth_refresh",
			TradingCalendar:  srv.URL + "/markets/trading_calendar",
			DailyQuotes:      srv.URL + "/prices/daily_quotes",
			ListedInfo:       srv.URL + "/listed/info",
		},
	}
	c := New(cfg, zerolog.Nop())
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token/auth_user":
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "user@example.com", creds["mailaddress"])
			assert.Equal(t, "secret", creds["password"])
			json.NewEncoder(w).Encode(map[string]string{"refreshToken": "refresh-123"})
		case "/token/auth_refresh":
			assert.Equal(t, "refresh-123", r.URL.Query().Get("refreshtoken"))
			json.NewEncoder(w).Encode(map[string]string{"idToken": "id-456"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(srv)
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "id-456", c.idToken)
}

func TestAuthenticateEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	err := testClient(srv).Authenticate(context.Background())
	assert.Error(t, err)
}

func TestDailyQuotes(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer id-456", r.Header.Get("Authorization"))
		assert.Equal(t, "2025-06-02", r.URL.Query().Get("date"))
		w.Write([]byte(`{"daily_quotes":[
			{"Date":"2025-06-02","Code":"72030","Open":100.5,"High":110,"Low":95,"Close":105,"Volume":1000,"UpperLimit":"0","LowerLimit":"0"},
			{"Date":"2025-06-02","Code":"67580","Open":null,"High":null,"Low":null,"Close":null,"Volume":null,"UpperLimit":"","LowerLimit":""}
		]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	c.idToken = "id-456"

	quotes, err := c.DailyQuotes(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.Equal(t, "72030", quotes[0].Code)
	assert.Equal(t, day, quotes[0].Date)
	assert.Equal(t, 100.5, quotes[0].Open)
	assert.Equal(t, "0", quotes[0].UpperLimit)

	// Halted security: prices missing, volume coerced to zero.
	assert.True(t, math.IsNaN(quotes[1].Open))
	assert.True(t, math.IsNaN(quotes[1].Close))
	assert.Equal(t, 0.0, quotes[1].Volume)
}

func TestListedInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"info":[
			{"Code":"72030","CompanyName":"トヨタ自動車","MarketCode":"0111","MarginCode":"1"},
			{"Code":"67580","CompanyName":"ソニーグループ","MarketCode":"0111","MarginCode":"2"}
		]}`))
	}))
	defer srv.Close()

	listings, err := testClient(srv).ListedInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, quote.Listing{
		Code: "72030", CompanyName: "トヨタ自動車", MarketCode: "0111", MarginCode: "1",
	}, listings[0])
}

func TestLatestTradingDays(t *testing.T) {
	// Calendar mixes holidays, half days and a future date.
	yesterday := quote.Day(time.Now()).AddDate(0, 0, -1)
	older := yesterday.AddDate(0, 0, -1)
	oldest := yesterday.AddDate(0, 0, -2)
	tomorrow := quote.Day(time.Now()).AddDate(0, 0, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cal := []map[string]string{
			{"Date": oldest.Format("2006-01-02"), "HolidayDivision": "1"},
			{"Date": older.Format("2006-01-02"), "HolidayDivision": "2"},
			{"Date": yesterday.Format("2006-01-02"), "HolidayDivision": "1"},
			{"Date": yesterday.AddDate(0, 0, -3).Format("2006-01-02"), "HolidayDivision": "0"},
			{"Date": tomorrow.Format("2006-01-02"), "HolidayDivision": "1"},
		}
		json.NewEncoder(w).Encode(map[string]any{"trading_calendar": cal})
	}))
	defer srv.Close()

	days, err := testClient(srv).LatestTradingDays(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, days, 2)
	// Ascending, strictly before today, holidays excluded.
	assert.Equal(t, older, days[0])
	assert.Equal(t, yesterday, days[1])
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"info":[]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).ListedInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListedInfo(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).ListedInfo(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(defaultMaxRetries), calls.Load())
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.True(t, isRetryableHTTPStatus(http.StatusTooManyRequests))
	assert.True(t, isRetryableHTTPStatus(http.StatusInternalServerError))
	assert.True(t, isRetryableHTTPStatus(http.StatusServiceUnavailable))
	assert.False(t, isRetryableHTTPStatus(http.StatusBadRequest))
	assert.False(t, isRetryableHTTPStatus(http.StatusUnauthorized))
	assert.False(t, isRetryableHTTPStatus(http.StatusNotFound))
}

func TestRetryDelayBounds(t *testing.T) {
	base, max := time.Second, 4*time.Second
	for attempt := 0; attempt < 6; attempt++ {
		d := retryDelay(attempt, base, max)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		// Capped at maxDelay plus the jitter band.
		assert.LessOrEqual(t, d, time.Duration(float64(max)*1.1)+time.Millisecond, "attempt %d", attempt)
	}
}
