// Package jquants
package jquants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/miraitrade/mirai-trade/internal/config"
	"github.com/miraitrade/mirai-trade/internal/quote"
)

// Retry configuration
const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	backoffFactor     = 2.0
	jitterRange       = 0.1 // ±10% jitter
)

// Client talks to the J-Quants REST API. All fetch failures propagate to the
// caller; the client never substitutes stale or synthetic data.
type Client struct {
	cfg     config.JQuantsConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	idToken string
}

func New(cfg config.JQuantsConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		// The free tier tolerates about one request per second.
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		logger:     logger,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
}

// Authenticate exchanges the configured credentials for a refresh token and
// then an ID token used on every subsequent call.
func (c *Client) Authenticate(ctx context.Context) error {
	refresh, err := c.refreshToken(ctx)
	if err != nil {
		return err
	}
	idToken, err := c.issueIDToken(ctx, refresh)
	if err != nil {
		return err
	}
	c.idToken = idToken
	c.logger.Info().Msg("authenticated against J-Quants")
	return nil
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"mailaddress": c.cfg.Email,
		"password":    c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("marshal signin payload: %w", err)
	}

	var resp struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.postJSON(ctx, c.cfg.Endpoints.TokenAuthUser, payload, &resp); err != nil {
		return "", fmt.Errorf("refresh token request: %w", err)
	}
	if resp.RefreshToken == "" {
		return "", fmt.Errorf("refresh token response contained no token")
	}
	return resp.RefreshToken, nil
}

func (c *Client) issueIDToken(ctx context.Context, refreshToken string) (string, error) {
	u := fmt.Sprintf("%s?refreshtoken=%s", c.cfg.Endpoints.TokenAuthRefresh, url.QueryEscape(refreshToken))

	var resp struct {
		IDToken string `json:"idToken"`
	}
	if err := c.postJSON(ctx, u, nil, &resp); err != nil {
		return "", fmt.Errorf("id token request: %w", err)
	}
	if resp.IDToken == "" {
		return "", fmt.Errorf("id token response contained no token")
	}
	return resp.IDToken, nil
}

// DailyQuotes fetches the OHLCV rows of every listed security for one
// trading day. Halted securities come back with NaN prices.
func (c *Client) DailyQuotes(ctx context.Context, day time.Time) ([]quote.Quote, error) {
	u := fmt.Sprintf("%s?date=%s", c.cfg.Endpoints.DailyQuotes, day.Format("2006-01-02"))

	var resp struct {
		DailyQuotes []struct {
			Date       string   `json:"Date"`
			Code       string   `json:"Code"`
			Open       *float64 `json:"Open"`
			High       *float64 `json:"High"`
			Low        *float64 `json:"Low"`
			Close      *float64 `json:"Close"`
			Volume     *float64 `json:"Volume"`
			UpperLimit string   `json:"UpperLimit"`
			LowerLimit string   `json:"LowerLimit"`
		} `json:"daily_quotes"`
	}
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("daily quotes for %s: %w", day.Format("2006-01-02"), err)
	}

	quotes := make([]quote.Quote, 0, len(resp.DailyQuotes))
	for _, rec := range resp.DailyQuotes {
		d, err := quote.ParseDay(rec.Date)
		if err != nil {
			return nil, fmt.Errorf("daily quotes for %s: bad date %q: %w", day.Format("2006-01-02"), rec.Date, err)
		}
		quotes = append(quotes, quote.Quote{
			Date:       d,
			Code:       rec.Code,
			Open:       deref(rec.Open),
			High:       deref(rec.High),
			Low:        deref(rec.Low),
			Close:      deref(rec.Close),
			Volume:     derefZero(rec.Volume),
			UpperLimit: rec.UpperLimit,
			LowerLimit: rec.LowerLimit,
		})
	}
	c.logger.Info().Str("date", day.Format("2006-01-02")).Int("rows", len(quotes)).Msg("fetched daily quotes")
	return quotes, nil
}

// ListedInfo fetches the full current listing table.
func (c *Client) ListedInfo(ctx context.Context) ([]quote.Listing, error) {
	var resp struct {
		Info []struct {
			Code        string `json:"Code"`
			CompanyName string `json:"CompanyName"`
			MarketCode  string `json:"MarketCode"`
			MarginCode  string `json:"MarginCode"`
		} `json:"info"`
	}
	if err := c.getJSON(ctx, c.cfg.Endpoints.ListedInfo, &resp); err != nil {
		return nil, fmt.Errorf("listed info: %w", err)
	}

	listings := make([]quote.Listing, 0, len(resp.Info))
	for _, rec := range resp.Info {
		listings = append(listings, quote.Listing{
			Code:        rec.Code,
			CompanyName: rec.CompanyName,
			MarketCode:  rec.MarketCode,
			MarginCode:  rec.MarginCode,
		})
	}
	c.logger.Info().Int("rows", len(listings)).Msg("fetched listed info")
	return listings, nil
}

// LatestTradingDays returns the most recent `days` trading days strictly
// before today, ascending. Holiday divisions 1 and 2 count as trading days.
func (c *Client) LatestTradingDays(ctx context.Context, days int) ([]time.Time, error) {
	var resp struct {
		TradingCalendar []struct {
			Date            string `json:"Date"`
			HolidayDivision string `json:"HolidayDivision"`
		} `json:"trading_calendar"`
	}
	if err := c.getJSON(ctx, c.cfg.Endpoints.TradingCalendar, &resp); err != nil {
		return nil, fmt.Errorf("trading calendar: %w", err)
	}

	today := quote.Day(time.Now())
	var past []time.Time
	for _, rec := range resp.TradingCalendar {
		if rec.HolidayDivision != "1" && rec.HolidayDivision != "2" {
			continue
		}
		d, err := quote.ParseDay(rec.Date)
		if err != nil {
			return nil, fmt.Errorf("trading calendar: bad date %q: %w", rec.Date, err)
		}
		if d.Before(today) {
			past = append(past, d)
		}
	}
	sortDays(past)
	if len(past) > days {
		past = past[len(past)-days:]
	}
	c.logger.Info().Int("days", len(past)).Msg("fetched trading calendar")
	return past, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, body, out)
}

// doJSON performs one API call with rate limiting and retry on transient
// failures (exponential backoff with jitter).
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.idToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.idToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("network error on attempt %d: %w", attempt+1, err)
			if retryErr := c.waitRetry(ctx, attempt, lastErr); retryErr != nil {
				return retryErr
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body on attempt %d: %w", attempt+1, readErr)
			if retryErr := c.waitRetry(ctx, attempt, lastErr); retryErr != nil {
				return retryErr
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error (status %d) on attempt %d: %s", resp.StatusCode, attempt+1, string(respBody))
			if !isRetryableHTTPStatus(resp.StatusCode) {
				return lastErr
			}
			if retryErr := c.waitRetry(ctx, attempt, lastErr); retryErr != nil {
				return retryErr
			}
			continue
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// waitRetry sleeps before the next attempt, or returns the final error when
// attempts are exhausted or the context is cancelled.
func (c *Client) waitRetry(ctx context.Context, attempt int, lastErr error) error {
	if attempt >= c.maxRetries-1 {
		return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
	}
	delay := retryDelay(attempt, c.baseDelay, c.maxDelay)
	c.logger.Warn().Err(lastErr).Dur("delay", delay).Msg("retrying J-Quants request")
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// retryDelay calculates the next backoff delay with jitter.
func retryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := float64(baseDelay) * math.Pow(backoffFactor, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	delay += delay * jitterRange * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(baseDelay)
	}
	return time.Duration(delay)
}

// isRetryableHTTPStatus determines if an HTTP status code indicates a retryable error
func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func derefZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func sortDays(days []time.Time) {
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
}
