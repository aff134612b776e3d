package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantbot/trading-core/internal/observ"
)

// HTTPConfig holds settings for the REST bar provider.
type HTTPConfig struct {
	BaseURL            string `yaml:"base_url" json:"base_url"`
	APIKey             string `yaml:"api_key" json:"api_key"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute" default:"5"`
	DailyCap           int    `yaml:"daily_cap" json:"daily_cap" default:"300"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds" default:"60"`
	TimeoutSeconds     int    `yaml:"timeout_seconds" json:"timeout_seconds" default:"10"`
}

// HTTPProvider fetches daily bars over REST with rate limiting, a daily
// request budget and a small TTL cache, so repeated cycles on the same
// symbols don't burn the provider quota.
type HTTPProvider struct {
	cfg         HTTPConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter

	mu              sync.Mutex
	cache           map[string]cachedCloses
	requestsToday   int
	budgetResetTime time.Time
}

type cachedCloses struct {
	closes    []float64
	fetchedAt time.Time
}

// barsResponse is the wire shape of the bar endpoint.
type barsResponse struct {
	Bars []struct {
		Close float64 `json:"c"`
		Time  string  `json:"t"`
	} `json:"bars"`
}

// NewHTTPProvider validates config and builds a provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("market data base URL is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 5
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 300
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 60
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &HTTPProvider{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), 1),
		cache:       map[string]cachedCloses{},
	}, nil
}

// Closes implements Provider. Cache hits bypass both the rate limiter and
// the daily budget.
func (p *HTTPProvider) Closes(ctx context.Context, symbol string, limit int) ([]float64, error) {
	if closes, ok := p.cachedCloses(symbol, limit); ok {
		observ.IncCounter("bar_cache_hits_total", nil)
		return closes, nil
	}

	if err := p.consumeBudget(); err != nil {
		return nil, err
	}
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	u, err := url.Parse(p.cfg.BaseURL + "/v1/bars")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("apikey", p.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		observ.IncCounter("bar_fetch_errors_total", nil)
		return nil, fmt.Errorf("bar fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observ.IncCounter("bar_fetch_errors_total", nil)
		return nil, fmt.Errorf("bar fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("bar fetch read: %w", err)
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("bar fetch decode: %w", err)
	}
	closes := make([]float64, 0, len(parsed.Bars))
	for _, b := range parsed.Bars {
		closes = append(closes, b.Close)
	}

	p.mu.Lock()
	p.cache[symbol] = cachedCloses{closes: closes, fetchedAt: time.Now()}
	p.mu.Unlock()
	return trimTail(closes, limit), nil
}

func (p *HTTPProvider) cachedCloses(symbol string, limit int) ([]float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[symbol]
	if !ok {
		return nil, false
	}
	if time.Since(entry.fetchedAt) > time.Duration(p.cfg.CacheTTLSeconds)*time.Second {
		delete(p.cache, symbol)
		return nil, false
	}
	return trimTail(entry.closes, limit), true
}

func (p *HTTPProvider) consumeBudget() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	if now.After(p.budgetResetTime) {
		p.requestsToday = 0
		p.budgetResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	if p.requestsToday >= p.cfg.DailyCap {
		return fmt.Errorf("daily request budget %d exhausted", p.cfg.DailyCap)
	}
	p.requestsToday++
	observ.SetGauge("bar_budget_used", float64(p.requestsToday), nil)
	return nil
}

func trimTail(closes []float64, limit int) []float64 {
	if limit > 0 && len(closes) > limit {
		return closes[len(closes)-limit:]
	}
	return closes
}
