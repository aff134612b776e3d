package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimProvider_Deterministic(t *testing.T) {
	p := NewSimProvider()
	a, err := p.Closes(context.Background(), "AAPL", 40)
	require.NoError(t, err)
	b, err := p.Closes(context.Background(), "AAPL", 40)
	require.NoError(t, err)
	require.Len(t, a, 40)
	assert.Equal(t, a, b)

	c, err := p.Closes(context.Background(), "NVDA", 40)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func newBarsServer(t *testing.T, requests *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		require.Equal(t, "/v1/bars", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bars":[
			{"c":100.0,"t":"2026-08-25"},
			{"c":101.5,"t":"2026-08-26"},
			{"c":103.0,"t":"2026-08-27"}
		]}`))
	}))
}

func testHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:            baseURL,
		APIKey:             "test-key",
		RateLimitPerMinute: 100000,
		DailyCap:           300,
		CacheTTLSeconds:    60,
		TimeoutSeconds:     5,
	}
}

func TestHTTPProvider_FetchAndCache(t *testing.T) {
	var requests int64
	srv := newBarsServer(t, &requests)
	defer srv.Close()

	p, err := NewHTTPProvider(testHTTPConfig(srv.URL))
	require.NoError(t, err)

	closes, err := p.Closes(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{100.0, 101.5, 103.0}, closes)

	// second call is served from cache
	closes, err = p.Closes(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{101.5, 103.0}, closes)
	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestHTTPProvider_CacheExpiry(t *testing.T) {
	var requests int64
	srv := newBarsServer(t, &requests)
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.CacheTTLSeconds = 1
	p, err := NewHTTPProvider(cfg)
	require.NoError(t, err)

	_, err = p.Closes(context.Background(), "AAPL", 10)
	require.NoError(t, err)

	p.mu.Lock()
	entry := p.cache["AAPL"]
	entry.fetchedAt = time.Now().Add(-2 * time.Second)
	p.cache["AAPL"] = entry
	p.mu.Unlock()

	_, err = p.Closes(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&requests))
}

func TestHTTPProvider_DailyBudget(t *testing.T) {
	var requests int64
	srv := newBarsServer(t, &requests)
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.DailyCap = 1
	p, err := NewHTTPProvider(cfg)
	require.NoError(t, err)

	_, err = p.Closes(context.Background(), "AAPL", 10)
	require.NoError(t, err)

	// distinct symbol misses the cache and hits the exhausted budget
	_, err = p.Closes(context.Background(), "NVDA", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
	assert.Equal(t, int64(1), atomic.LoadInt64(&requests))
}

func TestHTTPProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(testHTTPConfig(srv.URL))
	require.NoError(t, err)

	_, err = p.Closes(context.Background(), "AAPL", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestNewHTTPProvider_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{})
	require.Error(t, err)
}

func TestStreamFeed_ParsesAndSkipsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"price":1}`)) // no symbol
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"AAPL","price":187.5,"ts_utc":"2026-08-28T14:00:00Z"}`))
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewStreamFeed("ws" + strings.TrimPrefix(srv.URL, "http"))
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	select {
	case tick := <-feed.Ticks():
		assert.Equal(t, "AAPL", tick.Symbol)
		assert.Equal(t, 187.5, tick.Price)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
	_, open := <-feed.Ticks()
	assert.False(t, open)
}
