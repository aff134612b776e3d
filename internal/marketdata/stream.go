package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantbot/trading-core/internal/observ"
)

// Tick is one streamed close-price update.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TsUTC  string  `json:"ts_utc"`
}

// StreamFeed consumes a websocket tick stream and republishes parsed ticks
// on Ticks. It reconnects with linear backoff until the context ends. The
// core cycle itself never blocks on the feed; it is a sidecar for callers
// that keep a rolling history warm between cron runs.
type StreamFeed struct {
	url    string
	dialer *websocket.Dialer
	ticks  chan Tick
}

// NewStreamFeed creates a feed for the given websocket URL.
func NewStreamFeed(url string) *StreamFeed {
	return &StreamFeed{
		url:    url,
		dialer: websocket.DefaultDialer,
		ticks:  make(chan Tick, 1024),
	}
}

// Ticks is the stream of parsed updates. Closed when Run returns.
func (f *StreamFeed) Ticks() <-chan Tick { return f.ticks }

// Run connects and pumps ticks until ctx is cancelled. Malformed frames
// are counted and skipped.
func (f *StreamFeed) Run(ctx context.Context) {
	defer close(f.ticks)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			observ.Warn("stream_dial_failed", map[string]any{"url": f.url, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff += time.Second
			}
			continue
		}
		backoff = time.Second
		observ.Log("stream_connected", map[string]any{"url": f.url})

		f.readLoop(ctx, conn)
		conn.Close()
	}
}

func (f *StreamFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				observ.Warn("stream_read_failed", map[string]any{"error": err.Error()})
			}
			return
		}
		var tick Tick
		if err := json.Unmarshal(message, &tick); err != nil || tick.Symbol == "" {
			observ.IncCounter("stream_malformed_frames_total", nil)
			continue
		}
		select {
		case f.ticks <- tick:
		default:
			observ.IncCounter("stream_dropped_ticks_total", nil)
		}
	}
}
