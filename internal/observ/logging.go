// Package observ provides structured event logging and process metrics for
// the trading core. Events are single JSON lines on stdout; metrics are
// exposed in Prometheus format via Handler.
package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// SetOutput redirects event logging, mainly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// Log emits an info-level event with structured fields.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	defer logMu.RUnlock()
	logger.Info().Fields(kv).Msg(event)
}

// Warn emits a warn-level event with structured fields.
func Warn(event string, kv map[string]any) {
	logMu.RLock()
	defer logMu.RUnlock()
	logger.Warn().Fields(kv).Msg(event)
}

// Error emits an error-level event. err may be nil.
func Error(event string, err error, kv map[string]any) {
	logMu.RLock()
	defer logMu.RUnlock()
	logger.Error().Err(err).Fields(kv).Msg(event)
}
