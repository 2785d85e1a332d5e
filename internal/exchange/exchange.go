// Package exchange defines the capability interfaces the ingest pipelines
// depend on and a registry of venue adapters keyed by name. Venues without
// an implementation are simply absent from the registry.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coindata-systemv1/internal/model"
)

// Tag classifies the outcome of one candle request. Every request maps to
// exactly one tag; the adapter is the only place classification happens.
type Tag string

const (
	TagOK          Tag = "ok"
	TagNotFound    Tag = "not_found"
	TagRateLimited Tag = "rate_limited"
	TagServerError Tag = "server_error"
	TagTimeout     Tag = "timeout_error"
	TagAPIFailure  Tag = "api_failure"
	TagNoData      Tag = "no_data"
)

// FetchResult is the tagged outcome of one candle request. Candles is
// non-empty exactly when Tag == TagOK, sorted ascending by timestamp.
// Status carries the HTTP status when one was received; Err carries
// transport or decode detail for logging.
type FetchResult struct {
	Tag     Tag
	Candles []model.Candle
	Status  int
	Err     error
}

// OK is shorthand for Tag == TagOK.
func (r FetchResult) OK() bool { return r.Tag == TagOK }

// Retriable reports whether the engine should retry the same window
// (rate limiting and server-side failures; everything else either
// advances or terminates).
func (r FetchResult) Retriable() bool {
	return r.Tag == TagRateLimited || r.Tag == TagServerError
}

// HistorySource fetches OHLCV candles over REST for one venue.
type HistorySource interface {
	// FetchCandles requests [start, end] (epoch seconds, inclusive) at the
	// given granularity and classifies the response. Per-request failures
	// never surface as errors; they come back as tags.
	FetchCandles(ctx context.Context, product string, start, end, granularity int64) FetchResult

	// MaxCandles is the venue's per-request candle cap.
	MaxCandles() int

	// RateLimit is the sustained request rate the venue allows, in Hz.
	RateLimit() float64

	// Close releases the underlying transport.
	Close() error
}

// BookStream is a level-2 delta subscription for one venue.
type BookStream interface {
	// Subscribe opens the transport and requests deltas for products.
	// Raw messages arrive on the returned channel, which closes when the
	// stream ends.
	Subscribe(ctx context.Context, products []string) (<-chan []byte, error)

	// Unsubscribe stops delivery for the given products.
	Unsubscribe(products []string) error

	// Close tears down the transport. Safe after Unsubscribe.
	Close() error
}

// Settings carries the identification and transport knobs every adapter
// needs. BaseURL overrides the venue default (tests point it at a local
// server).
type Settings struct {
	BaseURL   string
	UserAgent string
	Email     string
	Version   string
	RepoLink  string
	Timeout   time.Duration
}

// Factory builds a HistorySource for one venue.
type Factory func(Settings) (HistorySource, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a venue factory under name. Called from adapter package
// init; later registrations overwrite earlier ones.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Open builds the named venue's history source. Unknown names report the
// registered set so CLI errors are self-explanatory.
func Open(name string, s Settings) (HistorySource, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (implemented: %s)", name, strings.Join(Names(), ", "))
	}
	return f(s)
}

// Names returns the registered venue names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FetchMany fetches [start, end] at the given granularity for each product in
// turn, one adapter per product, and forwards each TagOK batch on out. Other
// tags are skipped; full per-window control lives in the backfill engine.
// out stays open for the caller.
func FetchMany(ctx context.Context, name string, s Settings, products []string, start, end, granularity int64, out chan<- model.CandleBatch) error {
	for _, p := range products {
		src, err := Open(name, s)
		if err != nil {
			return err
		}
		res := src.FetchCandles(ctx, p, start, end, granularity)
		src.Close()
		if !res.OK() {
			continue
		}
		select {
		case out <- model.CandleBatch{Product: p, Data: res.Candles}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
