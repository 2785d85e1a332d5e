// Package orderbook reconstructs live top-of-book state from a level-2
// delta stream and emits periodic deep-copy snapshots. The maintainer is
// the sole writer to its books; everything runs in one goroutine so the
// snapshot emitter never races the message handler.
package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"coindata-systemv1/internal/exchange"
	"coindata-systemv1/internal/model"
)

const (
	DefaultDepth     = 25
	MaxDepth         = 50
	DefaultFrequency = 5 * time.Second

	l2Channel = "l2_data"
)

// Wire shapes for the level-2 channel. Numeric fields arrive as strings.
type l2Message struct {
	Channel string    `json:"channel"`
	Events  []l2Event `json:"events"`
}

type l2Event struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Updates   []l2Update `json:"updates"`
}

type l2Update struct {
	Side     string `json:"side"`
	Price    string `json:"price_level"`
	Quantity string `json:"new_quantity"`
}

// MaintainerConfig wires the maintainer to a stream and sets its cadence.
type MaintainerConfig struct {
	Products  []string
	Depth     int           // levels retained per side, default 25
	Frequency time.Duration // snapshot cadence, default 5s
	Until     time.Time     // zero means run until cancelled

	Stream exchange.BookStream
}

// Maintainer consumes level-2 deltas for a set of products and emits
// snapshots on a timer. Snapshots are value copies; internal book state is
// never exposed by reference.
type Maintainer struct {
	cfg   MaintainerConfig
	books map[string]*Book

	// Metrics hooks (optional, set externally)
	OnMessage         func()
	OnMalformed       func()
	OnSnapshot        func()
	OnDroppedSnapshot func()
}

// New validates the configuration and builds one empty book per product.
func New(cfg MaintainerConfig) (*Maintainer, error) {
	if len(cfg.Products) == 0 {
		return nil, errors.New("orderbook: no products to track")
	}
	if cfg.Stream == nil {
		return nil, errors.New("orderbook: stream required")
	}
	if cfg.Depth == 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Depth < 1 || cfg.Depth > MaxDepth {
		return nil, fmt.Errorf("orderbook: depth %d outside [1, %d]", cfg.Depth, MaxDepth)
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}

	books := make(map[string]*Book, len(cfg.Products))
	for _, p := range cfg.Products {
		books[p] = NewBook(p, cfg.Depth)
	}
	return &Maintainer{cfg: cfg, books: books}, nil
}

// Run subscribes, applies deltas, and emits snapshots on out until ctx is
// cancelled, the configured deadline passes, or the stream dies.
// Unsubscribe and close run on every exit path.
func (m *Maintainer) Run(ctx context.Context, out chan<- model.BookSnapshot) error {
	msgs, err := m.cfg.Stream.Subscribe(ctx, m.cfg.Products)
	if err != nil {
		m.cfg.Stream.Close()
		return fmt.Errorf("subscribe level2: %w", err)
	}
	defer func() {
		if err := m.cfg.Stream.Unsubscribe(m.cfg.Products); err != nil {
			log.Printf("[orderbook] unsubscribe: %v", err)
		}
		if err := m.cfg.Stream.Close(); err != nil {
			log.Printf("[orderbook] close stream: %v", err)
		}
	}()

	ticker := time.NewTicker(m.cfg.Frequency)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if !m.cfg.Until.IsZero() {
		timer := time.NewTimer(time.Until(m.cfg.Until))
		defer timer.Stop()
		deadline = timer.C
	}

	log.Printf("[orderbook] tracking %d products at depth %d, snapshot every %v",
		len(m.cfg.Products), m.cfg.Depth, m.cfg.Frequency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline:
			log.Printf("[orderbook] deadline reached, stopping")
			return nil

		case raw, ok := <-msgs:
			if !ok {
				return errors.New("orderbook: stream closed")
			}
			m.handle(raw)

		case <-ticker.C:
			m.emit(out)
		}
	}
}

// handle applies one raw frame. Malformed input is logged and skipped; it
// must never stop the stream.
func (m *Maintainer) handle(raw []byte) {
	if m.OnMessage != nil {
		m.OnMessage()
	}

	var msg l2Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.malformed("bad frame: %v", err)
		return
	}
	if msg.Channel != l2Channel {
		return // heartbeats and subscription acks share the transport
	}

	for _, ev := range msg.Events {
		if ev.Type != "snapshot" && ev.Type != "update" {
			continue
		}
		book, ok := m.books[ev.ProductID]
		if !ok {
			continue // not a tracked product
		}
		if ev.Type == "snapshot" {
			// A fresh venue snapshot replaces whatever we held, stale
			// levels from before a reconnect included.
			book.Reset()
		}
		for _, u := range ev.Updates {
			price, err := strconv.ParseFloat(u.Price, 64)
			if err != nil {
				m.malformed("bad price_level %q: %v", u.Price, err)
				continue
			}
			qty, err := strconv.ParseFloat(u.Quantity, 64)
			if err != nil {
				m.malformed("bad new_quantity %q: %v", u.Quantity, err)
				continue
			}
			book.Apply(u.Side, price, qty)
		}
	}
}

// emit sends a timestamped value copy of every tracked book. Non-blocking:
// the message handler always wins over a slow snapshot consumer.
func (m *Maintainer) emit(out chan<- model.BookSnapshot) {
	snap := model.BookSnapshot{
		Timestamp: model.ISOTime(time.Now()),
		Products:  make(map[string]model.BookLevels, len(m.books)),
	}
	for p, b := range m.books {
		snap.Products[p] = b.Levels()
	}

	select {
	case out <- snap:
		if m.OnSnapshot != nil {
			m.OnSnapshot()
		}
	default:
		if m.OnDroppedSnapshot != nil {
			m.OnDroppedSnapshot()
		}
		log.Printf("[orderbook] snapshot channel full, dropping snapshot")
	}
}

func (m *Maintainer) malformed(format string, args ...any) {
	if m.OnMalformed != nil {
		m.OnMalformed()
	}
	log.Printf("[orderbook] "+format, args...)
}
