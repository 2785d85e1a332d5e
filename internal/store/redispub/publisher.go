// Package redispub mirrors freshly ingested data into Redis so live
// consumers can read the newest candle and book state without touching
// the columnar store.
package redispub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"coindata-systemv1/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute

	// Stream trimming: a day of minute candles plus slack.
	candleStreamMaxLen = 1500

	defaultBreakerFailures = 5
	defaultBreakerReset    = 10 * time.Second
)

// Config configures the publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Exchange string // key namespace, e.g. "coinbase"
}

// Publisher writes candle batches and book snapshots to Redis: XADD into a
// trimmed stream, SET of a latest key with TTL, and a PUBLISH per update.
// A breaker skips publishes while Redis is down; the columnar tier is the
// durable store, so skipped mirror writes are simply lost.
type Publisher struct {
	client   *goredis.Client
	exchange string
	breaker  *Breaker

	// Metrics hooks (optional, set externally)
	OnError func()
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewBreaker(defaultBreakerFailures, defaultBreakerReset)
	breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[redispub] breaker %s -> %s", from, to)
	}

	log.Printf("[redispub] connected to %s", cfg.Addr)
	return &Publisher{client: client, exchange: cfg.Exchange, breaker: breaker}, nil
}

// Run reads candle batches from in and publishes them.
// Blocks until ctx is cancelled or in is closed.
func (p *Publisher) Run(ctx context.Context, in <-chan model.CandleBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-in:
			if !ok {
				return
			}
			p.publishBatch(ctx, batch)
		}
	}
}

// RunSnapshots reads book snapshots from in and publishes them.
// Blocks until ctx is cancelled or in is closed.
func (p *Publisher) RunSnapshots(ctx context.Context, in <-chan model.BookSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			p.publishSnapshot(ctx, snap)
		}
	}
}

// publishBatch pipelines XADD for every candle plus SET + PUBLISH of the
// batch tail in one roundtrip.
func (p *Publisher) publishBatch(ctx context.Context, b model.CandleBatch) {
	if len(b.Data) == 0 {
		return
	}
	latest := string(b.Data[len(b.Data)-1].JSON())
	streamKey := "stream:candle:hist:" + p.exchange + ":" + b.Product

	pipe := p.client.Pipeline()
	for i := range b.Data {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: candleStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(b.Data[i].JSON())},
		})
	}
	pipe.Set(ctx, "candle:hist:latest:"+p.exchange+":"+b.Product, latest, defaultLatestTTL)
	pipe.Publish(ctx, "pub:candle:hist:"+p.exchange+":"+b.Product, latest)

	err := p.breaker.Do(func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
	if errors.Is(err, ErrBreakerOpen) {
		return
	}
	if err != nil {
		log.Printf("[redispub] batch pipeline error (%s, %d candles): %v", b.Product, len(b.Data), err)
		if p.OnError != nil {
			p.OnError()
		}
	}
}

// bookDoc is the per-product payload published for a snapshot.
type bookDoc struct {
	Timestamp string             `json:"timestamp"`
	Bids      []model.PriceLevel `json:"bids"`
	Asks      []model.PriceLevel `json:"asks"`
}

// publishSnapshot pipelines SET + PUBLISH per product in one roundtrip.
func (p *Publisher) publishSnapshot(ctx context.Context, snap model.BookSnapshot) {
	if len(snap.Products) == 0 {
		return
	}

	pipe := p.client.Pipeline()
	for product, levels := range snap.Products {
		payload, err := json.Marshal(bookDoc{
			Timestamp: snap.Timestamp,
			Bids:      levels.Bids,
			Asks:      levels.Asks,
		})
		if err != nil {
			log.Printf("[redispub] marshal book %s: %v", product, err)
			continue
		}
		data := string(payload)
		pipe.Set(ctx, "book:latest:"+p.exchange+":"+product, data, defaultLatestTTL)
		pipe.Publish(ctx, "pub:book:"+p.exchange+":"+product, data)
	}

	err := p.breaker.Do(func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
	if errors.Is(err, ErrBreakerOpen) {
		return
	}
	if err != nil {
		log.Printf("[redispub] snapshot pipeline error (%d products): %v", len(snap.Products), err)
		if p.OnError != nil {
			p.OnError()
		}
	}
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
