package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the pipelines from concrete sinks (parquet store,
// SQLite catalog, Redis publisher, JSONL files). Each sink satisfies one.

// BatchWriter consumes candle batches from a channel and persists them.
type BatchWriter interface {
	// Run reads batches from in and writes them.
	// Blocks until ctx is cancelled or in is closed.
	Run(ctx context.Context, in <-chan CandleBatch)

	// Close flushes buffered state and releases underlying resources.
	Close() error
}

// SnapshotSink consumes order-book snapshots from a channel.
type SnapshotSink interface {
	// Run reads snapshots from in and writes them.
	// Blocks until ctx is cancelled or in is closed.
	Run(ctx context.Context, in <-chan BookSnapshot)

	// Close flushes buffered state and releases underlying resources.
	Close() error
}

// CandleQuerier serves range queries over persisted candles.
type CandleQuerier interface {
	// Query returns candles with tFrom <= t <= tTo, sorted ascending.
	// An unknown product yields an empty slice, not an error.
	Query(product string, tFrom, tTo int64) ([]Candle, error)
}

// Watermarker records per-product backfill progress for resume.
type Watermarker interface {
	// Watermark returns the recorded (first, last) timestamps for the
	// product at the given granularity. ok is false when none exists.
	Watermark(product string, granularity int64) (first, last int64, ok bool, err error)

	// Advance upserts the watermark after a batch is emitted.
	Advance(product string, granularity, first, last int64) error

	// Close releases underlying resources.
	Close() error
}
