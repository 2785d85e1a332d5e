// Package bus broadcasts pipeline output to multiple sinks.
package bus

import (
	"context"
	"log"
	"sync"

	"coindata-systemv1/internal/model"
)

// BatchFanOut broadcasts candle batches from a single input channel to N
// output channels. Sends block: a historical batch is never dropped, so a
// slow sink applies backpressure all the way to the fetcher.
type BatchFanOut struct {
	mu      sync.RWMutex
	outputs []chan model.CandleBatch
	bufSize int
}

// NewBatch creates a BatchFanOut with the given buffer size for output
// channels.
func NewBatch(outputBufferSize int) *BatchFanOut {
	return &BatchFanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel.
// All subscriptions must happen before Run starts.
func (f *BatchFanOut) Subscribe() <-chan model.CandleBatch {
	ch := make(chan model.CandleBatch, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every
// output so downstream writers drain and exit.
func (f *BatchFanOut) Run(ctx context.Context, input <-chan model.CandleBatch) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, ch := range f.outputs {
				select {
				case ch <- batch:
				case <-ctx.Done():
					f.mu.RUnlock()
					return
				}
			}
			f.mu.RUnlock()
		}
	}
}

// SnapshotFanOut broadcasts book snapshots to N output channels. If an
// output channel is full, the snapshot is dropped for that consumer to
// prevent a slow consumer from blocking the feed.
type SnapshotFanOut struct {
	mu      sync.RWMutex
	outputs []chan model.BookSnapshot
	bufSize int

	// OnDrop is called when a snapshot is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// NewSnapshot creates a SnapshotFanOut with the given buffer size for
// output channels.
func NewSnapshot(outputBufferSize int) *SnapshotFanOut {
	return &SnapshotFanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel.
func (f *SnapshotFanOut) Subscribe() <-chan model.BookSnapshot {
	ch := make(chan model.BookSnapshot, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *SnapshotFanOut) Run(ctx context.Context, input <-chan model.BookSnapshot) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- snap:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Printf("[bus] output channel %d full, dropping snapshot %s", i, snap.Timestamp)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports (length, capacity) for a subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Len int
	Cap int
}

func (f *BatchFanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}

func (f *SnapshotFanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
