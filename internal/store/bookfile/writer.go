// Package bookfile persists order-book snapshots as JSON lines, one file
// per product, for offline replay and inspection.
package bookfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"coindata-systemv1/internal/model"
)

// line is the JSON document written per product per snapshot.
type line struct {
	Timestamp string             `json:"timestamp"`
	Bids      []model.PriceLevel `json:"bids"`
	Asks      []model.PriceLevel `json:"asks"`
}

// Config configures the snapshot writer.
type Config struct {
	Root string // directory holding <product>.jsonl files

	// Metrics hook (optional, set externally)
	OnWrite func(product string)
}

// Writer appends snapshots to per-product JSONL files. Files are opened
// lazily on first write and kept open until Close.
type Writer struct {
	cfg   Config
	files map[string]*os.File
	bufs  map[string]*bufio.Writer
}

// New creates a Writer and ensures the root directory exists.
func New(cfg Config) (*Writer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("bookfile: root directory required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", cfg.Root, err)
	}
	return &Writer{
		cfg:   cfg,
		files: make(map[string]*os.File),
		bufs:  make(map[string]*bufio.Writer),
	}, nil
}

// Run reads snapshots from in and writes them.
// Blocks until ctx is cancelled or in is closed.
func (w *Writer) Run(ctx context.Context, in <-chan model.BookSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			w.write(snap)
		}
	}
}

// write appends one line per product and flushes, so files stay tailable.
// Write errors are logged and skipped; a bad disk must not stop the feed.
func (w *Writer) write(snap model.BookSnapshot) {
	for product, levels := range snap.Products {
		buf, err := w.fileFor(product)
		if err != nil {
			log.Printf("[bookfile] open %s: %v", product, err)
			continue
		}
		payload, err := json.Marshal(line{
			Timestamp: snap.Timestamp,
			Bids:      levels.Bids,
			Asks:      levels.Asks,
		})
		if err != nil {
			log.Printf("[bookfile] marshal %s: %v", product, err)
			continue
		}
		payload = append(payload, '\n')
		if _, err := buf.Write(payload); err != nil {
			log.Printf("[bookfile] write %s: %v", product, err)
			continue
		}
		if err := buf.Flush(); err != nil {
			log.Printf("[bookfile] flush %s: %v", product, err)
			continue
		}
		if w.cfg.OnWrite != nil {
			w.cfg.OnWrite(product)
		}
	}
}

// fileFor returns the buffered writer for product, opening the backing
// file in append mode on first use.
func (w *Writer) fileFor(product string) (*bufio.Writer, error) {
	if buf, ok := w.bufs[product]; ok {
		return buf, nil
	}
	path := filepath.Join(w.cfg.Root, product+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w.files[product] = f
	w.bufs[product] = buf
	return buf, nil
}

// Close flushes and syncs every open file. The first error is returned
// but all files are still closed.
func (w *Writer) Close() error {
	var firstErr error
	for product, buf := range w.bufs {
		if err := buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", product, err)
		}
	}
	for product, f := range w.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync %s: %w", product, err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", product, err)
		}
	}
	w.bufs = make(map[string]*bufio.Writer)
	w.files = make(map[string]*os.File)
	return firstErr
}
