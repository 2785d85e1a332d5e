// Package columnar persists candle batches through a two-tier write path:
// an append-only CSV scratch file per product under <root>/temp, compacted
// into a sorted, deduplicated, snappy-compressed parquet partition at
// <root>/<product>.parquet that serves range queries.
package columnar

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"coindata-systemv1/internal/model"
)

const (
	// DefaultThreshold is the scratch size that forces compaction.
	DefaultThreshold int64 = 10 * 1024 * 1024

	tempDir    = "temp"
	scratchExt = ".csv"
	mergedExt  = ".parquet"
)

// Config configures the store.
type Config struct {
	Root      string // data root; scratch lives under <root>/temp
	Threshold int64  // scratch bytes before compaction, default 10 MiB

	// Metrics hooks (optional, set before Run)
	OnWrite   func(product string, rows int, scratchBytes int64)
	OnCompact func(product string, mergedRows int)
}

// Store owns one scratch file handle at a time; batches arrive grouped by
// product, so a product switch retires the previous scratch. A single
// writer per product is assumed; queries may run concurrently.
type Store struct {
	cfg Config

	mu     sync.Mutex
	active *scratch
}

// scratch is the open append handle for the product currently being
// written.
type scratch struct {
	product string
	path    string
	file    *os.File
	w       *csv.Writer
	size    int64
}

// New prepares the data root and scratch directory.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("columnar: data root required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, tempDir), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Store{cfg: cfg}, nil
}

// Run consumes candle batches until ctx is cancelled or in closes. Write
// and compaction failures are logged and leave the scratch intact; they
// never stop the pipeline.
func (s *Store) Run(ctx context.Context, in <-chan model.CandleBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-in:
			if !ok {
				return
			}
			if err := s.Write(batch); err != nil {
				log.Printf("[columnar] write %s: %v", batch.Product, err)
			}
		}
	}
}

// Write appends one batch to its product's scratch file. A product switch
// compacts the previous product first; a scratch file grown past the
// threshold is compacted after the append.
func (s *Store) Write(batch model.CandleBatch) error {
	if len(batch.Data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.product != batch.Product {
		if err := s.compactLocked(s.active.product); err != nil {
			log.Printf("[columnar] CRITICAL: compact %s on product switch: %v (scratch left intact)",
				s.active.product, err)
		}
	}

	sc, err := s.scratchFor(batch.Product)
	if err != nil {
		return err
	}
	for _, c := range batch.Data {
		if err := sc.w.Write(csvRow(c)); err != nil {
			return fmt.Errorf("append scratch %s: %w", batch.Product, err)
		}
	}
	sc.w.Flush()
	if err := sc.w.Error(); err != nil {
		return fmt.Errorf("flush scratch %s: %w", batch.Product, err)
	}

	st, err := sc.file.Stat()
	if err != nil {
		return fmt.Errorf("stat scratch %s: %w", batch.Product, err)
	}
	sc.size = st.Size()

	if s.cfg.OnWrite != nil {
		s.cfg.OnWrite(batch.Product, len(batch.Data), sc.size)
	}

	if sc.size > s.cfg.Threshold {
		if err := s.compactLocked(batch.Product); err != nil {
			log.Printf("[columnar] CRITICAL: compact %s at threshold: %v (scratch left intact)",
				batch.Product, err)
		}
	}
	return nil
}

// Close flushes and releases the active scratch handle. Scratch rows stay
// on disk and become queryable after the next compaction.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeActiveLocked()
}

func (s *Store) scratchFor(product string) (*scratch, error) {
	if s.active != nil && s.active.product == product {
		return s.active, nil
	}
	if s.active != nil {
		if err := s.closeActiveLocked(); err != nil {
			log.Printf("[columnar] release scratch: %v", err)
		}
	}

	path := s.scratchPath(product)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open scratch %s: %w", product, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat scratch %s: %w", product, err)
	}
	s.active = &scratch{
		product: product,
		path:    path,
		file:    f,
		w:       csv.NewWriter(f),
		size:    st.Size(),
	}
	return s.active, nil
}

func (s *Store) closeActiveLocked() error {
	if s.active == nil {
		return nil
	}
	sc := s.active
	s.active = nil

	sc.w.Flush()
	if err := sc.w.Error(); err != nil {
		sc.file.Close()
		return fmt.Errorf("flush scratch %s: %w", sc.product, err)
	}
	if err := sc.file.Sync(); err != nil {
		sc.file.Close()
		return fmt.Errorf("sync scratch %s: %w", sc.product, err)
	}
	if err := sc.file.Close(); err != nil {
		return fmt.Errorf("close scratch %s: %w", sc.product, err)
	}
	return nil
}

func (s *Store) scratchPath(product string) string {
	return filepath.Join(s.cfg.Root, tempDir, product+scratchExt)
}

func (s *Store) mergedPath(product string) string {
	return filepath.Join(s.cfg.Root, product+mergedExt)
}

// csvRow renders one candle in scratch column order.
func csvRow(c model.Candle) []string {
	return []string{
		strconv.FormatInt(c.T, 10),
		strconv.FormatFloat(c.Open, 'f', -1, 64),
		strconv.FormatFloat(c.High, 'f', -1, 64),
		strconv.FormatFloat(c.Low, 'f', -1, 64),
		strconv.FormatFloat(c.Close, 'f', -1, 64),
		strconv.FormatFloat(c.Volume, 'f', -1, 64),
	}
}
