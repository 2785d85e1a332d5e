package columnar

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"coindata-systemv1/internal/model"
)

// Compact merges the product's scratch rows into its merged partition now
// and truncates the scratch. Run triggers this on its own at the size
// threshold and on product switches; callers needing read-your-writes
// freshness call it directly. Compacting an empty scratch is a no-op.
func (s *Store) Compact(product string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(product)
}

func (s *Store) compactLocked(product string) error {
	if s.active != nil && s.active.product == product {
		s.active.w.Flush()
		if err := s.active.w.Error(); err != nil {
			return fmt.Errorf("flush scratch %s: %w", product, err)
		}
	}

	fresh, err := readScratch(s.scratchPath(product))
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	merged, err := readMerged(s.mergedPath(product))
	if err != nil {
		return err
	}

	// Previously compacted rows come first so they win the keep-first
	// dedupe on any timestamp overlap.
	rows := sortDedupe(append(merged, fresh...))

	tmp := s.mergedPath(product) + ".tmp"
	if err := parquet.WriteFile(tmp, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write merged %s: %w", product, err)
	}
	if err := os.Rename(tmp, s.mergedPath(product)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace merged %s: %w", product, err)
	}

	if s.active != nil && s.active.product == product {
		if err := s.active.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate scratch %s: %w", product, err)
		}
		s.active.size = 0
	} else if err := os.Truncate(s.scratchPath(product), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate scratch %s: %w", product, err)
	}

	if s.cfg.OnCompact != nil {
		s.cfg.OnCompact(product, len(rows))
	}
	return nil
}

// readScratch parses the whole scratch CSV. A missing or empty file reads
// as zero rows; a malformed row aborts so the scratch stays inspectable.
func readScratch(path string) ([]model.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open scratch %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read scratch %s: %w", path, err)
	}

	candles := make([]model.Candle, 0, len(records))
	for _, rec := range records {
		c, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("scratch %s: %w", path, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseRow(rec []string) (model.Candle, error) {
	ts, err := model.ToUnix(rec[0])
	if err != nil {
		return model.Candle{}, fmt.Errorf("bad timestamp %q: %w", rec[0], err)
	}
	var vals [5]float64
	for i, field := range rec[1:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("bad column %d %q: %w", i+1, field, err)
		}
		vals[i] = v
	}
	return model.Candle{
		T: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
	}, nil
}

// sortDedupe orders rows ascending by timestamp and keeps the first row
// seen for each timestamp (stable sort preserves input precedence).
func sortDedupe(rows []model.Candle) []model.Candle {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].T < rows[j].T })
	out := rows[:0]
	for _, c := range rows {
		if len(out) > 0 && out[len(out)-1].T == c.T {
			continue
		}
		out = append(out, c)
	}
	return out
}
