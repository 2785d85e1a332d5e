package columnar

import (
	"fmt"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"

	"coindata-systemv1/internal/model"
)

// Query returns merged-tier rows with tFrom <= t <= tTo, ascending. The
// scratch tier is invisible until compacted; a product with no merged
// partition yields an empty result.
func (s *Store) Query(product string, tFrom, tTo int64) ([]model.Candle, error) {
	rows, err := readMerged(s.mergedPath(product))
	if err != nil {
		return nil, err
	}

	lo := sort.Search(len(rows), func(i int) bool { return rows[i].T >= tFrom })
	hi := sort.Search(len(rows), func(i int) bool { return rows[i].T > tTo })
	if lo >= hi {
		return nil, nil
	}
	return rows[lo:hi], nil
}

// QueryBetween accepts either bound as epoch seconds (integer or float),
// an ISO-8601 string, or a time value.
func (s *Store) QueryBetween(product string, from, to any) ([]model.Candle, error) {
	tFrom, err := model.ToUnix(from)
	if err != nil {
		return nil, fmt.Errorf("bad from bound: %w", err)
	}
	tTo, err := model.ToUnix(to)
	if err != nil {
		return nil, fmt.Errorf("bad to bound: %w", err)
	}
	return s.Query(product, tFrom, tTo)
}

func readMerged(path string) ([]model.Candle, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat merged %s: %w", path, err)
	}
	rows, err := parquet.ReadFile[model.Candle](path)
	if err != nil {
		return nil, fmt.Errorf("read merged %s: %w", path, err)
	}
	return rows, nil
}
