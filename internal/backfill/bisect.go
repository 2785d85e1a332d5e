package backfill

import "context"

// NoneFound is the sentinel returned when no probed timestamp yields data
// within the recursion budget.
const NoneFound int64 = -1

// defaultBisectDepth caps the halvings; precision is range / 2^32.
const defaultBisectDepth = 32

// probeFunc reports whether the venue has data at ts. A returned error
// aborts discovery (cancellation, or the product does not exist).
type probeFunc func(ctx context.Context, ts int64) (bool, error)

// firstOccurrence locates the leftmost timestamp in [lo, hi] whose probe
// succeeds, recursing at most depth times. The result is the earliest
// discoverable timestamp within depth halvings of the range, not
// necessarily the exact first candle.
//
// On a successful probe at mid it first checks mid-1: if that also has
// data the answer lies in [lo, mid-1], otherwise mid is the boundary.
func firstOccurrence(ctx context.Context, probe probeFunc, lo, hi int64, depth int) (int64, error) {
	if depth <= 0 {
		return NoneFound, nil
	}
	if lo == hi {
		ok, err := probe(ctx, lo)
		if err != nil {
			return NoneFound, err
		}
		if ok {
			return lo, nil
		}
		return NoneFound, nil
	}

	mid := lo + (hi-lo)/2
	ok, err := probe(ctx, mid)
	if err != nil {
		return NoneFound, err
	}
	if ok {
		if mid > lo {
			prev, err := probe(ctx, mid-1)
			if err != nil {
				return NoneFound, err
			}
			if prev {
				return firstOccurrence(ctx, probe, lo, mid-1, depth-1)
			}
		}
		return mid, nil
	}
	return firstOccurrence(ctx, probe, mid+1, hi, depth-1)
}
