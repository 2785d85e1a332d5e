package backfill

import (
	"context"
	"errors"
	"testing"
)

// thresholdProbe returns a probe that succeeds for ts >= first and records
// every probed timestamp with its outcome.
func thresholdProbe(first int64, trace *[]probeTrace) probeFunc {
	return func(_ context.Context, ts int64) (bool, error) {
		ok := ts >= first
		*trace = append(*trace, probeTrace{ts: ts, ok: ok})
		return ok, nil
	}
}

type probeTrace struct {
	ts int64
	ok bool
}

func TestFirstOccurrence_FindsBoundary(t *testing.T) {
	var trace []probeTrace
	got, err := firstOccurrence(context.Background(), thresholdProbe(1337, &trace), 0, 100000, defaultBisectDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1337 {
		t.Fatalf("expected 1337, got %d", got)
	}

	// Soundness: the returned probe succeeded, and no earlier probe did.
	for _, p := range trace {
		if p.ts < got && p.ok {
			t.Errorf("probe at %d succeeded before returned %d", p.ts, got)
		}
	}
}

func TestFirstOccurrence_AllData(t *testing.T) {
	var trace []probeTrace
	got, err := firstOccurrence(context.Background(), thresholdProbe(0, &trace), 0, 1<<30, defaultBisectDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 when the whole range has data, got %d", got)
	}
}

func TestFirstOccurrence_NoData(t *testing.T) {
	probe := func(context.Context, int64) (bool, error) { return false, nil }
	got, err := firstOccurrence(context.Background(), probe, 0, 1000, defaultBisectDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != NoneFound {
		t.Errorf("expected NoneFound, got %d", got)
	}
}

func TestFirstOccurrence_SinglePoint(t *testing.T) {
	var trace []probeTrace
	got, err := firstOccurrence(context.Background(), thresholdProbe(42, &trace), 42, 42, defaultBisectDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}

	got, err = firstOccurrence(context.Background(), thresholdProbe(100, &trace), 42, 42, defaultBisectDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != NoneFound {
		t.Errorf("expected NoneFound for dataless point, got %d", got)
	}
}

func TestFirstOccurrence_DepthExhausted(t *testing.T) {
	var trace []probeTrace
	// Depth 1 cannot narrow a wide range down to the boundary.
	got, err := firstOccurrence(context.Background(), thresholdProbe(0, &trace), 0, 1<<20, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != NoneFound {
		t.Errorf("expected NoneFound at exhausted depth, got %d", got)
	}
}

func TestFirstOccurrence_ProbeBudget(t *testing.T) {
	var trace []probeTrace
	if _, err := firstOccurrence(context.Background(), thresholdProbe(999983, &trace), 0, 1<<30, defaultBisectDepth); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// At most two probes per level.
	if len(trace) > 2*defaultBisectDepth+2 {
		t.Errorf("expected at most %d probes, got %d", 2*defaultBisectDepth+2, len(trace))
	}
}

func TestFirstOccurrence_ErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	probe := func(context.Context, int64) (bool, error) {
		calls++
		return false, boom
	}
	_, err := firstOccurrence(context.Background(), probe, 0, 1000, defaultBisectDepth)
	if !errors.Is(err, boom) {
		t.Fatalf("expected probe error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected search to stop on first error, got %d calls", calls)
	}
}
