package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"coindata-systemv1/internal/exchange"
	"coindata-systemv1/internal/model"
)

// fakeVenue serves synthetic candles on a fixed granularity grid between
// dataStart and dataEnd, clamped to the requested window and capped at
// maxCandles, mirroring the venue contract. Results can be injected per
// window start (consumed once) to script failures.
type fakeVenue struct {
	dataStart, dataEnd int64
	maxCandles         int
	alwaysTag          exchange.Tag // non-empty: every call returns this tag

	mu      sync.Mutex
	calls   []fetchCall
	injects map[int64]exchange.FetchResult
	closed  bool
}

type fetchCall struct{ start, end int64 }

func (v *fakeVenue) FetchCandles(_ context.Context, _ string, start, end, gran int64) exchange.FetchResult {
	v.mu.Lock()
	v.calls = append(v.calls, fetchCall{start: start, end: end})
	if v.alwaysTag != "" {
		tag := v.alwaysTag
		v.mu.Unlock()
		return exchange.FetchResult{Tag: tag, Status: 404}
	}
	if res, ok := v.injects[start]; ok {
		delete(v.injects, start)
		v.mu.Unlock()
		return res
	}
	v.mu.Unlock()

	lo := alignUp(start, v.dataStart, gran)
	hi := end
	if hi > v.dataEnd {
		hi = v.dataEnd
	}
	var rows []model.Candle
	for t := lo; t <= hi && len(rows) < v.MaxCandles(); t += gran {
		rows = append(rows, model.Candle{T: t, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1})
	}
	if len(rows) == 0 {
		return exchange.FetchResult{Tag: exchange.TagNoData, Status: 200}
	}
	return exchange.FetchResult{Tag: exchange.TagOK, Candles: rows, Status: 200}
}

func (v *fakeVenue) MaxCandles() int {
	if v.maxCandles == 0 {
		return 300
	}
	return v.maxCandles
}

func (v *fakeVenue) RateLimit() float64 { return 5000 }

func (v *fakeVenue) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

func alignUp(ts, base, gran int64) int64 {
	if ts <= base {
		return base
	}
	if d := (ts - base) % gran; d != 0 {
		return ts + gran - d
	}
	return ts
}

// fakeCatalog is an in-memory Watermarker.
type fakeCatalog struct {
	mu       sync.Mutex
	marks    map[string][2]int64
	advances []advanceRec
}

type advanceRec struct {
	product           string
	gran, first, last int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{marks: make(map[string][2]int64)}
}

func (c *fakeCatalog) seed(product string, first, last int64) {
	c.mu.Lock()
	c.marks[product] = [2]int64{first, last}
	c.mu.Unlock()
}

func (c *fakeCatalog) Watermark(product string, _ int64) (int64, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.marks[product]
	return m[0], m[1], ok, nil
}

func (c *fakeCatalog) Advance(product string, gran, first, last int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advances = append(c.advances, advanceRec{product, gran, first, last})
	m, ok := c.marks[product]
	if !ok || first < m[0] {
		m[0] = first
	}
	if last > m[1] {
		m[1] = last
	}
	c.marks[product] = m
	return nil
}

func (c *fakeCatalog) Close() error { return nil }

func fixedNow() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) }

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	if cfg.RateHz == 0 {
		cfg.RateHz = 5000
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func runCollect(t *testing.T, e *Engine) ([]model.CandleBatch, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan model.CandleBatch, 1024)
	errCh := make(chan error, 1)
	go func() {
		err := e.Run(ctx, out)
		close(out)
		errCh <- err
	}()

	var batches []model.CandleBatch
	for b := range out {
		batches = append(batches, b)
	}
	return batches, <-errCh
}

func allTimestamps(batches []model.CandleBatch) []int64 {
	var ts []int64
	for _, b := range batches {
		for _, c := range b.Data {
			ts = append(ts, c.T)
		}
	}
	return ts
}

func assertStrictlyIncreasing(t *testing.T, ts []int64) {
	t.Helper()
	for i := 1; i < len(ts); i++ {
		if ts[i] <= ts[i-1] {
			t.Fatalf("timestamps not strictly increasing at %d: %d then %d", i, ts[i-1], ts[i])
		}
	}
}

// 2024-02-10 12:00:00 UTC and 13:00:00 UTC.
const (
	noon    = int64(1707566400)
	onePM   = int64(1707570000)
	minGran = int64(60)
)

func TestEngine_SmallRangeSingleBatch(t *testing.T) {
	venue := &fakeVenue{dataStart: noon, dataEnd: onePM - minGran}
	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-10 12:00:00", End: "2024-02-10 13:00:00"}},
	})

	batches, err := runCollect(t, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}

	ts := allTimestamps(batches)
	if len(ts) != 60 {
		t.Fatalf("expected 60 candles, got %d", len(ts))
	}
	assertStrictlyIncreasing(t, ts)
	if ts[0] != noon || ts[len(ts)-1] != onePM-minGran {
		t.Errorf("expected [%d, %d], got [%d, %d]", noon, onePM-minGran, ts[0], ts[len(ts)-1])
	}

	if !venue.closed {
		t.Error("expected adapter released after product")
	}
}

func TestEngine_UnknownProductEndsSilently(t *testing.T) {
	venue := &fakeVenue{alwaysTag: exchange.TagNotFound}
	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "ZZZ-NEVER"}},
	})

	batches, err := runCollect(t, e)
	if err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("expected zero batches, got %d", len(batches))
	}
	if !venue.closed {
		t.Error("expected adapter released")
	}
}

// resumeSetup seeds a watermark so the stream starts deterministically at
// 2024-02-10 08:00:00 with no discovery probes.
func resumeSetup(venue *fakeVenue, end string) (EngineConfig, *fakeCatalog) {
	catalog := newFakeCatalog()
	catalog.seed("BTC-USD", venue.dataStart-minGran, venue.dataStart-minGran)
	return EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-10", End: end}},
		Catalog:  catalog,
	}, catalog
}

func TestEngine_TimeoutSkipsOneWindow(t *testing.T) {
	start := int64(1707552000) // 08:00
	venue := &fakeVenue{
		dataStart:  start,
		dataEnd:    start + 3540, // 08:59
		maxCandles: 5,
		injects: map[int64]exchange.FetchResult{
			start + 300: {Tag: exchange.TagTimeout},
		},
	}
	cfg, _ := resumeSetup(venue, "2024-02-10 09:00:00")
	batches, err := runCollect(t, newTestEngine(t, cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts := allTimestamps(batches)
	assertStrictlyIncreasing(t, ts)

	// Exactly one gap, spanning the one skipped window (maxCandles rows).
	span := int64(venue.maxCandles) * minGran
	gaps := 0
	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d != minGran {
			gaps++
			if d != span+minGran {
				t.Errorf("expected gap of %d, got %d", span+minGran, d)
			}
		}
	}
	if gaps != 1 {
		t.Fatalf("expected exactly one gap, got %d", gaps)
	}
}

func TestEngine_RateLimitedRetriesSameWindow(t *testing.T) {
	start := int64(1707552000)
	venue := &fakeVenue{
		dataStart:  start,
		dataEnd:    start + 3540,
		maxCandles: 5,
		injects: map[int64]exchange.FetchResult{
			start + 300: {Tag: exchange.TagRateLimited, Status: 429},
		},
	}
	cfg, _ := resumeSetup(venue, "2024-02-10 08:20:00")
	batches, err := runCollect(t, newTestEngine(t, cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Retried window means no gap in the emitted series.
	ts := allTimestamps(batches)
	assertStrictlyIncreasing(t, ts)
	for i := 1; i < len(ts); i++ {
		if ts[i]-ts[i-1] != minGran {
			t.Fatalf("expected contiguous series through the retried window, gap at %d", ts[i])
		}
	}
	if len(ts) != 20 {
		t.Errorf("expected 20 candles, got %d", len(ts))
	}
}

func TestEngine_NoDataAdvancesOneGranularity(t *testing.T) {
	start := int64(1707552000)
	venue := &fakeVenue{
		dataStart:  start,
		dataEnd:    start + 3540,
		maxCandles: 5,
		injects: map[int64]exchange.FetchResult{
			start + 300: {Tag: exchange.TagNoData, Status: 200},
		},
	}
	cfg, _ := resumeSetup(venue, "2024-02-10 08:20:00")
	batches, err := runCollect(t, newTestEngine(t, cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One granularity skipped: a single missing candle, then data resumes.
	ts := allTimestamps(batches)
	assertStrictlyIncreasing(t, ts)
	gaps := 0
	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d != minGran {
			gaps++
			if d != 2*minGran {
				t.Errorf("expected a single missing candle, gap was %d", d)
			}
		}
	}
	if gaps != 1 {
		t.Fatalf("expected exactly one gap, got %d", gaps)
	}
}

func TestEngine_ResumeSkipsDiscovery(t *testing.T) {
	start := int64(1707552000)
	venue := &fakeVenue{dataStart: start, dataEnd: start + 3540, maxCandles: 5}
	cfg, catalog := resumeSetup(venue, "2024-02-10 08:10:00")
	batches, err := runCollect(t, newTestEngine(t, cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	venue.mu.Lock()
	firstCall := venue.calls[0]
	venue.mu.Unlock()
	if firstCall.start != start {
		t.Errorf("expected stream to start at watermark+granularity %d, got %d", start, firstCall.start)
	}

	if len(batches) == 0 || batches[0].First() != start {
		t.Fatalf("expected first batch at %d, got %+v", start, batches)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if len(catalog.advances) != len(batches) {
		t.Errorf("expected one watermark advance per batch, got %d for %d batches",
			len(catalog.advances), len(batches))
	}
	if catalog.advances[0].first != start {
		t.Errorf("expected first advance at %d, got %d", start, catalog.advances[0].first)
	}
}

func TestEngine_CurrentMonthTerminates(t *testing.T) {
	feb20 := int64(1708387200) // 2024-02-20 00:00
	mar1 := int64(1709251200)  // 2024-03-01 00:00
	venue := &fakeVenue{dataStart: feb20, dataEnd: mar1 + 20*86400, maxCandles: 24}
	catalog := newFakeCatalog()
	catalog.seed("BTC-USD", feb20-3600, feb20-3600)

	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-19", Granularity: 3600}},
		Catalog:  catalog,
		Now:      func() time.Time { return time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC) },
	})

	batches, err := runCollect(t, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := allTimestamps(batches)
	if len(ts) == 0 {
		t.Fatal("expected history before the current month")
	}
	for _, v := range ts {
		if v >= mar1 {
			t.Fatalf("expected nothing from the current month, got %d", v)
		}
	}
	if last := ts[len(ts)-1]; last != mar1-3600 {
		t.Errorf("expected history to stop at %d, got %d", mar1-3600, last)
	}
}

func TestEngine_EndClampedToNow(t *testing.T) {
	feb20 := int64(1708387200)
	venue := &fakeVenue{dataStart: feb20, dataEnd: feb20 + 5*86400}
	catalog := newFakeCatalog()
	catalog.seed("BTC-USD", feb20-86400, feb20-86400)
	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-19", End: "2999-01-01", Granularity: 86400}},
		Catalog:  catalog,
	})

	if _, err := runCollect(t, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := fixedNow().Unix()
	venue.mu.Lock()
	defer venue.mu.Unlock()
	for _, c := range venue.calls {
		if c.end > now {
			t.Fatalf("expected requests clamped to now, got window end %d", c.end)
		}
	}
}

func TestEngine_StartEqualsEndEmitsNothing(t *testing.T) {
	opened := false
	e := newTestEngine(t, EngineConfig{
		Opener: func(string) (exchange.HistorySource, error) {
			opened = true
			return &fakeVenue{}, nil
		},
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-10", End: "2024-02-10"}},
	})

	batches, err := runCollect(t, e)
	if err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("expected zero batches, got %d", len(batches))
	}
	if opened {
		t.Error("expected no adapter acquisition for an empty range")
	}
}

func TestEngine_StartAfterEndFailsFast(t *testing.T) {
	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return &fakeVenue{}, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-03-01", End: "2024-02-01"}},
	})

	if _, err := runCollect(t, e); err == nil {
		t.Fatal("expected invariant violation to surface")
	}
}

func TestEngine_ProductsAreSequential(t *testing.T) {
	venues := map[string]*fakeVenue{
		"BTC-USD": {dataStart: noon, dataEnd: noon + 240},
		"ETH-USD": {dataStart: noon, dataEnd: noon + 240},
	}
	e := newTestEngine(t, EngineConfig{
		Opener: func(p string) (exchange.HistorySource, error) { return venues[p], nil },
		Requests: []Request{
			{Product: "BTC-USD", Start: "2024-02-10 12:00:00", End: "2024-02-10 12:05:00"},
			{Product: "ETH-USD", Start: "2024-02-10 12:00:00", End: "2024-02-10 12:05:00"},
		},
	})

	batches, err := runCollect(t, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seenETH := false
	for _, b := range batches {
		if b.Product == "ETH-USD" {
			seenETH = true
		}
		if b.Product == "BTC-USD" && seenETH {
			t.Fatal("expected all BTC-USD batches before any ETH-USD batch")
		}
	}
	if !seenETH {
		t.Fatal("expected batches for the second product")
	}
	for p, v := range venues {
		if !v.closed {
			t.Errorf("expected %s adapter released", p)
		}
	}
}

func TestEngine_ObservesEveryResult(t *testing.T) {
	venue := &fakeVenue{dataStart: noon, dataEnd: noon + 240}
	var tags []exchange.Tag
	var mu sync.Mutex
	e := newTestEngine(t, EngineConfig{
		Opener:   func(string) (exchange.HistorySource, error) { return venue, nil },
		Requests: []Request{{Product: "BTC-USD", Start: "2024-02-10 12:00:00", End: "2024-02-10 12:05:00"}},
		OnResult: func(_ string, res exchange.FetchResult) {
			mu.Lock()
			tags = append(tags, res.Tag)
			mu.Unlock()
		},
	})

	if _, err := runCollect(t, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	venue.mu.Lock()
	calls := len(venue.calls)
	venue.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	if len(tags) != calls {
		t.Errorf("expected one observation per request, got %d for %d calls", len(tags), calls)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(EngineConfig{Exchange: "coinbase"}); err == nil {
		t.Error("expected error for empty request set")
	}
	if _, err := New(EngineConfig{
		Exchange: "coinbase",
		Requests: []Request{{Product: ""}},
	}); err == nil {
		t.Error("expected error for empty product")
	}
	if _, err := New(EngineConfig{
		Exchange: "coinbase",
		Requests: []Request{{Product: "BTC-USD", Granularity: 120}},
	}); err == nil {
		t.Error("expected error for granularity outside the supported set")
	}
	if _, err := New(EngineConfig{
		Requests: []Request{{Product: "BTC-USD"}},
	}); err == nil {
		t.Error("expected error when no venue and no opener given")
	}
}
