// Package backfill implements the historical OHLCV fetch pipeline:
// per-product first-candle discovery via bounded bisection, windowed
// streaming over a rate limiter, and a seven-way response taxonomy that
// turns per-request failures into cursor movement instead of errors.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"coindata-systemv1/internal/exchange"
	"coindata-systemv1/internal/logger"
	"coindata-systemv1/internal/model"
)

const (
	// DefaultStart predates every venue listing; bisection finds the real
	// first candle so the distance costs only ~32 probes.
	DefaultStart = "2012-01-01"

	DefaultGranularity int64 = 60

	defaultBackoff = 2 * time.Second
)

// errProductNotFound aborts discovery when the venue answers 404 for a
// probe; the product does not exist, bisecting further is pointless.
var errProductNotFound = errors.New("product not found")

// Request describes one product's backfill range. Zero values take the
// engine defaults; End defaults to the wall clock.
type Request struct {
	Product     string `json:"product_id"`
	Start       string `json:"start_date,omitempty"`
	End         string `json:"end_date,omitempty"`
	Granularity int64  `json:"granularity,omitempty"`
}

// EngineConfig wires the engine to a venue and its collaborators.
type EngineConfig struct {
	Exchange string
	Settings exchange.Settings
	Requests []Request

	DefaultStart       string
	DefaultGranularity int64
	RateHz             float64       // 0 means the adapter's own rate
	Backoff            time.Duration // retry delay for rate_limited / server_error
	BisectDepth        int

	// Opener overrides the registry lookup; tests inject fakes here.
	Opener func(product string) (exchange.HistorySource, error)

	// OnResult observes every classified request, probes included.
	OnResult func(product string, res exchange.FetchResult)

	// OnProbe observes each discovery probe window issued.
	OnProbe func(product string)

	// OnSkippedWindow observes windows abandoned after timeout or API
	// failure.
	OnSkippedWindow func(product string)

	// Catalog records watermarks for resume when non-nil.
	Catalog model.Watermarker

	// Logs supplies per-product file loggers when non-nil.
	Logs *logger.Manager

	// Now is a test seam for the current-month termination check.
	Now func() time.Time
}

// Engine streams candle batches for a set of products, one product at a
// time. Within a product batches are strictly increasing in timestamp;
// across products all batches for an earlier request precede any for a
// later one.
type Engine struct {
	cfg EngineConfig
}

// New validates the request set and applies defaults.
func New(cfg EngineConfig) (*Engine, error) {
	if len(cfg.Requests) == 0 {
		return nil, errors.New("backfill: no products requested")
	}
	if cfg.Exchange == "" && cfg.Opener == nil {
		return nil, errors.New("backfill: exchange name required")
	}
	if cfg.DefaultStart == "" {
		cfg.DefaultStart = DefaultStart
	}
	if cfg.DefaultGranularity == 0 {
		cfg.DefaultGranularity = DefaultGranularity
	}
	if !model.ValidGranularity(cfg.DefaultGranularity) {
		return nil, fmt.Errorf("backfill: invalid default granularity %d", cfg.DefaultGranularity)
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.BisectDepth == 0 {
		cfg.BisectDepth = defaultBisectDepth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, r := range cfg.Requests {
		if r.Product == "" {
			return nil, errors.New("backfill: request with empty product")
		}
		if r.Granularity != 0 && !model.ValidGranularity(r.Granularity) {
			return nil, fmt.Errorf("backfill: %s: invalid granularity %d", r.Product, r.Granularity)
		}
	}
	return &Engine{cfg: cfg}, nil
}

// Run fetches every requested product sequentially, emitting batches on
// out. Blocks until all products are exhausted, an invariant is violated,
// or ctx is cancelled. Per-request failures never surface here.
func (e *Engine) Run(ctx context.Context, out chan<- model.CandleBatch) error {
	for i, req := range e.cfg.Requests {
		log.Printf("[backfill] product %d/%d: %s", i+1, len(e.cfg.Requests), req.Product)
		if err := e.runProduct(ctx, req, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runProduct(ctx context.Context, req Request, out chan<- model.CandleBatch) error {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(req.Product, e.cfg.Now()))
	lg := e.logFor(req.Product)

	start, end, gran, err := e.normalize(req)
	if err != nil {
		return err
	}
	if start == end {
		lg.Info("empty range, nothing to fetch", logger.LogWithTrace(ctx)...)
		return nil
	}

	src, err := e.open(req.Product)
	if err != nil {
		return fmt.Errorf("open adapter for %s: %w", req.Product, err)
	}
	defer src.Close()

	hz := e.cfg.RateHz
	if hz == 0 {
		hz = src.RateLimit()
	}
	limiter := rate.NewLimiter(rate.Limit(hz), 1)

	windowSpan := int64(src.MaxCandles()) * gran
	probeSpan := int64(src.MaxCandles()) * 60

	lg.Info("backfill started",
		append(logger.LogWithTrace(ctx),
			slog.Int64("start", start), slog.Int64("end", end), slog.Int64("granularity", gran))...)

	cursor, resumed, err := e.resumeCursor(req.Product, gran, start, lg)
	if err != nil {
		return err
	}
	if !resumed {
		probe := func(ctx context.Context, ts int64) (bool, error) {
			if err := limiter.Wait(ctx); err != nil {
				return false, err
			}
			if e.cfg.OnProbe != nil {
				e.cfg.OnProbe(req.Product)
			}
			res := src.FetchCandles(ctx, req.Product, ts, ts+probeSpan, gran)
			e.observe(req.Product, res)
			if res.Tag == exchange.TagNotFound {
				return false, errProductNotFound
			}
			return res.OK(), nil
		}
		first, err := firstOccurrence(ctx, probe, start, end, e.cfg.BisectDepth)
		if err != nil {
			if errors.Is(err, errProductNotFound) {
				lg.Error("product not found, terminating", logger.LogWithTrace(ctx)...)
				return nil
			}
			return err
		}
		if first == NoneFound {
			lg.Warn("no data discoverable in range, skipping product")
			return nil
		}
		cursor = first
		lg.Info("first candle discovered", slog.Int64("first_ts", first))
	}

	var emitted int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cursor >= end {
			break
		}
		if e.inCurrentMonth(cursor) {
			lg.Info("cursor reached current month, symbol caught up",
				slog.Int64("cursor", cursor))
			break
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		winEnd := cursor + windowSpan
		if winEnd > end {
			winEnd = end
		}

		res := src.FetchCandles(ctx, req.Product, cursor, winEnd, gran)
		e.observe(req.Product, res)

		switch res.Tag {
		case exchange.TagOK:
			next, n, err := e.emit(ctx, req.Product, gran, cursor, res.Candles, out)
			if err != nil {
				return err
			}
			emitted += n
			cursor = next

		case exchange.TagNotFound:
			lg.Error("product not found, terminating", slog.Int64("cursor", cursor))
			return nil

		case exchange.TagRateLimited, exchange.TagServerError:
			lg.Warn("backing off, retrying window",
				slog.String("tag", string(res.Tag)), slog.Int("status", res.Status))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.Backoff):
			}

		case exchange.TagNoData:
			lg.Debug("empty window", slog.Int64("cursor", cursor))
			cursor += gran

		case exchange.TagTimeout, exchange.TagAPIFailure:
			lg.Error("skipping window",
				slog.String("tag", string(res.Tag)),
				slog.Int64("cursor", cursor),
				slog.Any("err", res.Err))
			if e.cfg.OnSkippedWindow != nil {
				e.cfg.OnSkippedWindow(req.Product)
			}
			cursor += windowSpan
		}
	}

	lg.Info("backfill finished", slog.Int("candles", emitted))
	return nil
}

// emit filters rows behind the cursor, sends the batch, records the
// watermark, and returns the advanced cursor. The cursor never moves
// backwards; a stuck cursor is forced one granularity forward.
func (e *Engine) emit(ctx context.Context, product string, gran, cursor int64, candles []model.Candle, out chan<- model.CandleBatch) (int64, int, error) {
	last := cursor
	if len(candles) > 0 {
		if t := candles[len(candles)-1].T; t > last {
			last = t
		}
	}
	next := last + gran
	if next <= cursor {
		next = cursor + gran
	}

	kept := candles[:0]
	for _, c := range candles {
		if c.T >= cursor {
			kept = append(kept, c)
		}
	}

	if len(kept) == 0 {
		return next, 0, nil
	}

	batch := model.CandleBatch{Product: product, Data: kept}
	select {
	case out <- batch:
	case <-ctx.Done():
		return cursor, 0, ctx.Err()
	}

	if e.cfg.Catalog != nil {
		if err := e.cfg.Catalog.Advance(product, gran, batch.First(), batch.Last()); err != nil {
			e.logFor(product).Warn("watermark update failed", slog.Any("err", err))
		}
	}
	return next, len(kept), nil
}

// normalize resolves defaults, parses dates, clamps end to now, and
// enforces the start <= end invariant.
func (e *Engine) normalize(req Request) (start, end, gran int64, err error) {
	gran = req.Granularity
	if gran == 0 {
		gran = e.cfg.DefaultGranularity
	}

	startStr := req.Start
	if startStr == "" {
		startStr = e.cfg.DefaultStart
	}
	start, err = model.ToUnix(startStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s: bad start date: %w", req.Product, err)
	}

	now := e.cfg.Now().UTC().Unix()
	if req.End == "" {
		end = now
	} else {
		end, err = model.ToUnix(req.End)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%s: bad end date: %w", req.Product, err)
		}
	}
	if end > now {
		end = now
	}

	if start > end {
		return 0, 0, 0, fmt.Errorf("%s: start %d after end %d", req.Product, start, end)
	}
	return start, end, gran, nil
}

// resumeCursor consults the catalog watermark; resume only moves the
// cursor forward of the requested start.
func (e *Engine) resumeCursor(product string, gran, start int64, lg *slog.Logger) (int64, bool, error) {
	if e.cfg.Catalog == nil {
		return start, false, nil
	}
	_, last, ok, err := e.cfg.Catalog.Watermark(product, gran)
	if err != nil {
		return 0, false, fmt.Errorf("read watermark for %s: %w", product, err)
	}
	if !ok || last+gran <= start {
		return start, false, nil
	}
	lg.Info("resuming from watermark", slog.Int64("last_ts", last))
	return last + gran, true, nil
}

func (e *Engine) inCurrentMonth(ts int64) bool {
	now := e.cfg.Now().UTC()
	t := time.Unix(ts, 0).UTC()
	return t.Year() == now.Year() && t.Month() == now.Month()
}

func (e *Engine) open(product string) (exchange.HistorySource, error) {
	if e.cfg.Opener != nil {
		return e.cfg.Opener(product)
	}
	return exchange.Open(e.cfg.Exchange, e.cfg.Settings)
}

func (e *Engine) observe(product string, res exchange.FetchResult) {
	if e.cfg.OnResult != nil {
		e.cfg.OnResult(product, res)
	}
}

func (e *Engine) logFor(product string) *slog.Logger {
	if e.cfg.Logs != nil {
		return e.cfg.Logs.For(product)
	}
	return slog.Default()
}
