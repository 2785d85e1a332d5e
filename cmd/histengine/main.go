package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coindata-systemv1/config"
	"coindata-systemv1/internal/backfill"
	"coindata-systemv1/internal/bus"
	"coindata-systemv1/internal/exchange"
	_ "coindata-systemv1/internal/exchange/coinbase" // registers the venue
	"coindata-systemv1/internal/logger"
	"coindata-systemv1/internal/metrics"
	"coindata-systemv1/internal/model"
	"coindata-systemv1/internal/store/catalog"
	"coindata-systemv1/internal/store/columnar"
	"coindata-systemv1/internal/store/redispub"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[histengine] starting...")

	// ---- Flags ----
	configPath := flag.String("config", "config.json", "Path to identity config")
	exchangeName := flag.String("exchange", "coinbase", "Venue to fetch from")
	products := flag.String("products", "", "Comma-separated product IDs, e.g. BTC-USD,ETH-USD")
	productsFile := flag.String("products-file", "", "JSON file with per-product requests (overrides -products)")
	granularity := flag.Int64("granularity", 60, "Candle width in seconds (60,300,900,3600,21600,86400)")
	start := flag.String("start", "", "Range start date (default: discover the first candle)")
	end := flag.String("end", "", "Range end date (default: now)")
	rateHz := flag.Float64("rate", 0, "Request rate limit in Hz (0 = venue default)")
	thresholdMB := flag.Int64("threshold-mb", 0, "Scratch compaction threshold in MiB (0 = default)")
	flag.Parse()

	// ---- Load config ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[histengine] config load failed: %v", err)
	}
	logger.Init("histengine", cfg.SlogLevel())

	// ---- Build the request set ----
	requests, err := buildRequests(*products, *productsFile, *start, *end, *granularity)
	if err != nil {
		log.Fatalf("[histengine] %v", err)
	}
	log.Printf("[histengine] %d product(s) requested at %ds granularity", len(requests), *granularity)

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetProducts(productNames(requests))
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Open the watermark catalog ----
	os.MkdirAll("data", 0o755)
	cat, err := catalog.New(catalog.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[histengine] catalog init failed: %v", err)
	}
	defer cat.Close()
	health.SetCatalogOK(true)
	log.Println("[histengine] catalog ready")

	// ---- Open the columnar store ----
	storeRoot := filepath.Join(cfg.DataRoot, *exchangeName, "ohlcv")
	store, err := columnar.New(columnar.Config{
		Root:      storeRoot,
		Threshold: *thresholdMB << 20,
		OnWrite: func(product string, rows int, scratchBytes int64) {
			prom.RowsWritten.Add(float64(rows))
			prom.ScratchBytes.WithLabelValues(product).Set(float64(scratchBytes))
		},
		OnCompact: func(product string, mergedRows int) {
			prom.Compactions.Inc()
			prom.CompactedRows.Add(float64(mergedRows))
			prom.ScratchBytes.WithLabelValues(product).Set(0)
		},
	})
	if err != nil {
		log.Fatalf("[histengine] store init failed: %v", err)
	}
	log.Printf("[histengine] columnar store ready at %s", storeRoot)

	// ---- Start Redis publisher ----
	var pub *redispub.Publisher
	pub, err = redispub.New(redispub.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Exchange: *exchangeName,
	})
	if err != nil {
		log.Printf("[histengine] WARNING: redis init failed: %v (continuing without redis)", err)
		pub = nil
		health.SetRedisConnected(false)
	} else {
		pub.OnError = func() { prom.RedisPublishErrors.Inc() }
		health.SetRedisConnected(true)
		log.Println("[histengine] redis publisher ready")
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), cat.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, cat.DB(), 10*time.Second)
	}

	// ---- Fan out batches to the store and Redis ----
	fanout := bus.NewBatch(256)
	storeCh := fanout.Subscribe()
	var redisCh <-chan model.CandleBatch
	if pub != nil {
		redisCh = fanout.Subscribe()
	}

	batchCh := make(chan model.CandleBatch, 256)
	go fanout.Run(ctx, batchCh)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := fanout.ChannelStats()
				for i, s := range stats {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
					}
				}
			}
		}
	}()

	storeDone := make(chan struct{})
	go func() {
		store.Run(ctx, storeCh)
		close(storeDone)
	}()

	pubDone := make(chan struct{})
	if pub != nil {
		go func() {
			pub.Run(ctx, redisCh)
			close(pubDone)
		}()
	} else {
		close(pubDone)
	}

	// ---- Per-product file logs ----
	logs := logger.NewManager(cfg.LogDir, *exchangeName+"/ohlcv", cfg.SlogLevel())
	defer logs.Close()

	// ---- Build the engine ----
	engine, err := backfill.New(backfill.EngineConfig{
		Exchange: *exchangeName,
		Settings: exchange.Settings{
			UserAgent: cfg.UserAgent,
			Email:     cfg.Email,
			Version:   cfg.Version,
			RepoLink:  cfg.RepoLink,
		},
		Requests:           requests,
		DefaultGranularity: *granularity,
		RateHz:             *rateHz,
		Catalog:            cat,
		Logs:               logs,
		OnResult: func(product string, res exchange.FetchResult) {
			prom.FetchRequests.WithLabelValues(product, string(res.Tag)).Inc()
			if res.OK() {
				prom.CandlesFetched.Add(float64(len(res.Candles)))
			}
			health.SetFeedConnected(true)
			health.SetLastDataTime(time.Now())
		},
		OnProbe: func(product string) {
			prom.DiscoveryProbes.Inc()
		},
		OnSkippedWindow: func(product string) {
			prom.WindowsSkipped.Inc()
		},
	})
	if err != nil {
		log.Fatalf("[histengine] engine init failed: %v", err)
	}

	log.Println("[histengine] ╔════════════════════════════════════════════════════════════╗")
	log.Println("[histengine] ║  Historical Candle Engine                                  ║")
	log.Println("[histengine] ║                                                            ║")
	log.Println("[histengine] ║  [REST fetch] → [fan-out] → [parquet store / Redis]        ║")
	log.Printf("[histengine] ║  Exchange: %-47s ║", *exchangeName)
	log.Printf("[histengine] ║  Products: %-47d ║", len(requests))
	log.Println("[histengine] ╚════════════════════════════════════════════════════════════╝")

	// ---- Run the backfill ----
	engineDone := make(chan error, 1)
	go func() {
		err := engine.Run(ctx, batchCh)
		close(batchCh)
		engineDone <- err
	}()

	var runErr error
	select {
	case <-sigCh:
		log.Println("[histengine] shutdown signal received, cleaning up...")
		cancel()
		runErr = <-engineDone
	case runErr = <-engineDone:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("[histengine] backfill error: %v", runErr)
	}

	// Wait for the sinks to drain whatever the fan-out delivered.
	<-storeDone
	<-pubDone

	// ---- Final compaction so every fetched row is queryable ----
	for _, r := range requests {
		if err := store.Compact(r.Product); err != nil {
			log.Printf("[histengine] final compaction %s: %v", r.Product, err)
		}
	}
	if err := store.Close(); err != nil {
		log.Printf("[histengine] store close: %v", err)
	}

	// ---- Summary from the catalog ----
	for _, r := range requests {
		gran := r.Granularity
		if gran == 0 {
			gran = *granularity
		}
		first, last, ok, err := cat.Watermark(r.Product, gran)
		if err != nil || !ok {
			continue
		}
		log.Printf("[histengine] %s: %s → %s",
			r.Product,
			time.Unix(first, 0).UTC().Format("2006-01-02 15:04"),
			time.Unix(last, 0).UTC().Format("2006-01-02 15:04"))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if pub != nil {
		pub.Close()
	}

	log.Println("[histengine] shutdown complete.")
}

// buildRequests assembles the per-product request list from either a JSON
// file or the comma-separated -products flag.
func buildRequests(products, productsFile, start, end string, granularity int64) ([]backfill.Request, error) {
	if productsFile != "" {
		raw, err := os.ReadFile(productsFile)
		if err != nil {
			return nil, err
		}
		var reqs []backfill.Request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return nil, errors.New("products file: " + err.Error())
		}
		if len(reqs) == 0 {
			return nil, errors.New("products file is empty")
		}
		return reqs, nil
	}

	var reqs []backfill.Request
	for _, p := range strings.Split(products, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		reqs = append(reqs, backfill.Request{
			Product:     p,
			Start:       start,
			End:         end,
			Granularity: granularity,
		})
	}
	if len(reqs) == 0 {
		return nil, errors.New("no products given: use -products or -products-file")
	}
	return reqs, nil
}

func productNames(reqs []backfill.Request) []string {
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Product
	}
	return names
}
