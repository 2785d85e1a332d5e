package main

import (
	"context"
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
	"coindata-systemv1/internal/bus"
	"coindata-systemv1/internal/exchange/coinbase"
	"coindata-systemv1/internal/logger"
	"coindata-systemv1/internal/metrics"
	"coindata-systemv1/internal/model"
	"coindata-systemv1/internal/orderbook"
	"coindata-systemv1/internal/store/bookfile"
	"coindata-systemv1/internal/store/redispub"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[bookengine] starting...")

	// ---- Flags ----
	configPath := flag.String("config", "config.json", "Path to identity config")
	products := flag.String("products", "", "Comma-separated product IDs, e.g. BTC-USD,ETH-USD")
	depth := flag.Int("depth", orderbook.DefaultDepth, "Levels kept per side (max 50)")
	frequency := flag.Duration("frequency", orderbook.DefaultFrequency, "Snapshot cadence")
	until := flag.String("until", "", "Stop time: RFC3339, date, or a duration like 12h (default: run until signalled)")
	feedURL := flag.String("url", "", "WebSocket feed override (default: public feed)")
	flag.Parse()

	// ---- Load config ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[bookengine] config load failed: %v", err)
	}
	logger.Init("bookengine", cfg.SlogLevel())

	productList := splitProducts(*products)
	if len(productList) == 0 {
		log.Fatal("[bookengine] no products given: use -products")
	}

	deadline, err := parseUntil(*until)
	if err != nil {
		log.Fatalf("[bookengine] bad -until: %v", err)
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetProducts(productList)
	health.SetCatalogOK(true) // no catalog in this binary
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- JSONL snapshot files ----
	bookRoot := filepath.Join(cfg.DataRoot, "coinbase", "book")
	files, err := bookfile.New(bookfile.Config{Root: bookRoot})
	if err != nil {
		log.Fatalf("[bookengine] bookfile init failed: %v", err)
	}
	log.Printf("[bookengine] snapshot files under %s", bookRoot)

	// ---- Start Redis publisher ----
	var pub *redispub.Publisher
	pub, err = redispub.New(redispub.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Exchange: "coinbase",
	})
	if err != nil {
		log.Printf("[bookengine] WARNING: redis init failed: %v (continuing without redis)", err)
		pub = nil
		health.SetRedisConnected(false)
	} else {
		pub.OnError = func() { prom.RedisPublishErrors.Inc() }
		health.SetRedisConnected(true)
		log.Println("[bookengine] redis publisher ready")
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), nil, 10*time.Second)
	}

	// ---- Fan out snapshots to files and Redis ----
	fanout := bus.NewSnapshot(64)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}
	fileCh := fanout.Subscribe()
	var redisCh <-chan model.BookSnapshot
	if pub != nil {
		redisCh = fanout.Subscribe()
	}

	snapCh := make(chan model.BookSnapshot, 64)
	go fanout.Run(ctx, snapCh)

	filesDone := make(chan struct{})
	go func() {
		files.Run(ctx, fileCh)
		close(filesDone)
	}()

	pubDone := make(chan struct{})
	if pub != nil {
		go func() {
			pub.RunSnapshots(ctx, redisCh)
			close(pubDone)
		}()
	} else {
		close(pubDone)
	}

	// ---- Feed stream + maintainer ----
	stream := coinbase.NewStream(*feedURL)
	stream.OnConnect = func() {
		prom.WSConnects.Inc()
		health.SetFeedConnected(true)
	}

	maintainer, err := orderbook.New(orderbook.MaintainerConfig{
		Products:  productList,
		Depth:     *depth,
		Frequency: *frequency,
		Until:     deadline,
		Stream:    stream,
	})
	if err != nil {
		log.Fatalf("[bookengine] maintainer init failed: %v", err)
	}
	maintainer.OnMessage = func() {
		prom.BookMessages.Inc()
		health.SetLastDataTime(time.Now())
	}
	maintainer.OnMalformed = func() { prom.BookMalformed.Inc() }
	maintainer.OnSnapshot = func() { prom.BookSnapshots.Inc() }
	maintainer.OnDroppedSnapshot = func() { prom.DroppedSnapshots.Inc() }

	log.Println("[bookengine] ╔════════════════════════════════════════════════════════════╗")
	log.Println("[bookengine] ║  Order Book Engine                                         ║")
	log.Println("[bookengine] ║                                                            ║")
	log.Println("[bookengine] ║  [L2 feed] → [book maintainer] → [JSONL files / Redis]     ║")
	log.Printf("[bookengine] ║  Products: %-47s ║", strings.Join(productList, ","))
	log.Printf("[bookengine] ║  Depth: %-3d  cadence: %-34s ║", *depth, frequency.String())
	log.Println("[bookengine] ╚════════════════════════════════════════════════════════════╝")

	// ---- Run the maintainer ----
	maintDone := make(chan error, 1)
	go func() {
		err := maintainer.Run(ctx, snapCh)
		close(snapCh)
		maintDone <- err
	}()

	var runErr error
	select {
	case <-sigCh:
		log.Println("[bookengine] shutdown signal received, cleaning up...")
		cancel()
		runErr = <-maintDone
	case runErr = <-maintDone:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("[bookengine] maintainer error: %v", runErr)
	}
	health.SetFeedConnected(false)

	// Wait for the sinks to drain whatever the fan-out delivered.
	<-filesDone
	<-pubDone

	if err := files.Close(); err != nil {
		log.Printf("[bookengine] bookfile close: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if pub != nil {
		pub.Close()
	}

	log.Println("[bookengine] shutdown complete.")
}

func splitProducts(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseUntil accepts a duration ("12h"), an RFC3339 instant, or a bare
// date. Empty means no deadline.
func parseUntil(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("want a duration, RFC3339 time, or YYYY-MM-DD")
}
