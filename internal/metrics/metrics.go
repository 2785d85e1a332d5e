package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion engines.
type Metrics struct {
	// Backfill engine
	FetchRequests   *prometheus.CounterVec // labels: product, tag
	CandlesFetched  prometheus.Counter
	DiscoveryProbes prometheus.Counter
	WindowsSkipped  prometheus.Counter

	// Columnar store
	RowsWritten   prometheus.Counter
	Compactions   prometheus.Counter
	CompactedRows prometheus.Counter
	ScratchBytes  *prometheus.GaugeVec // labels: product

	// Redis publisher
	RedisPublishErrors prometheus.Counter

	// Fan-out backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Order-book feed
	BookMessages     prometheus.Counter
	BookMalformed    prometheus.Counter
	BookSnapshots    prometheus.Counter
	DroppedSnapshots prometheus.Counter
	WSConnects       prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histengine_fetch_requests_total",
			Help: "Candle requests issued, by product and outcome tag",
		}, []string{"product", "tag"}),
		CandlesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_candles_fetched_total",
			Help: "Total candles emitted downstream",
		}),
		DiscoveryProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_discovery_probes_total",
			Help: "Probe windows issued during listing-date discovery",
		}),
		WindowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_windows_skipped_total",
			Help: "Fetch windows skipped after timeout or API failure",
		}),

		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_rows_written_total",
			Help: "Candle rows appended to the scratch tier",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_compactions_total",
			Help: "Scratch-to-merged compactions performed",
		}),
		CompactedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_compacted_rows_total",
			Help: "Rows in the merged tier after each compaction",
		}),
		ScratchBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histengine_scratch_bytes",
			Help: "Current scratch file size per product",
		}, []string{"product"}),

		RedisPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "histengine_redis_publish_errors_total",
			Help: "Redis pipeline executions that returned an error",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histengine_fanout_drops_total",
			Help: "Snapshots dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "histengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		BookMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookengine_messages_total",
			Help: "Feed messages received on the level-2 stream",
		}),
		BookMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookengine_malformed_total",
			Help: "Feed messages or updates skipped as malformed",
		}),
		BookSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookengine_snapshots_total",
			Help: "Book snapshots emitted at the publishing cadence",
		}),
		DroppedSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookengine_dropped_snapshots_total",
			Help: "Snapshots dropped because the output channel was full",
		}),
		WSConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookengine_ws_connects_total",
			Help: "WebSocket dials that succeeded, reconnects included",
		}),
	}

	prometheus.MustRegister(
		m.FetchRequests,
		m.CandlesFetched,
		m.DiscoveryProbes,
		m.WindowsSkipped,
		m.RowsWritten,
		m.Compactions,
		m.CompactedRows,
		m.ScratchBytes,
		m.RedisPublishErrors,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.BookMessages,
		m.BookMalformed,
		m.BookSnapshots,
		m.DroppedSnapshots,
		m.WSConnects,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastDataTime   time.Time `json:"last_data_time"`
	RedisConnected bool      `json:"redis_connected"`
	CatalogOK      bool      `json:"catalog_ok"`
	Products       []string  `json:"products"`

	// Liveness probe results
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	CatalogLatencyMs float64   `json:"catalog_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastDataTime(t time.Time) {
	h.mu.Lock()
	h.LastDataTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetCatalogOK(v bool) {
	h.mu.Lock()
	h.CatalogOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetProducts(products []string) {
	h.mu.Lock()
	h.Products = products
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckCatalog runs a trivial query and records latency + health.
func (h *HealthStatus) CheckCatalog(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.CatalogOK = err == nil
	h.CatalogLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil when the binary does not use it.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckCatalog(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.RedisConnected || !h.CatalogOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.CatalogOK {
		overallStatus = "unhealthy"
	}

	// Data age
	dataAge := ""
	if !h.LastDataTime.IsZero() {
		dataAge = time.Since(h.LastDataTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string   `json:"status"`
		Uptime           string   `json:"uptime"`
		FeedConnected    bool     `json:"feed_connected"`
		LastDataTime     string   `json:"last_data_time"`
		DataAge          string   `json:"data_age"`
		RedisConnected   bool     `json:"redis_connected"`
		RedisLatencyMs   float64  `json:"redis_latency_ms"`
		CatalogOK        bool     `json:"catalog_ok"`
		CatalogLatencyMs float64  `json:"catalog_latency_ms"`
		Products         []string `json:"products"`
		LastCheckAt      string   `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:    h.FeedConnected,
		LastDataTime:     h.LastDataTime.Format(time.RFC3339),
		DataAge:          dataAge,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		CatalogOK:        h.CatalogOK,
		CatalogLatencyMs: h.CatalogLatencyMs,
		Products:         h.Products,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
