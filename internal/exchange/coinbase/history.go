// Package coinbase implements the exchange adapter for the Coinbase
// Exchange REST API (historical candles) and the Advanced Trade WebSocket
// feed (level-2 order-book deltas).
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"coindata-systemv1/internal/exchange"
	"coindata-systemv1/internal/model"
)

const (
	defaultBaseURL = "https://api.exchange.coinbase.com"

	// MaxCandles is the venue cap on candles per REST call.
	MaxCandles = 300

	defaultTimeout = 10 * time.Second
	defaultRateHz  = 8.0
)

func init() {
	exchange.Register("coinbase", func(s exchange.Settings) (exchange.HistorySource, error) {
		return NewHistory(s)
	})
}

// History fetches OHLCV candles from the Coinbase Exchange REST API.
type History struct {
	base     string
	client   *http.Client
	settings exchange.Settings
}

// NewHistory builds the REST adapter. UserAgent is required; BaseURL and
// Timeout fall back to the venue defaults.
func NewHistory(s exchange.Settings) (*History, error) {
	if s.UserAgent == "" {
		return nil, errors.New("coinbase: user agent is required")
	}
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.Timeout == 0 {
		s.Timeout = defaultTimeout
	}
	return &History{
		base:     strings.TrimRight(s.BaseURL, "/"),
		client:   &http.Client{Timeout: s.Timeout},
		settings: s,
	}, nil
}

func (h *History) MaxCandles() int { return MaxCandles }

func (h *History) RateLimit() float64 { return defaultRateHz }

// Close releases pooled connections.
func (h *History) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *History) requestHeaders() http.Header {
	hd := http.Header{}
	hd.Set("User-Agent", h.settings.UserAgent)
	hd.Set("Accept", "application/json")
	if h.settings.Email != "" {
		hd.Set("X-Contact-Email", h.settings.Email)
	}
	if h.settings.Version != "" {
		hd.Set("X-App-Version", h.settings.Version)
	}
	if h.settings.RepoLink != "" {
		hd.Set("X-Repo-Link", h.settings.RepoLink)
	}
	return hd
}

// FetchCandles requests [start, end] at the given granularity and classifies
// the response. The venue returns rows newest-first; the result is sorted
// ascending with duplicate timestamps dropped.
func (h *History) FetchCandles(ctx context.Context, product string, start, end, granularity int64) exchange.FetchResult {
	u := fmt.Sprintf("%s/products/%s/candles", h.base, url.PathEscape(product))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return exchange.FetchResult{Tag: exchange.TagAPIFailure, Err: err}
	}
	q := req.URL.Query()
	q.Set("start", time.Unix(start, 0).UTC().Format(time.RFC3339))
	q.Set("end", time.Unix(end, 0).UTC().Format(time.RFC3339))
	q.Set("granularity", strconv.FormatInt(granularity, 10))
	req.URL.RawQuery = q.Encode()
	req.Header = h.requestHeaders()

	resp, err := h.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return exchange.FetchResult{Tag: exchange.TagNotFound, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return exchange.FetchResult{Tag: exchange.TagRateLimited, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return exchange.FetchResult{Tag: exchange.TagServerError, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return exchange.FetchResult{Tag: exchange.TagAPIFailure, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(err)
	}

	candles, err := parseCandles(body)
	if err != nil {
		return exchange.FetchResult{Tag: exchange.TagAPIFailure, Status: resp.StatusCode, Err: err}
	}
	if len(candles) == 0 {
		return exchange.FetchResult{Tag: exchange.TagNoData, Status: resp.StatusCode}
	}
	return exchange.FetchResult{Tag: exchange.TagOK, Candles: candles, Status: resp.StatusCode}
}

// parseCandles decodes the venue's [time, low, high, open, close, volume]
// tuple rows, enforces shape and price sanity, sorts ascending and drops
// duplicate timestamps (keep first).
func parseCandles(body []byte) ([]model.Candle, error) {
	var rows [][]float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) != 6 {
			return nil, fmt.Errorf("row %d: expected 6 fields, got %d", i, len(row))
		}
		c := model.Candle{
			T:      int64(row[0]),
			Low:    row[1],
			High:   row[2],
			Open:   row[3],
			Close:  row[4],
			Volume: row[5],
		}
		if !c.Valid() {
			return nil, fmt.Errorf("row %d: price bounds violated at t=%d", i, c.T)
		}
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].T < candles[j].T })
	out := candles[:0]
	var lastT int64 = -1
	for _, c := range candles {
		if c.T == lastT {
			continue
		}
		out = append(out, c)
		lastT = c.T
	}
	return out, nil
}

// classifyTransport maps transport-level failures: exceeded deadlines are
// timeout_error, everything else api_failure.
func classifyTransport(err error) exchange.FetchResult {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return exchange.FetchResult{Tag: exchange.TagTimeout, Err: err}
	}
	return exchange.FetchResult{Tag: exchange.TagAPIFailure, Err: err}
}
