package coinbase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coindata-systemv1/internal/exchange"
)

func newTestHistory(t *testing.T, handler http.HandlerFunc) *History {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	h, err := NewHistory(exchange.Settings{
		BaseURL:   srv.URL,
		UserAgent: "coindata-test/1.0",
		Email:     "ops@example.com",
		Version:   "1.0.0",
		RepoLink:  "https://github.com/example/coindata",
	})
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	return h
}

func TestFetchCandles_SortsNewestFirstResponse(t *testing.T) {
	var gotPath, gotUA, gotEmail string
	h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotEmail = r.Header.Get("X-Contact-Email")
		// Venue convention: newest first
		w.Write([]byte(`[[120, 9, 12, 10, 11, 3], [60, 8, 11, 9, 10, 2]]`))
	})

	res := h.FetchCandles(context.Background(), "BTC-USD", 60, 180, 60)
	if res.Tag != exchange.TagOK {
		t.Fatalf("expected ok, got %s (err=%v)", res.Tag, res.Err)
	}
	if len(res.Candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(res.Candles))
	}
	if res.Candles[0].T != 60 || res.Candles[1].T != 120 {
		t.Errorf("expected ascending order, got %d then %d", res.Candles[0].T, res.Candles[1].T)
	}
	if res.Candles[0].Open != 9 || res.Candles[0].Volume != 2 {
		t.Errorf("unexpected field mapping: %+v", res.Candles[0])
	}

	if gotPath != "/products/BTC-USD/candles" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotUA != "coindata-test/1.0" {
		t.Errorf("expected identifying user agent, got %q", gotUA)
	}
	if gotEmail != "ops@example.com" {
		t.Errorf("expected contact email header, got %q", gotEmail)
	}
}

func TestFetchCandles_StatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   exchange.Tag
	}{
		{http.StatusNotFound, exchange.TagNotFound},
		{http.StatusTooManyRequests, exchange.TagRateLimited},
		{http.StatusInternalServerError, exchange.TagServerError},
		{http.StatusBadGateway, exchange.TagServerError},
		{http.StatusForbidden, exchange.TagAPIFailure},
	}
	for _, c := range cases {
		h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		})
		res := h.FetchCandles(context.Background(), "BTC-USD", 0, 60, 60)
		if res.Tag != c.want {
			t.Errorf("status %d: expected %s, got %s", c.status, c.want, res.Tag)
		}
		if res.Status != c.status {
			t.Errorf("status %d: expected recorded status, got %d", c.status, res.Status)
		}
	}
}

func TestFetchCandles_EmptyArrayIsNoData(t *testing.T) {
	h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	res := h.FetchCandles(context.Background(), "BTC-USD", 0, 60, 60)
	if res.Tag != exchange.TagNoData {
		t.Errorf("expected no_data, got %s", res.Tag)
	}
}

func TestFetchCandles_WrongShapeIsAPIFailure(t *testing.T) {
	for _, body := range []string{
		`{"message": "unexpected"}`,
		`[[60, 1, 2]]`,
		`[["sixty", 8, 11, 9, 10, 2]]`,
	} {
		h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		res := h.FetchCandles(context.Background(), "BTC-USD", 0, 60, 60)
		if res.Tag != exchange.TagAPIFailure {
			t.Errorf("body %q: expected api_failure, got %s", body, res.Tag)
		}
	}
}

func TestFetchCandles_PriceBoundsViolationIsAPIFailure(t *testing.T) {
	// low above high
	h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[60, 20, 12, 10, 11, 3]]`))
	})
	res := h.FetchCandles(context.Background(), "BTC-USD", 0, 60, 60)
	if res.Tag != exchange.TagAPIFailure {
		t.Errorf("expected api_failure, got %s", res.Tag)
	}
}

func TestFetchCandles_DuplicateTimestampsDropped(t *testing.T) {
	h := newTestHistory(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[60, 8, 11, 9, 10, 2], [60, 7, 10, 8, 9, 1], [120, 9, 12, 10, 11, 3]]`))
	})
	res := h.FetchCandles(context.Background(), "BTC-USD", 0, 180, 60)
	if res.Tag != exchange.TagOK {
		t.Fatalf("expected ok, got %s", res.Tag)
	}
	if len(res.Candles) != 2 {
		t.Fatalf("expected duplicate dropped, got %d candles", len(res.Candles))
	}
	// Stable sort keeps the first-received row for a duplicated timestamp
	if res.Candles[0].Volume != 2 {
		t.Errorf("expected first-received row to survive, got %+v", res.Candles[0])
	}
}

func TestFetchCandles_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	h, err := NewHistory(exchange.Settings{
		BaseURL:   srv.URL,
		UserAgent: "coindata-test/1.0",
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	res := h.FetchCandles(context.Background(), "BTC-USD", 0, 60, 60)
	if res.Tag != exchange.TagTimeout {
		t.Errorf("expected timeout_error, got %s", res.Tag)
	}
}

func TestNewHistory_RequiresUserAgent(t *testing.T) {
	if _, err := NewHistory(exchange.Settings{}); err == nil {
		t.Fatal("expected error without user agent")
	}
}

func TestRegistry_OpensCoinbase(t *testing.T) {
	src, err := exchange.Open("coinbase", exchange.Settings{UserAgent: "coindata-test/1.0"})
	if err != nil {
		t.Fatalf("expected coinbase in registry: %v", err)
	}
	defer src.Close()
	if src.MaxCandles() != MaxCandles {
		t.Errorf("expected MaxCandles %d, got %d", MaxCandles, src.MaxCandles())
	}

	if _, err := exchange.Open("binance", exchange.Settings{}); err == nil {
		t.Error("expected unknown venue to fail")
	}
}
