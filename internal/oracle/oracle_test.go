package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/logging"
)

func TestHTTPOracleDecodesTicker(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tickers/PAXG" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"PAXG","price":"2034.55","timestamp_ms":` +
			strconv.FormatInt(ts.UnixMilli(), 10) + `,"source":"feed-a"}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, time.Second, logging.Discard())
	tk, err := o.Ticker(context.Background(), "PAXG")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if !tk.Price.Equal(decimal.RequireFromString("2034.55")) || tk.Source != "feed-a" || !tk.Timestamp.Equal(ts) {
		t.Fatalf("unexpected ticker %+v", tk)
	}
}

func TestHTTPOracleErrorsArePriceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, time.Second, logging.Discard())
	for i := 0; i < 5; i++ {
		if _, err := o.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
			t.Fatalf("call %d: expected price unavailable, got %v", i, err)
		}
	}
	before := calls.Load()
	// The breaker is open now; the feed must not be called.
	if _, err := o.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected price unavailable while open, got %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("open breaker still reached the feed")
	}
}

func TestCheckedRejectsStaleQuotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	static := NewStatic().WithClock(func() time.Time { return now.Add(-time.Minute) })
	static.Set("PAXG", decimal.NewFromInt(2000))

	checked := NewChecked(static, time.Second, 30*time.Second).WithClock(func() time.Time { return now })
	if _, err := checked.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected stale quote to be rejected, got %v", err)
	}

	static.WithClock(func() time.Time { return now.Add(-5 * time.Second) })
	tk, err := checked.Ticker(context.Background(), "PAXG")
	if err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}
	if !tk.Price.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("unexpected price %s", tk.Price)
	}
}

func TestCheckedWrapsFailures(t *testing.T) {
	static := NewStatic()
	static.Fail("PAXG", errors.New("connection refused"))
	checked := NewChecked(static, time.Second, time.Minute)
	if _, err := checked.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}

	static.Set("PAXG", decimal.Zero)
	if _, err := checked.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected zero price to be rejected, got %v", err)
	}
}

func TestCheckedTimesOutSlowFeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	checked := NewChecked(NewHTTPOracle(srv.URL, 5*time.Second, logging.Discard()), 50*time.Millisecond, time.Minute)
	start := time.Now()
	if _, err := checked.Ticker(context.Background(), "PAXG"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected timeout as price unavailable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestStaticSequence(t *testing.T) {
	s := NewStatic()
	s.Sequence("PAXG", decimal.NewFromInt(1), decimal.NewFromInt(2))
	ctx := context.Background()
	for i, want := range []int64{1, 2, 2} {
		tk, err := s.Ticker(ctx, "PAXG")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !tk.Price.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("call %d: want %d got %s", i, want, tk.Price)
		}
	}
	if _, err := s.Ticker(ctx, "BTC"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected missing symbol to be unavailable, got %v", err)
	}
}
