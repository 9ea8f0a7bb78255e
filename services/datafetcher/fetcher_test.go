package datafetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartOK = `{"chart":{"result":[{"meta":{"symbol":"AAPL"},
"timestamp":[1704207600,1704211200,1704214800],
"indicators":{"quote":[{"open":[185.1,186.0,null],"high":[186.5,187.2,188.0],"low":[184.9,185.7,186.1],"close":[186.0,187.0,187.5],"volume":[1200000,900000,800000]}],
"adjclose":[{"adjclose":[186.0,187.0,187.5]}]}}],"error":null}}`

const chartNotFound = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`

func newTestFetcher(url string, onRetry func(string, int, time.Duration, error)) *DataFetcher {
	return NewDataFetcher(Options{
		BaseURL:     url,
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		OnRetry:     onRetry,
	})
}

func TestFetch_ParsesChart(t *testing.T) {
	var gotPath, gotRange, gotInterval string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRange = r.URL.Query().Get("range")
		gotInterval = r.URL.Query().Get("interval")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chartOK)
	}))
	defer srv.Close()

	rows, err := newTestFetcher(srv.URL, nil).Fetch(context.Background(), "aapl", "5d", "1h")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "/v8/finance/chart/AAPL", gotPath)
	assert.Equal(t, "5d", gotRange)
	assert.Equal(t, "1h", gotInterval)

	assert.True(t, rows[0].Timestamp.Equal(time.Unix(1704207600, 0)))
	assert.Contains(t, rows[0].Values, "open")
	assert.Contains(t, rows[0].Values, "adjclose")
	assert.Nil(t, rows[2].Values["open"], "null values are passed through for the normalizer to drop")
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, chartNotFound)
	}))
	defer srv.Close()

	rows, err := newTestFetcher(srv.URL, nil).Fetch(context.Background(), "NOPE", "5d", "1h")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.NotErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "Not Found")
	assert.Empty(t, rows)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetch_EmptyResultIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":[{"meta":{},"indicators":{"quote":[{}]}}],"error":null}}`)
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL, nil).Fetch(context.Background(), "AAPL", "1d", "1m")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestFetch_RetryExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var attempts []int
	var waits []time.Duration
	df := newTestFetcher(srv.URL, func(_ string, attempt int, wait time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		waits = append(waits, wait)
	})

	rows := df.FetchBars(context.Background(), "AAPL", "5d", "1h")
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.EqualValues(t, 3, hits.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)
	require.Len(t, waits, 2)
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1], "backoff must not shrink")
	}
	assert.Equal(t, time.Millisecond, waits[0])
	assert.Equal(t, 2*time.Millisecond, waits[1])
}

func TestFetch_RecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chartOK)
	}))
	defer srv.Close()

	rows, err := newTestFetcher(srv.URL, nil).Fetch(context.Background(), "AAPL", "5d", "1h")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetch_MalformedBodyIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":`)
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL, nil).Fetch(context.Background(), "AAPL", "5d", "1h")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestFetch_PerAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	df := NewDataFetcher(Options{
		BaseURL:     srv.URL,
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})

	start := time.Now()
	_, err := df.Fetch(context.Background(), "AAPL", "5d", "1h")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.EqualValues(t, 2, hits.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_ContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	df := NewDataFetcher(Options{BaseURL: srv.URL, MaxAttempts: 5, BackoffBase: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := df.Fetch(ctx, "AAPL", "5d", "1h")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProvider))
}

func TestNewBackOff_ManyAttemptsDoNotOverflow(t *testing.T) {
	df := NewDataFetcher(Options{MaxAttempts: 40, BackoffBase: time.Second})
	b := df.newBackOff(context.Background())

	prev := time.Duration(0)
	for i := 0; i < 39; i++ {
		wait := b.NextBackOff()
		require.Positive(t, wait, "retry %d", i+1)
		require.GreaterOrEqual(t, wait, prev, "retry %d", i+1)
		prev = wait
	}
	assert.Equal(t, time.Second, maxBackoffInterval(time.Second, 1))
	assert.Equal(t, 4*time.Second, maxBackoffInterval(time.Second, 3))
	assert.Equal(t, backoffCeiling, maxBackoffInterval(time.Second, 40))
}

func TestSpacingLimiter(t *testing.T) {
	l := newSpacingLimiter(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	var zero *spacingLimiter
	assert.NoError(t, zero.Wait(ctx))
}
