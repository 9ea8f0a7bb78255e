package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL     = "https://query1.finance.yahoo.com"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

var (
	// ErrDataUnavailable means the provider answered but had no usable rows for the request.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrProvider is a transport or protocol failure talking to the provider. It is retried.
	ErrProvider = errors.New("provider error")
)

// RawBar is one provider row before normalization
type RawBar struct {
	Timestamp time.Time
	Values    map[string]interface{}
}

// Options configures a DataFetcher
type Options struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BackoffBase time.Duration
	MinSpacing  time.Duration
	HTTPClient  *http.Client

	// OnRetry is called before each backoff wait with the failed attempt number (1-based).
	OnRetry func(symbol string, attempt int, wait time.Duration, err error)
}

// DataFetcher fetches OHLCV rows from the Yahoo Finance chart API
type DataFetcher struct {
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	httpClient  *http.Client
	spacing     *spacingLimiter
	onRetry     func(symbol string, attempt int, wait time.Duration, err error)
}

// NewDataFetcher creates a new data fetcher instance
func NewDataFetcher(opts Options) *DataFetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &DataFetcher{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		httpClient:  httpClient,
		spacing:     newSpacingLimiter(opts.MinSpacing),
		onRetry:     opts.OnRetry,
	}
}

// chartResponse is the subset of the chart envelope we read
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote    []map[string][]interface{} `json:"quote"`
				AdjClose []map[string][]interface{} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *chartError `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// FetchBars is the ingestion entry point. Provider failures and empty windows
// are logged and reported as an empty result so a cycle can move on.
func (df *DataFetcher) FetchBars(ctx context.Context, symbol, period, interval string) []RawBar {
	rows, err := df.Fetch(ctx, symbol, period, interval)
	if err != nil {
		if errors.Is(err, ErrDataUnavailable) {
			slog.Warn("no data returned", "symbol", symbol, "period", period, "interval", interval, "error", err)
		} else {
			slog.Error("fetch failed", "symbol", symbol, "period", period, "interval", interval, "error", err)
		}
		return []RawBar{}
	}
	return rows
}

// Fetch returns the raw rows for symbol over period/interval. Provider errors
// are retried with exponential backoff; ErrDataUnavailable is returned at once.
func (df *DataFetcher) Fetch(ctx context.Context, symbol, period, interval string) ([]RawBar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var rows []RawBar
	attempt := 0
	operation := func() error {
		attempt++
		if err := df.spacing.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := df.fetchOnce(ctx, symbol, period, interval)
		if err != nil {
			if errors.Is(err, ErrDataUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		rows = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("fetch attempt failed, retrying", "symbol", symbol, "attempt", attempt, "wait", wait, "error", err)
		if df.onRetry != nil {
			df.onRetry(symbol, attempt, wait, err)
		}
	}

	if err := backoff.RetryNotify(operation, df.newBackOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("fetch %s (period=%s interval=%s) after %d attempt(s): %w", symbol, period, interval, attempt, err)
	}

	slog.Debug("fetched rows", "symbol", symbol, "rows", len(rows), "attempts", attempt)
	return rows, nil
}

// newBackOff waits base*2^n before retry n and allows MaxAttempts tries in total
func (df *DataFetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = df.backoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoffInterval(df.backoffBase, df.maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(df.maxAttempts-1)), ctx)
}

// backoffCeiling stays exactly representable as a float64, which the backoff
// package converts intervals through.
const backoffCeiling = time.Duration(1 << 62)

// maxBackoffInterval is base*2^(attempts-1), saturating at backoffCeiling
func maxBackoffInterval(base time.Duration, attempts int) time.Duration {
	interval := base
	for i := 1; i < attempts; i++ {
		if interval >= backoffCeiling/2 {
			return backoffCeiling
		}
		interval *= 2
	}
	return interval
}

// fetchOnce performs a single time-bounded request
func (df *DataFetcher) fetchOnce(ctx context.Context, symbol, period, interval string) ([]RawBar, error) {
	ctx, cancel := context.WithTimeout(ctx, df.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("range", period)
	q.Set("interval", interval)
	q.Set("includePrePost", "false")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", df.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrProvider, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := df.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrProvider, err)
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, snippet(body))
		}
		// The provider understood the request and has nothing for it.
		return nil, fmt.Errorf("%w: status %d: %s", ErrDataUnavailable, resp.StatusCode, describeChartError(body))
	}

	return parseChart(body)
}

func parseChart(body []byte) ([]RawBar, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var chart chartResponse
	if err := dec.Decode(&chart); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrProvider, err)
	}
	if e := chart.Chart.Error; e != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrDataUnavailable, e.Code, e.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrDataUnavailable)
	}

	result := chart.Chart.Result[0]
	var quote, adj map[string][]interface{}
	if len(result.Indicators.Quote) > 0 {
		quote = result.Indicators.Quote[0]
	}
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0]
	}

	rows := make([]RawBar, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		values := make(map[string]interface{}, len(quote)+len(adj))
		for field, series := range quote {
			if i < len(series) {
				values[field] = series[i]
			}
		}
		for field, series := range adj {
			if i < len(series) {
				values[field] = series[i]
			}
		}
		rows[i] = RawBar{Timestamp: time.Unix(ts, 0).UTC(), Values: values}
	}
	return rows, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func describeChartError(body []byte) string {
	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err == nil && chart.Chart.Error != nil {
		return chart.Chart.Error.Code + ": " + chart.Chart.Error.Description
	}
	return snippet(body)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
