package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"go_ohlcv_backend/config"
	"go_ohlcv_backend/models"
	"go_ohlcv_backend/services/datafetcher"
)

// Scheduler states
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// Fetcher returns raw rows for a symbol, empty when nothing could be fetched
type Fetcher interface {
	FetchBars(ctx context.Context, symbol, period, interval string) []datafetcher.RawBar
}

// Normalizer maps raw rows to canonical bars
type Normalizer interface {
	Normalize(symbol string, rows []datafetcher.RawBar) ([]models.Bar, datafetcher.NormalizeStats)
}

// Upserter merges bars and returns the number of input rows merged, 0 on failure
type Upserter interface {
	Upsert(ctx context.Context, bars []models.Bar) int
}

// ReportSink receives every finished cycle report
type ReportSink interface {
	SaveCycleReport(ctx context.Context, report *models.CycleReport) error
}

// Deps are the pipeline stages a Scheduler drives
type Deps struct {
	Fetcher    Fetcher
	Normalizer Normalizer
	Upserter   Upserter
	Sink       ReportSink // optional
}

// Options configures the recurring job
type Options struct {
	Symbols  []string
	Period   string
	Interval string
	At       config.ScheduleTime
	Location *time.Location
}

// Scheduler runs ingestion cycles daily and on demand
type Scheduler struct {
	cron *gocron.Scheduler
	job  *gocron.Job
	deps Deps
	opts Options

	startMu  sync.Mutex
	inFlight atomic.Int32

	mu         sync.RWMutex
	lastReport *models.CycleReport
}

// NewScheduler creates a new scheduler instance
func NewScheduler(deps Deps, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	opts.Symbols = CleanSymbols(opts.Symbols)
	return &Scheduler{
		cron: gocron.NewScheduler(opts.Location),
		deps: deps,
		opts: opts,
	}
}

// Start registers the daily cycle and starts the cron loop. A run that is
// still going when the next one is due delays it instead of overlapping.
func (s *Scheduler) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.job == nil {
		job, err := s.cron.Every(1).Day().At(s.opts.At.String()).SingletonMode().Do(s.runScheduled)
		if err != nil {
			return fmt.Errorf("failed to schedule ingestion job: %w", err)
		}
		s.job = job
	}

	s.cron.StartAsync()
	slog.Info("scheduler started",
		"at", s.opts.At.String(),
		"timezone", s.opts.Location.String(),
		"symbols", s.opts.Symbols,
		"next_run", s.NextRun())
	return nil
}

// Stop stops the cron loop. Cycles already running finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Info("scheduler stopped")
}

// TriggerNow runs one cycle over symbols synchronously. Empty period or
// interval fall back to the recurring job's.
func (s *Scheduler) TriggerNow(ctx context.Context, symbols []string, period, interval string) *models.CycleReport {
	return s.RunCycle(ctx, models.TriggerManual, symbols, period, interval)
}

// RunStartupCycle ingests the default symbol set once, outside the schedule
func (s *Scheduler) RunStartupCycle(ctx context.Context) *models.CycleReport {
	return s.RunCycle(ctx, models.TriggerStartup, s.opts.Symbols, s.opts.Period, s.opts.Interval)
}

// State reports whether any cycle is in flight
func (s *Scheduler) State() string {
	if s.inFlight.Load() > 0 {
		return StateRunning
	}
	return StateIdle
}

// NextRun is the next planned recurring execution
func (s *Scheduler) NextRun() time.Time {
	if s.job != nil && s.cron.IsRunning() {
		if next := s.job.NextRun(); !next.IsZero() {
			return next
		}
	}
	return nextDailyRun(time.Now(), s.opts.At, s.opts.Location)
}

// LastReport returns the most recently finished cycle, or nil
func (s *Scheduler) LastReport() *models.CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Symbols returns the recurring job's symbol set
func (s *Scheduler) Symbols() []string {
	return append([]string(nil), s.opts.Symbols...)
}

func (s *Scheduler) runScheduled() {
	s.RunCycle(context.Background(), models.TriggerScheduled, s.opts.Symbols, s.opts.Period, s.opts.Interval)
}

// RunCycle fetches, normalizes and merges each symbol in order. A failure on
// one symbol is recorded and the cycle moves on to the next.
func (s *Scheduler) RunCycle(ctx context.Context, trigger string, symbols []string, period, interval string) *models.CycleReport {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	if period == "" {
		period = s.opts.Period
	}
	if interval == "" {
		interval = s.opts.Interval
	}

	symbols = CleanSymbols(symbols)
	report := &models.CycleReport{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Period:    period,
		Interval:  interval,
		StartedAt: time.Now().UTC(),
		Results:   make([]models.SymbolResult, 0, len(symbols)),
	}
	slog.Info("ingestion cycle started", "id", report.ID, "trigger", trigger, "symbols", len(symbols), "period", period, "interval", interval)

	for _, symbol := range symbols {
		report.Results = append(report.Results, s.ingestSymbol(ctx, symbol, period, interval))
	}
	report.FinishedAt = time.Now().UTC()

	slog.Info("ingestion cycle completed",
		"id", report.ID,
		"trigger", trigger,
		"succeeded", report.Succeeded(),
		"skipped", report.Skipped(),
		"failed", report.Failed(),
		"upserted", report.Upserted(),
		"duration", report.FinishedAt.Sub(report.StartedAt))

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	if s.deps.Sink != nil {
		if err := s.deps.Sink.SaveCycleReport(ctx, report); err != nil {
			slog.Warn("failed to archive cycle report", "id", report.ID, "error", err)
		}
	}
	return report
}

func (s *Scheduler) ingestSymbol(ctx context.Context, symbol, period, interval string) (result models.SymbolResult) {
	result = models.SymbolResult{Symbol: symbol}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingestion panicked", "symbol", symbol, "panic", r)
			result.Status = models.SymbolError
			result.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Status = models.SymbolError
		result.Reason = err.Error()
		return result
	}

	rows := s.deps.Fetcher.FetchBars(ctx, symbol, period, interval)
	result.Fetched = len(rows)
	if len(rows) == 0 {
		result.Status = models.SymbolSkipped
		result.Reason = "no rows returned by provider"
		return result
	}

	bars, stats := s.deps.Normalizer.Normalize(symbol, rows)
	result.Dropped = stats.Dropped
	if len(bars) == 0 {
		result.Status = models.SymbolSkipped
		result.Reason = "no valid rows after normalization"
		return result
	}

	result.Upserted = s.deps.Upserter.Upsert(ctx, bars)
	if result.Upserted == 0 {
		result.Status = models.SymbolError
		result.Reason = "merge into store failed"
		return result
	}

	result.Status = models.SymbolSuccess
	slog.Info("symbol ingested", "symbol", symbol, "fetched", result.Fetched, "dropped", result.Dropped, "upserted", result.Upserted)
	return result
}

// CleanSymbols trims and uppercases symbols, dropping blanks and repeats
// while keeping first-seen order.
func CleanSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func nextDailyRun(now time.Time, at config.ScheduleTime, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
