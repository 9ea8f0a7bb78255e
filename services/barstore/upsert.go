package barstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go_ohlcv_backend/models"
)

const defaultBatchSize = 500

// mergeAssignments are overwritten when a key already exists. source and
// created_at keep the values of the first insert.
var mergeAssignments = []string{"open", "high", "low", "close", "volume", "updated_at"}

// UpsertEngine merges batches of bars into the ohlcv table
type UpsertEngine struct {
	db        *gorm.DB
	cache     HistoryCache
	now       func() time.Time
	batchSize int
}

// UpsertOption customizes an UpsertEngine
type UpsertOption func(*UpsertEngine)

// WithCache invalidates cached history of every merged symbol
func WithCache(c HistoryCache) UpsertOption {
	return func(e *UpsertEngine) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithClock overrides the time source for created_at/updated_at
func WithClock(now func() time.Time) UpsertOption {
	return func(e *UpsertEngine) { e.now = now }
}

// WithBatchSize sets how many rows are loaded into staging per statement
func WithBatchSize(n int) UpsertOption {
	return func(e *UpsertEngine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func NewUpsertEngine(db *gorm.DB, opts ...UpsertOption) *UpsertEngine {
	e := &UpsertEngine{
		db:        db,
		cache:     NoopCache,
		now:       time.Now,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert inserts new (symbol, ts) keys and overwrites the values and updated_at
// of existing ones, all in one transaction. It returns len(bars) on success and
// 0 on any failure; failures are logged, never returned. When a key repeats in
// the batch the last occurrence wins.
func (e *UpsertEngine) Upsert(ctx context.Context, bars []models.Bar) int {
	if len(bars) == 0 {
		return 0
	}

	rows, symbols := e.prepare(bars)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		staging, err := createStaging(tx)
		if err != nil {
			return err
		}
		defer staging.release()

		if err := staging.load(rows, e.batchSize); err != nil {
			return err
		}
		return staging.mergeInto(models.Bar{}.TableName())
	})
	if err != nil {
		slog.Error("upsert failed", "rows", len(bars), "symbols", symbols, "error", err)
		return 0
	}

	e.cache.Invalidate(ctx, symbols...)
	slog.Info("upserted bars", "rows", len(bars), "distinct", len(rows), "symbols", symbols)
	return len(bars)
}

// prepare stamps the rows and collapses repeated keys to the last occurrence
func (e *UpsertEngine) prepare(bars []models.Bar) ([]models.Bar, []string) {
	now := e.now().UTC()

	type key struct {
		symbol string
		ts     int64
	}
	index := make(map[key]int, len(bars))
	rows := make([]models.Bar, 0, len(bars))
	seen := make(map[string]struct{})

	for _, b := range bars {
		b.Symbol = strings.ToUpper(strings.TrimSpace(b.Symbol))
		b.Timestamp = b.Timestamp.UTC()
		if b.Source == "" {
			b.Source = models.DefaultSource
		}
		b.CreatedAt = now
		b.UpdatedAt = now

		k := key{b.Symbol, b.Timestamp.UnixNano()}
		if i, ok := index[k]; ok {
			rows[i] = b
			continue
		}
		index[k] = len(rows)
		rows = append(rows, b)
		seen[b.Symbol] = struct{}{}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return rows, symbols
}

// stagingTable is a session-scoped temporary table shaped like ohlcv
type stagingTable struct {
	tx   *gorm.DB
	name string
}

func createStaging(tx *gorm.DB) (*stagingTable, error) {
	name := "staging_ohlcv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cols := strings.Join(models.BarColumns, ", ")
	stmt := fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		name, cols, models.Bar{}.TableName())
	if err := tx.Exec(stmt).Error; err != nil {
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	return &stagingTable{tx: tx, name: name}, nil
}

func (s *stagingTable) load(rows []models.Bar, batchSize int) error {
	if err := s.tx.Table(s.name).CreateInBatches(&rows, batchSize).Error; err != nil {
		return fmt.Errorf("load staging table: %w", err)
	}
	return nil
}

func (s *stagingTable) mergeInto(target string) error {
	cols := strings.Join(models.BarColumns, ", ")
	sets := make([]string, len(mergeAssignments))
	for i, c := range mergeAssignments {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	// WHERE true keeps SQLite from reading ON CONFLICT as a join clause.
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (symbol, ts) DO UPDATE SET %s",
		target, cols, cols, s.name, strings.Join(sets, ", "))
	if err := s.tx.Exec(stmt).Error; err != nil {
		return fmt.Errorf("merge staging into %s: %w", target, err)
	}
	return nil
}

// release drops the staging table. Rollback reclaims it too.
func (s *stagingTable) release() {
	if err := s.tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", s.name)).Error; err != nil {
		slog.Warn("failed to drop staging table", "table", s.name, "error", err)
	}
}
