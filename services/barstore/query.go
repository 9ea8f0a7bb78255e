package barstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"go_ohlcv_backend/models"
)

// DefaultHistoryLimit is used when a caller passes a non-positive limit
const DefaultHistoryLimit = 100

// QueryService reads stored bars
type QueryService struct {
	db    *gorm.DB
	cache HistoryCache
}

func NewQueryService(db *gorm.DB, cache HistoryCache) *QueryService {
	if cache == nil {
		cache = NoopCache
	}
	return &QueryService{db: db, cache: cache}
}

// History returns the newest limit bars of symbol, newest first.
// An unknown symbol yields an empty slice.
func (q *QueryService) History(ctx context.Context, symbol string, limit int) ([]models.Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	cached, gen, ok := q.cache.Get(ctx, symbol, limit)
	if ok {
		return cached, nil
	}

	bars := []models.Bar{}
	err := q.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("ts DESC").
		Limit(limit).
		Find(&bars).Error
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", symbol, err)
	}

	if len(bars) > 0 {
		q.cache.Set(ctx, symbol, limit, gen, bars)
	}
	return bars, nil
}

// KnownSymbols returns every distinct stored symbol in ascending order
func (q *QueryService) KnownSymbols(ctx context.Context) ([]string, error) {
	symbols := []string{}
	err := q.db.WithContext(ctx).
		Model(&models.Bar{}).
		Distinct("symbol").
		Order("symbol ASC").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("query known symbols: %w", err)
	}
	return symbols, nil
}

// Ping checks that the store is reachable
func (q *QueryService) Ping(ctx context.Context) error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
