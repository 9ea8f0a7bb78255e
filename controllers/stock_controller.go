package controllers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go_ohlcv_backend/models"
	"go_ohlcv_backend/services/datafetcher"
	"go_ohlcv_backend/services/export"
)

// BarFetcher fetches raw provider rows and reports why when there are none
type BarFetcher interface {
	Fetch(ctx context.Context, symbol, period, interval string) ([]datafetcher.RawBar, error)
}

// BarNormalizer maps raw rows to canonical bars
type BarNormalizer interface {
	Normalize(symbol string, rows []datafetcher.RawBar) ([]models.Bar, datafetcher.NormalizeStats)
}

// BarWriter merges bars into the store
type BarWriter interface {
	Upsert(ctx context.Context, bars []models.Bar) int
}

// BarReader reads stored bars
type BarReader interface {
	History(ctx context.Context, symbol string, limit int) ([]models.Bar, error)
	KnownSymbols(ctx context.Context) ([]string, error)
}

// StockDeps wires a StockController
type StockDeps struct {
	Fetcher    BarFetcher
	Normalizer BarNormalizer
	Writer     BarWriter
	Reader     BarReader
}

// StockController handles bar fetch, storage and query requests
type StockController struct {
	fetcher    BarFetcher
	normalizer BarNormalizer
	writer     BarWriter
	reader     BarReader
}

// NewStockController creates a new stock controller
func NewStockController(deps StockDeps) *StockController {
	return &StockController{
		fetcher:    deps.Fetcher,
		normalizer: deps.Normalizer,
		writer:     deps.Writer,
		reader:     deps.Reader,
	}
}

// GetSymbols returns every symbol with stored bars
// GET /symbols
func (sc *StockController) GetSymbols(c *gin.Context) {
	symbols, err := sc.reader.KnownSymbols(c.Request.Context())
	if err != nil {
		slog.Error("failed to list symbols", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list symbols"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// GetHistory fetches bars from the provider and stores them unless store=false
// GET /stock/:symbol/history
func (sc *StockController) GetHistory(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	period := c.DefaultQuery("period", "1y")
	interval := c.DefaultQuery("interval", "1d")
	limit := queryLimit(c, 1000)
	store, ok := queryStore(c)
	if !ok {
		return
	}

	bars, stats, ok := sc.fetchBars(c, symbol, period, interval)
	if !ok {
		return
	}

	stored := 0
	if store {
		stored = sc.writer.Upsert(c.Request.Context(), bars)
	}

	rows := bars
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":        symbol,
		"period":        period,
		"interval":      interval,
		"total_records": len(bars),
		"dropped":       stats.Dropped,
		"stored":        stored,
		"data":          rows,
		"timestamp":     time.Now().UTC(),
	})
}

// GetLatest returns the most recent one-minute bar of the current day
// GET /stock/:symbol/latest
func (sc *StockController) GetLatest(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	store, ok := queryStore(c)
	if !ok {
		return
	}

	bars, _, ok := sc.fetchBars(c, symbol, "1d", "1m")
	if !ok {
		return
	}
	latest := bars[len(bars)-1]

	stored := 0
	if store {
		stored = sc.writer.Upsert(c.Request.Context(), []models.Bar{latest})
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"data":      latest,
		"stored":    stored,
		"timestamp": time.Now().UTC(),
	})
}

// GetStored returns stored bars, newest first
// GET /stock/:symbol/db
func (sc *StockController) GetStored(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	limit := queryLimit(c, 100)

	bars, ok := sc.storedBars(c, symbol, limit)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":        symbol,
		"total_records": len(bars),
		"data":          bars,
	})
}

// ExportStored streams stored bars as a parquet file
// GET /stock/:symbol/export
func (sc *StockController) ExportStored(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	limit := queryLimit(c, 1000)

	bars, ok := sc.storedBars(c, symbol, limit)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := export.WriteParquet(&buf, bars); err != nil {
		slog.Error("parquet export failed", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export data"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.parquet", symbol))
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}

// GetBatchHistory fetches several comma-separated symbols without storing them
// GET /batch/:symbols/history
func (sc *StockController) GetBatchHistory(c *gin.Context) {
	period := c.DefaultQuery("period", "1mo")
	interval := c.DefaultQuery("interval", "1d")
	limit := queryLimit(c, 1000)

	var symbols []string
	for _, s := range strings.Split(c.Param("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid symbols provided"})
		return
	}

	data := gin.H{}
	failed := gin.H{}
	for _, symbol := range symbols {
		rows, err := sc.fetcher.Fetch(c.Request.Context(), symbol, period, interval)
		if err != nil {
			failed[symbol] = err.Error()
			continue
		}
		bars, stats := sc.normalizer.Normalize(symbol, rows)
		if len(bars) == 0 {
			failed[symbol] = "no valid rows"
			continue
		}
		if len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		data[symbol] = gin.H{
			"total_records": stats.Kept,
			"dropped":       stats.Dropped,
			"data":          bars,
		}
	}

	if len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "No data found for any of the requested symbols",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period":    period,
		"interval":  interval,
		"requested": symbols,
		"data":      data,
		"failed":    failed,
		"timestamp": time.Now().UTC(),
	})
}

// fetchBars fetches and normalizes one symbol, answering the request itself
// when nothing usable came back
func (sc *StockController) fetchBars(c *gin.Context, symbol, period, interval string) ([]models.Bar, datafetcher.NormalizeStats, bool) {
	rows, err := sc.fetcher.Fetch(c.Request.Context(), symbol, period, interval)
	if err != nil {
		if errors.Is(err, datafetcher.ErrDataUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No data found for symbol %s", symbol)})
		} else {
			slog.Error("provider fetch failed", "symbol", symbol, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("Failed to fetch data for %s", symbol)})
		}
		return nil, datafetcher.NormalizeStats{}, false
	}

	bars, stats := sc.normalizer.Normalize(symbol, rows)
	if len(bars) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No valid data for symbol %s", symbol)})
		return nil, stats, false
	}
	return bars, stats, true
}

func (sc *StockController) storedBars(c *gin.Context, symbol string, limit int) ([]models.Bar, bool) {
	bars, err := sc.reader.History(c.Request.Context(), symbol, limit)
	if err != nil {
		slog.Error("failed to query stored bars", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query stored data"})
		return nil, false
	}
	if len(bars) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("No data found in database for symbol %s", symbol)})
		return nil, false
	}
	return bars, true
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func queryStore(c *gin.Context) (bool, bool) {
	store, err := strconv.ParseBool(c.DefaultQuery("store", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store must be true or false"})
		return false, false
	}
	return store, true
}
