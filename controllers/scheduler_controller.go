package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go_ohlcv_backend/models"
	"go_ohlcv_backend/scheduler"
)

// CycleRunner runs and reports ingestion cycles
type CycleRunner interface {
	TriggerNow(ctx context.Context, symbols []string, period, interval string) *models.CycleReport
	State() string
	NextRun() time.Time
	LastReport() *models.CycleReport
	Symbols() []string
}

// ReportArchive lists archived cycle reports
type ReportArchive interface {
	RecentReports(ctx context.Context, limit int) ([]models.CycleReport, error)
}

// SchedulerController exposes on-demand ingestion and scheduler status
type SchedulerController struct {
	runner  CycleRunner
	archive ReportArchive
}

// NewSchedulerController creates a scheduler controller. archive may be nil.
func NewSchedulerController(runner CycleRunner, archive ReportArchive) *SchedulerController {
	return &SchedulerController{runner: runner, archive: archive}
}

// TriggerFetch runs one ingestion cycle over the posted symbols
// POST /trigger/fetch
func (sc *SchedulerController) TriggerFetch(c *gin.Context) {
	var symbols []string
	if err := c.ShouldBindJSON(&symbols); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be a JSON array of symbols"})
		return
	}
	symbols = scheduler.CleanSymbols(symbols)
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid symbols provided"})
		return
	}

	period := c.DefaultQuery("period", "5d")
	interval := c.DefaultQuery("interval", "1h")

	// the cycle finishes even if the caller goes away
	report := sc.runner.TriggerNow(context.WithoutCancel(c.Request.Context()), symbols, period, interval)

	switch {
	case report.Succeeded() > 0:
		c.JSON(http.StatusOK, gin.H{"status": "completed", "report": report})
	case report.Failed() > 0:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ingestion failed for every symbol", "report": report})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "No data found for any of the requested symbols", "report": report})
	}
}

// GetStatus returns the scheduler state
// GET /scheduler/status
func (sc *SchedulerController) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":       sc.runner.State(),
		"next_run":    sc.runner.NextRun(),
		"symbols":     sc.runner.Symbols(),
		"last_report": sc.runner.LastReport(),
	})
}

// GetReports lists archived cycle reports, newest first
// GET /scheduler/reports
func (sc *SchedulerController) GetReports(c *gin.Context) {
	if sc.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Cycle archive not configured"})
		return
	}

	limit := queryLimit(c, 20)
	reports, err := sc.archive.RecentReports(c.Request.Context(), limit)
	if err != nil {
		slog.Error("failed to list cycle reports", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list cycle reports"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}
