package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks store connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemController serves the banner and health endpoints
type SystemController struct {
	store Pinger
}

func NewSystemController(store Pinger) *SystemController {
	return &SystemController{store: store}
}

// Root lists the available endpoints
// GET /
func (sc *SystemController) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "OHLCV Ingestion API",
		"version": "1.0.0",
		"endpoints": []string{
			"GET /health",
			"GET /symbols",
			"GET /stock/:symbol/history",
			"GET /stock/:symbol/latest",
			"GET /stock/:symbol/db",
			"GET /stock/:symbol/export",
			"GET /batch/:symbols/history",
			"POST /trigger/fetch",
			"GET /scheduler/status",
			"GET /scheduler/reports",
		},
	})
}

// Health pings the store
// GET /health
func (sc *SystemController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := sc.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"database":  "disconnected",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}
