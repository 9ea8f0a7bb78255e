package routes

import (
	"github.com/gin-gonic/gin"

	"go_ohlcv_backend/controllers"
	"go_ohlcv_backend/middleware"
)

// Controllers groups the handlers mounted by SetupRoutes
type Controllers struct {
	System    *controllers.SystemController
	Stock     *controllers.StockController
	Scheduler *controllers.SchedulerController
}

// Options configures route guards
type Options struct {
	TriggerJWTSecret string
	TriggerRateLimit int // requests per minute per client IP
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, ctrl Controllers, opts Options) {
	router.GET("/", ctrl.System.Root)
	router.GET("/health", ctrl.System.Health)

	router.GET("/symbols", ctrl.Stock.GetSymbols)

	// Stock routes
	stock := router.Group("/stock/:symbol")
	{
		stock.GET("/history", ctrl.Stock.GetHistory)
		stock.GET("/latest", ctrl.Stock.GetLatest)
		stock.GET("/db", ctrl.Stock.GetStored)
		stock.GET("/export", ctrl.Stock.ExportStored)
	}

	router.GET("/batch/:symbols/history", ctrl.Stock.GetBatchHistory)

	// Operator routes
	trigger := router.Group("/trigger")
	trigger.Use(middleware.RateLimitMiddleware(opts.TriggerRateLimit))
	trigger.Use(middleware.JWTAuthMiddleware(opts.TriggerJWTSecret))
	{
		trigger.POST("/fetch", ctrl.Scheduler.TriggerFetch)
	}

	sched := router.Group("/scheduler")
	{
		sched.GET("/status", ctrl.Scheduler.GetStatus)
		sched.GET("/reports", ctrl.Scheduler.GetReports)
	}
}
