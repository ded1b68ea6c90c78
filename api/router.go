package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pos_sales/internal/auth"
	"pos_sales/internal/idempotency"
	"pos_sales/internal/sales"
)

// Dependencies are the collaborators the HTTP surface is built from.
type Dependencies struct {
	Service        *sales.Service
	Issuer         *auth.Issuer
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	CORSOrigins    []string
	Logger         *zap.Logger
}

// InitRoutes registers the /ventas endpoints on the given Gin engine.
func InitRoutes(e *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = 24 * time.Hour
	}

	e.Use(gin.Recovery(), requestLogger(logger), cors.New(corsConfig(deps.CORSOrigins)))

	salesHandler := NewSalesHandler(deps.Service, logger)

	ventas := e.Group("/ventas", RequireAuth(deps.Issuer, logger))
	ventas.POST("",
		RequireRole(sales.RoleEmployee),
		Idempotent(deps.Idempotency, deps.IdempotencyTTL, logger),
		salesHandler.handleCreateSale,
	)
	ventas.GET("", salesHandler.handleListSales)
	ventas.GET("/mis-ventas", RequireRole(sales.RoleEmployee), salesHandler.handleMySales)
	ventas.GET("/mis-compras", RequireRole(sales.RoleClient), salesHandler.handleMyPurchases)
	ventas.GET("/dia", RequireRole(sales.RoleAdmin), salesHandler.handleDaySummary)
	ventas.GET("/mes", RequireRole(sales.RoleAdmin), salesHandler.handleMonthSummary)
	ventas.GET("/:id", salesHandler.handleGetSale)
	ventas.DELETE("/:id", RequireRole(sales.RoleEmployee), salesHandler.handleVoidSale)

	e.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", headerIdempotencyKey, headerRequestID)
	cfg.ExposeHeaders = []string{headerRequestID, headerReplayed, "Retry-After"}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
