// Package api exposes the order and price operations over HTTP. Wallet
// authentication happens upstream; handlers trust the X-Wallet-Address header
// set by the gateway.
package api

import (
	"context"
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/orders"
)

const walletHeader = "X-Wallet-Address"

// PriceReader serves validated oracle prices. Implemented by
// oracle.Aggregator.
type PriceReader interface {
	GetValidatedPrice(ctx context.Context, tokenIn, tokenOut string) (decimal.Decimal, error)
}

// Server wires the order service and the price reader behind a gin router.
type Server struct {
	logger *zap.Logger
	orders *orders.Service
	prices PriceReader
}

// NewServer creates the HTTP server facade.
func NewServer(logger *zap.Logger, orderSvc *orders.Service, prices PriceReader) *Server {
	return &Server{
		logger: logger,
		orders: orderSvc,
		prices: prices,
	}
}

// Router builds the HTTP router with logging and recovery middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			ordersGroup := v1.Group("/orders", s.walletMiddleware())
			{
				ordersGroup.POST("", s.handleCreateOrder)
				ordersGroup.GET("", s.handleListOrders)
				ordersGroup.GET("/:id", s.handleGetOrder)
				ordersGroup.PATCH("/:id", s.handleUpdateOrder)
				ordersGroup.DELETE("/:id", s.handleCancelOrder)
			}

			prices := v1.Group("/prices")
			{
				prices.GET("/:tokenIn/:tokenOut", s.handleGetPrice)
			}
		}
	}

	return router
}

// walletMiddleware requires the authenticated wallet address forwarded by the
// gateway.
func (s *Server) walletMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.GetHeader(walletHeader)
		if address == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "missing wallet address",
			})
			return
		}
		c.Set("wallet", address)
		c.Next()
	}
}
