package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/orders"
	"github.com/swapmatch/swapmatch/internal/repository"
	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
)

type createOrderRequest struct {
	Type      string     `json:"type" binding:"required"`
	TokenIn   string     `json:"token_in" binding:"required"`
	TokenOut  string     `json:"token_out" binding:"required"`
	AmountIn  string     `json:"amount_in" binding:"required"`
	AmountOut string     `json:"amount_out" binding:"required"`
	Price     string     `json:"price" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type updateOrderRequest struct {
	Price     *string `json:"price,omitempty"`
	AmountIn  *string `json:"amount_in,omitempty"`
	AmountOut *string `json:"amount_out,omitempty"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation("invalid request body"))
		return
	}

	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil {
		s.respondError(c, apperrors.Validation("amount_in is not a valid number"))
		return
	}
	amountOut, err := decimal.NewFromString(req.AmountOut)
	if err != nil {
		s.respondError(c, apperrors.Validation("amount_out is not a valid number"))
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.respondError(c, apperrors.Validation("price is not a valid number"))
		return
	}

	order, err := s.orders.CreateAndMatchOrder(c.Request.Context(), orders.CreateOrderInput{
		UserAddress: c.GetString("wallet"),
		Type:        req.Type,
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		Price:       price,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperrors.Validation("invalid order id"))
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), id, c.GetString("wallet"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := s.orders.ListOrders(c.Request.Context(), c.GetString("wallet"), c.Query("status"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "limit": limit, "offset": offset})
}

func (s *Server) handleUpdateOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperrors.Validation("invalid order id"))
		return
	}

	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation("invalid request body"))
		return
	}

	var patch repository.OrderPatch
	if req.Price != nil {
		price, err := decimal.NewFromString(*req.Price)
		if err != nil {
			s.respondError(c, apperrors.Validation("price is not a valid number"))
			return
		}
		patch.Price = &price
	}
	if req.AmountIn != nil {
		amountIn, err := decimal.NewFromString(*req.AmountIn)
		if err != nil {
			s.respondError(c, apperrors.Validation("amount_in is not a valid number"))
			return
		}
		patch.AmountIn = &amountIn
	}
	if req.AmountOut != nil {
		amountOut, err := decimal.NewFromString(*req.AmountOut)
		if err != nil {
			s.respondError(c, apperrors.Validation("amount_out is not a valid number"))
			return
		}
		patch.AmountOut = &amountOut
	}

	order, err := s.orders.UpdateOrder(c.Request.Context(), id, c.GetString("wallet"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperrors.Validation("invalid order id"))
		return
	}
	order, err := s.orders.CancelOrder(c.Request.Context(), id, c.GetString("wallet"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetPrice(c *gin.Context) {
	price, err := s.prices.GetValidatedPrice(c.Request.Context(), c.Param("tokenIn"), c.Param("tokenOut"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token_in":  c.Param("tokenIn"),
		"token_out": c.Param("tokenOut"),
		"price":     price,
	})
}

// respondError translates the typed error taxonomy to HTTP statuses. Untyped
// errors become an opaque 500 so internal detail never leaks.
func (s *Server) respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	message := "internal error"

	switch code {
	case apperrors.CodeValidation:
		status = http.StatusBadRequest
	case apperrors.CodePriceDeviation, apperrors.CodeInvalidPrice, apperrors.CodeInsufficientBalance:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeInvalidState:
		status = http.StatusConflict
	case apperrors.CodeNoValidPrice:
		status = http.StatusServiceUnavailable
	case apperrors.CodeExternalService:
		status = http.StatusBadGateway
	}

	if code != "" {
		var typed *apperrors.Error
		if apperrors.As(err, &typed) {
			message = typed.Message
		}
	} else {
		s.logger.Error("unhandled error in request", zap.Error(err))
		code = "INTERNAL"
	}

	c.JSON(status, gin.H{"code": code, "message": message})
}
