package orders

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/repository"
	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
	"github.com/swapmatch/swapmatch/pkg/models"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// PriceGate is the oracle-backed economic check. Implemented by
// oracle.Aggregator.
type PriceGate interface {
	ValidateOrderPrice(ctx context.Context, orderPrice decimal.Decimal, tokenIn, tokenOut string) error
}

// Candidate is a proposed order before persistence.
type Candidate struct {
	TokenIn   string
	TokenOut  string
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Price     decimal.Decimal
	Type      string
}

// Validator rejects structurally malformed orders and orders priced away
// from the oracle. It is the only gate between client input and the book.
type Validator struct {
	gate   PriceGate
	logger *zap.Logger
}

// NewValidator creates a Validator backed by the given price gate.
func NewValidator(gate PriceGate, logger *zap.Logger) *Validator {
	return &Validator{gate: gate, logger: logger}
}

// ValidateOrder runs the structural checks, then the oracle deviation gate.
// Every failure is a typed error; nothing is coerced or partially accepted.
func (v *Validator) ValidateOrder(ctx context.Context, c Candidate) error {
	if !addressPattern.MatchString(c.TokenIn) {
		return apperrors.Validation("invalid tokenIn address")
	}
	if !addressPattern.MatchString(c.TokenOut) {
		return apperrors.Validation("invalid tokenOut address")
	}
	if strings.EqualFold(c.TokenIn, c.TokenOut) {
		return apperrors.Validation("tokenIn and tokenOut must be different")
	}
	if c.AmountIn.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("amountIn must be greater than 0")
	}
	if c.AmountOut.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("amountOut must be greater than 0")
	}
	if !c.AmountIn.IsInteger() || !c.AmountOut.IsInteger() {
		return apperrors.Validation("amounts must be integral token base units")
	}
	if c.Price.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("price must be greater than 0")
	}
	if !models.KnownOrderType(c.Type) {
		return apperrors.Validationf("unknown order type %q", c.Type)
	}

	return v.gate.ValidateOrderPrice(ctx, c.Price, c.TokenIn, c.TokenOut)
}

// ValidateOrderUpdate checks the fields present in a patch. Absent fields are
// not touched and not validated.
func (v *Validator) ValidateOrderUpdate(patch repository.OrderPatch) error {
	if patch.Price != nil && patch.Price.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("price must be greater than 0")
	}
	if patch.AmountIn != nil {
		if patch.AmountIn.LessThanOrEqual(decimal.Zero) {
			return apperrors.Validation("amountIn must be greater than 0")
		}
		if !patch.AmountIn.IsInteger() {
			return apperrors.Validation("amountIn must be integral token base units")
		}
	}
	if patch.AmountOut != nil {
		if patch.AmountOut.LessThanOrEqual(decimal.Zero) {
			return apperrors.Validation("amountOut must be greater than 0")
		}
		if !patch.AmountOut.IsInteger() {
			return apperrors.Validation("amountOut must be integral token base units")
		}
	}
	return nil
}
