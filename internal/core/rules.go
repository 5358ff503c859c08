package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
	ErrUnknownPair      = errors.New("no trading rule for pair")
)

// OrderRequest is what the strategy layer asks to place before normalization.
type OrderRequest struct {
	Pair  string
	Side  Side
	Type  OrderType
	Price decimal.Decimal
	Qty   decimal.Decimal
}

func NormalizeOrder(req OrderRequest, rule TradingRule) (OrderRequest, error) {
	if req.Side != Buy && req.Side != Sell {
		return req, ErrInvalidOrder
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rule.QtyStep.Cmp(decimal.Zero) > 0 {
		req.Qty = RoundDown(req.Qty, rule.QtyStep)
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rule.MinQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rule.MinQty) < 0 {
		return req, ErrBelowMinQty
	}
	if req.Type == Market {
		if req.Price.Cmp(decimal.Zero) <= 0 {
			return req, nil
		}
		if rule.MinNotional.Cmp(decimal.Zero) > 0 {
			notional := req.Price.Mul(req.Qty)
			if notional.Cmp(rule.MinNotional) < 0 {
				return req, ErrBelowMinNotional
			}
		}
		return req, nil
	}
	if req.Type != Limit {
		return req, ErrInvalidOrder
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rule.PriceTick.Cmp(decimal.Zero) > 0 {
		req.Price = RoundDown(req.Price, rule.PriceTick)
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rule.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := req.Price.Mul(req.Qty)
		if notional.Cmp(rule.MinNotional) < 0 {
			return req, ErrBelowMinNotional
		}
	}
	return req, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// StepFromPrecision returns 10^-precision, the smallest increment a venue
// accepts for a field declared with that many decimals.
func StepFromPrecision(precision int32) decimal.Decimal {
	if precision < 0 {
		precision = 0
	}
	return decimal.New(1, -precision)
}
