package service

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrUnscalable = errors.New("amount cannot be scaled exactly")

var maxChainAmount = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ScaleAmount 将账本金额换算为链上最小单位
// 结果必须为正整数且不超过 uint64, 否则返回 ErrUnscalable, 不做舍入
func ScaleAmount(amount decimal.Decimal, factor int64) (uint64, error) {
	if factor <= 0 {
		return 0, fmt.Errorf("%w: scale factor %d", ErrUnscalable, factor)
	}
	scaled := amount.Mul(decimal.NewFromInt(factor))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s x %d is not an integer", ErrUnscalable, amount, factor)
	}
	if scaled.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %s is not positive", ErrUnscalable, amount)
	}
	if scaled.GreaterThan(maxChainAmount) {
		return 0, fmt.Errorf("%w: %s overflows", ErrUnscalable, amount)
	}
	return scaled.BigInt().Uint64(), nil
}
