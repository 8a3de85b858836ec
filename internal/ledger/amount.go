package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// Native decimal exponents.
const (
	SolanaDecimals   int32 = 9
	EthereumDecimals int32 = 18
)

// Bounds for amounts accepted from callers. 10^40 native units exceeds the
// supply of every supported chain, and no chain is finer than 18 decimals.
const (
	maxAmountText      = 96
	maxAmountMagnitude = 40
	minAmountExponent  = -(EthereumDecimals + 30)
)

// ParseAmount parses a native-unit decimal string and rejects values whose
// exponent or magnitude is outside what any supported chain can represent.
// Scaling such values is proportional to the exponent, so they are refused
// before they can reach arithmetic. Sign is not checked here.
func ParseAmount(text string) (decimal.Decimal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return decimal.Zero, xerrors.New(CodeInvalidAmount, "金额不能为空")
	}
	if len(text) > maxAmountText {
		return decimal.Zero, xerrors.New(CodeInvalidAmount, fmt.Sprintf("金额过长: %q", abbreviate(text)))
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(CodeInvalidAmount, err, fmt.Sprintf("金额不是有效的数字: %q", abbreviate(text)))
	}
	exp := amount.Exponent()
	if exp < minAmountExponent {
		return decimal.Zero, xerrors.New(CodeInvalidAmount, fmt.Sprintf("金额精度超出范围: %q", abbreviate(text)))
	}
	if digits := len(amount.Abs().Coefficient().Text(10)); !amount.IsZero() && int64(exp)+int64(digits) > maxAmountMagnitude {
		return decimal.Zero, xerrors.New(CodeInvalidAmount, fmt.Sprintf("金额超出范围: %q", abbreviate(text)))
	}
	return amount, nil
}

func abbreviate(text string) string {
	const limit = 32
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

// ToAtomic scales a native-unit amount into the chain's integer unit. It
// refuses non-positive amounts and amounts finer than one atomic unit rather
// than rounding them.
func ToAtomic(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, InvalidAmount(amount, "金额必须大于 0")
	}
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, InvalidAmount(amount, fmt.Sprintf("金额精度超过 %d 位小数", decimals))
	}
	return scaled.BigInt(), nil
}

// FromAtomic converts an integer amount back into native units.
func FromAtomic(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// FromAtomicUint64 is FromAtomic for chains that report balances as uint64.
func FromAtomicUint64(value uint64, decimals int32) decimal.Decimal {
	return FromAtomic(new(big.Int).SetUint64(value), decimals)
}

// OneUnit returns the smallest representable amount for the given exponent.
func OneUnit(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}
