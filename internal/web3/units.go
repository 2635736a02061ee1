package web3

import (
	"fmt"
	"math/big"
	"strings"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseEther converts a whole-currency decimal string such as "1.2" into wei
// without going through floating point. Amounts with more than 18 fractional
// digits or negative amounts are rejected.
func ParseEther(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("金额不能为空")
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("无法解析金额 %q", amount)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("金额不能为负数: %q", amount)
	}
	value.Mul(value, new(big.Rat).SetInt(weiPerEther))
	if !value.IsInt() {
		return nil, fmt.Errorf("金额 %q 超出 18 位小数精度", amount)
	}
	return new(big.Int).Set(value.Num()), nil
}

// FormatEther renders wei as a whole-currency decimal with six fractional
// digits, matching what operators read in balance logs.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.000000"
	}
	return new(big.Rat).SetFrac(wei, weiPerEther).FloatString(6)
}
