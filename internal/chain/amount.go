package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiToUI converts a wei-scale token amount to UI units given the token's
// decimals. Precision loss beyond float64 is acceptable for display and
// threshold math; wire amounts always stay in *big.Int.
func WeiToUI(wei *big.Int, decimals uint8) float64 {
	if wei == nil {
		return 0
	}
	d := decimal.NewFromBigInt(wei, -int32(decimals))
	f, _ := d.Float64()
	return f
}

// UIToWei converts a UI-unit amount to wei scale.
func UIToWei(ui float64, decimals uint8) *big.Int {
	d := decimal.NewFromFloat(ui).Shift(int32(decimals))
	return d.Truncate(0).BigInt()
}

// ApplySlippageFloor reduces amount by the given basis points, rounding down.
// Used to turn a quoted output into a minimum-acceptable output.
func ApplySlippageFloor(amount *big.Int, bps int) *big.Int {
	if amount == nil {
		return nil
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(10000-bps)))
	return out.Div(out, big.NewInt(10000))
}

// PricePerToken computes the base-currency price per UI token unit from a
// swap's in/out amounts.
func PricePerToken(baseWei *big.Int, baseDecimals uint8, tokenWei *big.Int, tokenDecimals uint8) float64 {
	tokenUI := WeiToUI(tokenWei, tokenDecimals)
	if tokenUI == 0 {
		return 0
	}
	return WeiToUI(baseWei, baseDecimals) / tokenUI
}
