package model

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// MaxAmount bounds every price, bid and credit so that fees and totals
// derived from them stay far inside int64.
const MaxAmount int64 = 1 << 53

// SafeAdd adds non-negative amounts and reports false on a negative term or
// int64 overflow.
func SafeAdd(vs ...int64) (int64, bool) {
	var sum int64
	for _, v := range vs {
		if v < 0 || sum > math.MaxInt64-v {
			return 0, false
		}
		sum += v
	}
	return sum, true
}

// DefaultDepositPercentage is applied when an auction is created without one.
var DefaultDepositPercentage = decimal.NewFromInt(10)

// Percent returns pct% of amount, rounded half away from zero to whole units.
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// CalcDeposit is the qualification deposit for a starting price.
func CalcDeposit(startingPrice int64, pct decimal.Decimal) int64 {
	return Percent(startingPrice, pct)
}

// CalcPlatformFee is the platform commission charged on the hammer price.
func CalcPlatformFee(itemPrice int64, feePct decimal.Decimal) int64 {
	return Percent(itemPrice, feePct)
}

// SplitForfeit divides a forfeited deposit between seller and platform. The
// platform takes the remainder so the two shares always sum to amount.
func SplitForfeit(amount int64, sellerPct decimal.Decimal) (seller, platform int64) {
	seller = Percent(amount, sellerPct)
	if seller > amount {
		seller = amount
	}
	return seller, amount - seller
}
