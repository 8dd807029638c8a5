package model

import (
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestCalcDeposit(t *testing.T) {
	check.Equal(t, int64(2_000_000), CalcDeposit(20_000_000, DefaultDepositPercentage))
	check.Equal(t, int64(0), CalcDeposit(0, DefaultDepositPercentage))
	// 12.5% of 3 rounds half away from zero
	check.Equal(t, int64(0), CalcDeposit(3, decimal.RequireFromString("12.5")))
	check.Equal(t, int64(1), CalcDeposit(4, decimal.RequireFromString("12.5")))
}

func TestCalcPlatformFee(t *testing.T) {
	check.Equal(t, int64(1_050_000), CalcPlatformFee(21_000_000, decimal.NewFromInt(5)))
}

func TestSplitForfeitAlwaysSumsToAmount(t *testing.T) {
	for _, amount := range []int64{0, 1, 3, 7, 999, 2_000_000, 2_000_001} {
		seller, platform := SplitForfeit(amount, decimal.NewFromInt(70))
		check.Equal(t, amount, seller+platform)
		check.True(t, seller >= 0)
		check.True(t, platform >= 0)
	}
	seller, platform := SplitForfeit(2_000_000, decimal.NewFromInt(70))
	check.Equal(t, int64(1_400_000), seller)
	check.Equal(t, int64(600_000), platform)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AuctionStatus
		want     bool
	}{
		{StatusDraft, StatusPending, true},
		{StatusPending, StatusQualifying, true},
		{StatusQualifying, StatusActive, true},
		{StatusQualifying, StatusFailed, true},
		{StatusActive, StatusSold, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusQualifying, false},
		{StatusActive, StatusCancelled, false},
		{StatusSold, StatusEnded, false},
		{StatusDraft, StatusEmergencyStopped, true},
		{StatusActive, StatusEmergencyStopped, true},
		{StatusEmergencyStopped, StatusEmergencyStopped, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAuctionPrice(t *testing.T) {
	a := &Auction{StartingPrice: 100, BidIncrement: 10}
	check.Equal(t, int64(100), a.Price())
	check.Equal(t, int64(110), a.MinNextBid())
	p := int64(150)
	a.CurrentPrice = &p
	check.Equal(t, int64(160), a.MinNextBid())
}

func TestSafeAddDetectsOverflow(t *testing.T) {
	sum, ok := SafeAdd(21_000_000, 1_050_000, 0)
	check.True(t, ok)
	check.Equal(t, int64(22_050_000), sum)

	_, ok = SafeAdd(MaxAmount, CalcPlatformFee(MaxAmount, decimal.NewFromInt(100)))
	check.True(t, ok)
	_, ok = SafeAdd(9223372036854775790, 100)
	check.False(t, ok)
	_, ok = SafeAdd(-1)
	check.False(t, ok)
}

func TestMinNextBidSaturatesAtMaxAmount(t *testing.T) {
	price := MaxAmount - 5
	a := &Auction{StartingPrice: 100, BidIncrement: 10, CurrentPrice: &price}
	check.Equal(t, MaxAmount+1, a.MinNextBid())

	a.CurrentPrice = nil
	check.Equal(t, int64(110), a.MinNextBid())
}
