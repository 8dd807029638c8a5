package engine

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// soldToBob runs a 20M auction where bob outbids alice at 21M.
func soldToBob(t *testing.T, h *harness) (*model.Auction, *model.Order) {
	t.Helper()
	h.fund("alice", 30_000_000)
	h.fund("bob", 30_000_000)
	a := h.active(params(model.AuctionOpen, 20_000_000, 500_000), "alice", "bob")
	h.bid(a.ID, "alice", 20_500_000)
	h.bid(a.ID, "bob", 21_000_000)
	h.at(a.ActualEndTime)
	o, err := h.m.GetOrderByAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	return h.auction(a.ID), o
}

func (h *harness) escrow(orderID string) model.Escrow {
	h.t.Helper()
	esc, err := h.store.GetEscrowByOrder(h.ctx, orderID)
	assert.NoError(h.t, err)
	return *esc
}

func TestSettlementAtClose(t *testing.T) {
	h := newHarness(t)
	a, o := soldToBob(t, h)

	check.Equal(t, model.StatusSold, a.Status)
	check.Equal(t, "bob", *a.WinnerID)
	check.Equal(t, int64(21_000_000), o.ItemPrice)
	check.Equal(t, int64(1_050_000), o.PlatformFee)
	check.Equal(t, int64(22_050_000), o.TotalAmount)
	check.Equal(t, int64(2_000_000), o.DepositApplied)
	check.Equal(t, model.OrderPendingPayment, o.Status)
	check.Equal(t, a.ActualEndTime.Add(48*time.Hour), o.PaymentDueAt)
	check.Equal(t, "ORD-20250301-", o.OrderNumber[:13])

	esc := h.escrow(o.ID)
	check.Equal(t, int64(2_000_000), esc.Amount)
	check.Equal(t, model.EscrowHolding, esc.Status)

	alice := h.wallet("alice")
	check.Equal(t, int64(28_000_000), alice.Available)
	check.Equal(t, int64(2_000_000), alice.Refund)
	check.Equal(t, int64(0), alice.Locked)
	bob := h.wallet("bob")
	check.Equal(t, int64(28_000_000), bob.Available)
	check.Equal(t, int64(2_000_000), bob.Held)
	check.Equal(t, int64(0), bob.Locked)

	check.Equal(t, model.ResultWinner, *h.deposit(a.ID, "bob").Result)
	check.Equal(t, model.ResultOutbid, *h.deposit(a.ID, "alice").Result)

	bids, err := h.m.ListBids(h.ctx, a.ID, "")
	assert.NoError(t, err)
	for _, b := range bids {
		want := model.BidOutbid
		if b.BidderID == "bob" {
			want = model.BidWon
		}
		check.Equal(t, want, b.Status)
	}

	evs, err := h.m.ListEvents(h.ctx, a.ID, 3)
	assert.NoError(t, err)
	check.Equal(t, model.EventOrderCreated, evs[0].Type)
	check.Equal(t, model.EventAuctionClosed, evs[1].Type)
	check.Equal(t, 1, len(h.rec.OfType(model.EventOrderCreated)))
}

func TestOrderHappyPath(t *testing.T) {
	h := newHarness(t)
	a, o := soldToBob(t, h)

	_, err := h.m.PayOrder(h.ctx, o.ID, "alice")
	expectErr(t, err, apperr.ErrForbidden)
	_, err = h.m.MarkShipped(h.ctx, o.ID, seller)
	expectErr(t, err, apperr.ErrOrderState)

	paid, err := h.m.PayOrder(h.ctx, o.ID, "bob")
	assert.NoError(t, err)
	check.Equal(t, model.OrderPaid, paid.Order.Status)
	check.Equal(t, o.TotalAmount, paid.Escrow.Amount)
	bob := h.wallet("bob")
	check.Equal(t, int64(7_950_000), bob.Available)
	check.Equal(t, int64(22_050_000), bob.Held)
	if _, ok := h.m.Scheduler().When(a.ID); ok {
		t.Fatalf("paid order has no deadline until delivery")
	}

	_, err = h.m.MarkShipped(h.ctx, o.ID, "bob")
	expectErr(t, err, apperr.ErrForbidden)
	_, err = h.m.MarkShipped(h.ctx, o.ID, seller)
	assert.NoError(t, err)
	_, err = h.m.MarkDelivered(h.ctx, o.ID, "bob")
	assert.NoError(t, err)
	done, err := h.m.ConfirmReceipt(h.ctx, o.ID, "bob")
	assert.NoError(t, err)
	check.Equal(t, model.OrderCompleted, done.Order.Status)
	check.Equal(t, model.EscrowReleasedToSeller, done.Escrow.Status)

	check.Equal(t, int64(21_000_000), h.wallet(seller).Available)
	check.Equal(t, int64(1_050_000), h.wallet(platform).Available)
	check.Equal(t, int64(0), h.wallet("bob").Held)
	check.Equal(t, int64(60_000_000), h.total("alice", "bob", seller, platform))

	for _, u := range []string{"alice", "bob", seller, platform} {
		legs, err := h.m.ListWalletTransactions(h.ctx, u, 0)
		assert.NoError(t, err)
		w := h.wallet(u)
		assert.NoError(t, ledger.Reconcile(&w, legs))
	}
}

func TestUnpaidOrderForfeitsDeposit(t *testing.T) {
	h := newHarness(t)
	a, o := soldToBob(t, h)

	h.at(o.PaymentDueAt.Add(-time.Second))
	check.Equal(t, model.OrderPendingPayment, h.escrowOrder(t, o.ID).Status)

	h.at(o.PaymentDueAt)
	got := h.escrowOrder(t, o.ID)
	check.Equal(t, model.OrderCancelled, got.Status)
	check.Equal(t, model.DepositForfeited, h.deposit(a.ID, "bob").Status)
	check.Equal(t, model.EscrowReleasedToSeller, h.escrow(o.ID).Status)

	check.Equal(t, int64(1_400_000), h.wallet(seller).Available)
	check.Equal(t, int64(600_000), h.wallet(platform).Available)
	bob := h.wallet("bob")
	check.Equal(t, int64(0), bob.Held)
	check.Equal(t, int64(28_000_000), bob.Available)
	check.Equal(t, int64(60_000_000), h.total("alice", "bob", seller, platform))

	_, err := h.m.PayOrder(h.ctx, o.ID, "bob")
	expectErr(t, err, apperr.ErrOrderState)
}

func TestLatePaymentForfeitsBeforePaying(t *testing.T) {
	h := newHarness(t)
	_, o := soldToBob(t, h)
	// the scheduler has not fired yet, the command catches up first
	h.clock.Set(o.PaymentDueAt.Add(time.Minute))
	_, err := h.m.PayOrder(h.ctx, o.ID, "bob")
	expectErr(t, err, apperr.ErrOrderState)
	check.Equal(t, model.OrderCancelled, h.escrowOrder(t, o.ID).Status)
}

func (h *harness) escrowOrder(t *testing.T, orderID string) model.Order {
	t.Helper()
	d, err := h.m.GetOrder(h.ctx, orderID, "", true)
	assert.NoError(t, err)
	return d.Order
}

func delivered(t *testing.T, h *harness) (*model.Auction, *model.Order) {
	t.Helper()
	a, o := soldToBob(t, h)
	_, err := h.m.PayOrder(h.ctx, o.ID, "bob")
	assert.NoError(t, err)
	_, err = h.m.MarkShipped(h.ctx, o.ID, seller)
	assert.NoError(t, err)
	_, err = h.m.MarkDelivered(h.ctx, o.ID, seller)
	assert.NoError(t, err)
	return a, o
}

func TestReturnRefundsBuyer(t *testing.T) {
	h := newHarness(t)
	_, o := delivered(t, h)

	_, err := h.m.RequestReturn(h.ctx, o.ID, "bob", "")
	expectErr(t, err, apperr.ErrInvalidInput)
	disputed, err := h.m.RequestReturn(h.ctx, o.ID, "bob", "dial is scratched")
	assert.NoError(t, err)
	check.Equal(t, model.OrderDisputed, disputed.Order.Status)
	check.Equal(t, model.EscrowDisputed, disputed.Escrow.Status)

	_, err = h.m.ConfirmReceipt(h.ctx, o.ID, "bob")
	expectErr(t, err, apperr.ErrOrderState)

	resolved, err := h.m.ResolveReturn(h.ctx, o.ID, true)
	assert.NoError(t, err)
	check.Equal(t, model.OrderRefunded, resolved.Order.Status)
	check.Equal(t, model.EscrowRefundedToBuyer, resolved.Escrow.Status)

	bob := h.wallet("bob")
	check.Equal(t, int64(0), bob.Held)
	check.Equal(t, o.TotalAmount, bob.Refund)
	sw := h.wallet(seller)
	check.Equal(t, int64(0), sw.Total())
	check.Equal(t, int64(60_000_000), h.total("alice", "bob", seller, platform))
}

func TestReturnResolvedForSeller(t *testing.T) {
	h := newHarness(t)
	_, o := delivered(t, h)
	_, err := h.m.RequestReturn(h.ctx, o.ID, "bob", "changed my mind")
	assert.NoError(t, err)
	resolved, err := h.m.ResolveReturn(h.ctx, o.ID, false)
	assert.NoError(t, err)
	check.Equal(t, model.OrderCompleted, resolved.Order.Status)
	check.Equal(t, int64(21_000_000), h.wallet(seller).Available)
}

func TestReturnWindowLapseReleasesEscrow(t *testing.T) {
	h := newHarness(t)
	a, o := delivered(t, h)
	deliveredAt := h.clock.Now()
	due, ok := h.m.Scheduler().When(a.ID)
	check.True(t, ok)
	check.Equal(t, deliveredAt.Add(7*24*time.Hour), due)

	h.at(due)
	got := h.escrowOrder(t, o.ID)
	check.Equal(t, model.OrderCompleted, got.Status)
	check.Equal(t, int64(21_000_000), h.wallet(seller).Available)
	check.Equal(t, int64(1_050_000), h.wallet(platform).Available)

	_, err := h.m.RequestReturn(h.ctx, o.ID, "bob", "too late")
	expectErr(t, err, apperr.ErrOrderState)
}

func TestGetOrderVisibility(t *testing.T) {
	h := newHarness(t)
	_, o := soldToBob(t, h)
	_, err := h.m.GetOrder(h.ctx, o.ID, "alice", false)
	expectErr(t, err, apperr.ErrForbidden)
	for _, viewer := range []string{"bob", seller} {
		d, err := h.m.GetOrder(h.ctx, o.ID, viewer, false)
		assert.NoError(t, err)
		check.Equal(t, o.ID, d.Order.ID)
	}
	buyer, err := h.m.ListOrders(h.ctx, "bob")
	assert.NoError(t, err)
	check.Equal(t, 1, len(buyer))
}

func TestWithdrawOnlyFromRefund(t *testing.T) {
	h := newHarness(t)
	soldToBob(t, h)

	_, err := h.m.Withdraw(h.ctx, "bob", 1)
	expectErr(t, err, apperr.ErrInsufficientFunds)

	w, err := h.m.Withdraw(h.ctx, "alice", 2_000_000)
	assert.NoError(t, err)
	check.Equal(t, int64(0), w.Refund)
	check.Equal(t, int64(28_000_000), w.Available)

	_, err = h.m.Withdraw(h.ctx, "alice", 0)
	expectErr(t, err, apperr.ErrInvalidInput)
	_, err = h.m.AddFunds(h.ctx, "alice", -5)
	expectErr(t, err, apperr.ErrInvalidInput)
}

func TestGetWalletForUnknownUser(t *testing.T) {
	h := newHarness(t)
	w := h.wallet("nobody")
	check.Equal(t, "nobody", w.UserID)
	check.Equal(t, int64(0), w.Total())
}

func TestLateCloseKeepsPaymentDeadline(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 1_000)
	a := h.active(params(model.AuctionOpen, 100, 10), "alice")
	h.bid(a.ID, "alice", 110)

	// the close is processed half an hour after the auction ended
	h.at(a.ActualEndTime.Add(30 * time.Minute))
	o, err := h.m.GetOrderByAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, a.ActualEndTime.Add(48*time.Hour), o.PaymentDueAt)
	check.Equal(t, model.OrderPendingPayment, o.Status)
}

func TestOversizedBidIsRejectedAndAuctionStillSettles(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 1_000)
	h.fund("bob", 1_000)
	a := h.active(params(model.AuctionOpen, 100, 10), "alice", "bob")

	_, err := h.m.PlaceBid(h.ctx, a.ID, "alice", 9223372036854775790)
	expectErr(t, err, apperr.ErrInvalidInput)
	_, err = h.m.PlaceBid(h.ctx, a.ID, "alice", model.MaxAmount+10)
	expectErr(t, err, apperr.ErrInvalidInput)
	check.Equal(t, 0, h.auction(a.ID).BidCount)

	// the largest bid on the grid below the cap
	top := model.MaxAmount - 2
	h.bid(a.ID, "alice", top)
	_, err = h.m.PlaceBid(h.ctx, a.ID, "bob", model.MaxAmount)
	expectErr(t, err, apperr.ErrBidTooLow)

	h.at(a.ActualEndTime)
	a = h.auction(a.ID)
	check.Equal(t, model.StatusSold, a.Status)
	o, err := h.m.GetOrderByAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, top, o.ItemPrice)
	check.Equal(t, top+o.PlatformFee, o.TotalAmount)
	check.True(t, o.TotalAmount > top)
	if _, ok := h.m.Scheduler().When(a.ID); !ok {
		t.Fatalf("expected the payment deadline to be scheduled")
	}
}
