package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// settle sells the auction to win's bidder. The winner's deposit moves from
// locked to held and funds the escrow, every other deposit is refunded, and
// an order is opened for the balance. The payment window runs from soldAt,
// not from whenever the close happened to be processed.
func (m *Manager) settle(ctx context.Context, t *txn, a *model.Auction, win *model.Bid, soldAt time.Time) (*model.Order, error) {
	if err := m.transition(t, a, model.StatusSold); err != nil {
		return nil, err
	}
	a.WinnerID = &win.BidderID
	a.WinningBidID = &win.ID
	a.CurrentPrice = &win.Amount

	if err := t.UpdateBidStatus(ctx, win.ID, model.BidWon); err != nil {
		return nil, err
	}
	if err := m.endBids(ctx, t, a, win, model.BidOutbid); err != nil {
		return nil, err
	}
	if err := m.endAutoBids(ctx, t, a, win.BidderID, model.AutoBidOutbid); err != nil {
		return nil, err
	}

	deps, err := t.ListDeposits(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if err := t.LockWallets(ctx, depositUsers(deps)...); err != nil {
		return nil, err
	}
	var applied *model.Deposit
	for i := range deps {
		d := &deps[i]
		if d.Status != model.DepositHolding {
			continue
		}
		if d.UserID != win.BidderID {
			if err := m.refundDeposit(ctx, t, a, d, model.ResultOutbid); err != nil {
				return nil, err
			}
			continue
		}
		ref := ledger.Ref{Type: "deposit", ID: d.ID, Description: "deposit applied to " + a.Title}
		if _, err := ledger.Move(ctx, t, t.now, d.UserID, model.BucketLocked, model.BucketHeld, d.Amount, ref); err != nil {
			return nil, err
		}
		result := model.ResultWinner
		d.Status = model.DepositApplied
		d.Result = &result
		d.AppliedAt = ptrTime(t.now)
		if err := t.UpdateDeposit(ctx, d); err != nil {
			return nil, err
		}
		t.emit(a.ID, model.EventDepositStatusChanged, depositPayload(d))
		applied = d
	}
	if applied == nil {
		return nil, apperr.Invariant("winner %s of auction %s holds no deposit", win.BidderID, a.ID)
	}

	fee := model.CalcPlatformFee(win.Amount, m.cfg.PlatformFeePercent)
	total, ok := model.SafeAdd(win.Amount, fee)
	if !ok {
		return nil, apperr.Invariant("order total for %d plus fee %d overflows", win.Amount, fee)
	}
	id := uuid.NewString()
	o := &model.Order{
		ID:             id,
		OrderNumber:    fmt.Sprintf("ORD-%s-%s", t.now.Format("20060102"), strings.ToUpper(id[:8])),
		AuctionID:      a.ID,
		BuyerID:        win.BidderID,
		SellerID:       a.SellerID,
		ItemPrice:      win.Amount,
		PlatformFee:    fee,
		TotalAmount:    total,
		DepositApplied: applied.Amount,
		Currency:       a.Currency,
		Status:         model.OrderPendingPayment,
		PaymentDueAt:   soldAt.Add(m.cfg.PaymentWindow),
		CreatedAt:      t.now,
		UpdatedAt:      t.now,
	}
	if o.DepositApplied > o.TotalAmount {
		return nil, apperr.Invariant("deposit %d exceeds order total %d", o.DepositApplied, o.TotalAmount)
	}
	if err := t.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	esc := &model.Escrow{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		Amount:   applied.Amount,
		Currency: a.Currency,
		Status:   model.EscrowHolding,
		HeldAt:   t.now,
	}
	if err := t.InsertEscrow(ctx, esc); err != nil {
		return nil, err
	}

	t.emit(a.ID, model.EventAuctionClosed, map[string]any{
		"status": a.Status, "winner_id": win.BidderID, "winning_bid_id": win.ID, "final_price": win.Amount,
	})
	t.emit(a.ID, model.EventOrderCreated, map[string]any{
		"order_id": o.ID, "order_number": o.OrderNumber, "buyer_id": o.BuyerID,
		"total_amount": o.TotalAmount, "deposit_applied": o.DepositApplied, "payment_due_at": o.PaymentDueAt,
	})
	t.onCommit(func() {
		m.log.Info("auction sold",
			zap.String("auction_id", a.ID),
			zap.String("winner_id", win.BidderID),
			zap.Int64("final_price", win.Amount),
			zap.String("order_id", o.ID))
	})
	return o, nil
}

// advanceOrder applies the order deadlines of a sold auction: an unpaid order
// past its due time forfeits the deposit, and a delivered order whose return
// window lapsed releases the escrow.
func (m *Manager) advanceOrder(ctx context.Context, t *txn, a *model.Auction) error {
	o, err := t.GetOrderByAuction(ctx, a.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch o.Status {
	case model.OrderPendingPayment:
		if t.now.Before(o.PaymentDueAt) {
			return nil
		}
		return m.forfeit(ctx, t, a, o)
	case model.OrderDelivered:
		if o.DeliveredAt == nil || t.now.Before(o.DeliveredAt.Add(m.cfg.ReturnWindow)) {
			return nil
		}
		esc, err := t.GetEscrowByOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if err := m.releaseToSeller(ctx, t, o, esc); err != nil {
			return err
		}
		t.emit(a.ID, model.EventOrderStatusChanged, orderPayload(o, model.OrderDelivered))
		return nil
	}
	return nil
}

// forfeit splits the winner's applied deposit between seller and platform
// after the payment deadline passed.
func (m *Manager) forfeit(ctx context.Context, t *txn, a *model.Auction, o *model.Order) error {
	d, err := t.GetDeposit(ctx, a.ID, o.BuyerID)
	if err != nil {
		return err
	}
	if d.Status != model.DepositApplied {
		return apperr.Invariant("forfeiting deposit %s in status %s", d.ID, d.Status)
	}
	esc, err := t.GetEscrowByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if esc.Amount != d.Amount {
		return apperr.Invariant("unpaid escrow %s holds %d, deposit is %d", esc.ID, esc.Amount, d.Amount)
	}
	platform := m.cfg.PlatformUserID
	if err := t.LockWallets(ctx, o.BuyerID, o.SellerID, platform); err != nil {
		return err
	}
	sellerShare, platformShare := model.SplitForfeit(d.Amount, m.cfg.ForfeitSellerPercent)
	ref := ledger.Ref{Type: "deposit", ID: d.ID, Description: "forfeited deposit for " + a.Title}
	if err := ledger.Transfer(ctx, t, t.now, o.BuyerID, model.BucketHeld, o.SellerID, model.BucketAvailable, sellerShare, ref); err != nil {
		return err
	}
	if err := ledger.Transfer(ctx, t, t.now, o.BuyerID, model.BucketHeld, platform, model.BucketAvailable, platformShare, ref); err != nil {
		return err
	}

	d.Status = model.DepositForfeited
	d.ForfeitedAt = ptrTime(t.now)
	if err := t.UpdateDeposit(ctx, d); err != nil {
		return err
	}
	esc.Status = model.EscrowReleasedToSeller
	esc.ReleasedAt = ptrTime(t.now)
	if err := t.UpdateEscrow(ctx, esc); err != nil {
		return err
	}
	prev := o.Status
	o.Status = model.OrderCancelled
	o.CancelledAt = ptrTime(t.now)
	o.UpdatedAt = t.now
	if err := t.UpdateOrder(ctx, o); err != nil {
		return err
	}

	payload := depositPayload(d)
	payload["seller_share"] = sellerShare
	payload["platform_share"] = platformShare
	t.emit(a.ID, model.EventDepositStatusChanged, payload)
	t.emit(a.ID, model.EventOrderStatusChanged, orderPayload(o, prev))
	t.emit(a.ID, model.EventEscrowReleased, map[string]any{
		"escrow_id": esc.ID, "order_id": o.ID, "status": esc.Status,
		"seller_amount": sellerShare, "platform_amount": platformShare,
	})
	t.onCommit(func() {
		m.log.Warn("deposit forfeited",
			zap.String("auction_id", a.ID),
			zap.String("order_id", o.ID),
			zap.String("buyer_id", o.BuyerID),
			zap.Int64("seller_share", sellerShare),
			zap.Int64("platform_share", platformShare))
	})
	return nil
}

func orderPayload(o *model.Order, from model.OrderStatus) map[string]any {
	return map[string]any{
		"order_id": o.ID, "order_number": o.OrderNumber,
		"from": from, "to": o.Status,
	}
}
