package engine

import (
	"context"

	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// OrderDetail is an order together with its escrow.
type OrderDetail struct {
	Order  model.Order  `json:"order"`
	Escrow model.Escrow `json:"escrow"`
}

// orderCmd runs fn in the exclusive section of the order's auction, so order
// commands serialize with the deadlines the scheduler applies to it.
func orderCmd(ctx context.Context, m *Manager, orderID, op string, fn func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error) (*OrderDetail, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return auctionCmd(ctx, m, o.AuctionID, op, func(ctx context.Context, t *txn, a *model.Auction) (*OrderDetail, error) {
		o, err := t.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		esc, err := t.GetEscrowByOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		prev := o.Status
		if err := fn(ctx, t, a, o, esc); err != nil {
			return nil, err
		}
		if o.Status != prev {
			o.UpdatedAt = t.now
			if err := t.UpdateOrder(ctx, o); err != nil {
				return nil, err
			}
			t.emit(a.ID, model.EventOrderStatusChanged, orderPayload(o, prev))
			t.onCommit(func() {
				m.log.Info("order transition",
					zap.String("order_id", o.ID),
					zap.String("from", string(prev)),
					zap.String("to", string(o.Status)))
			})
		}
		return &OrderDetail{Order: *o, Escrow: *esc}, nil
	})
}

func requireOrder(o *model.Order, want ...model.OrderStatus) error {
	for _, s := range want {
		if o.Status == s {
			return nil
		}
	}
	return apperr.ErrOrderState.With("order %s is %s", o.OrderNumber, o.Status)
}

// PayOrder moves the amount still due from the buyer's available balance
// into held and tops the escrow up to the order total.
func (m *Manager) PayOrder(ctx context.Context, orderID, buyerID string) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "pay_order", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if o.BuyerID != buyerID {
			return apperr.ErrForbidden.With("not the buyer of order %s", o.OrderNumber)
		}
		if err := requireOrder(o, model.OrderPendingPayment); err != nil {
			return err
		}
		if !t.now.Before(o.PaymentDueAt) {
			return apperr.ErrOrderState.With("payment was due at %s", o.PaymentDueAt)
		}
		due := o.AmountDue()
		if due > 0 {
			ref := ledger.Ref{Type: "order", ID: o.ID, Description: "payment for " + o.OrderNumber}
			if _, err := ledger.Move(ctx, t, t.now, buyerID, model.BucketAvailable, model.BucketHeld, due, ref); err != nil {
				return err
			}
		}
		esc.Amount += due
		if err := t.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		o.Status = model.OrderPaid
		o.PaidAt = ptrTime(t.now)
		return nil
	})
}

func (m *Manager) MarkShipped(ctx context.Context, orderID, sellerID string) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "mark_shipped", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if o.SellerID != sellerID {
			return apperr.ErrForbidden.With("not the seller of order %s", o.OrderNumber)
		}
		if err := requireOrder(o, model.OrderPaid); err != nil {
			return err
		}
		o.Status = model.OrderShipped
		o.ShippedAt = ptrTime(t.now)
		return nil
	})
}

// MarkDelivered records delivery and opens the return window. Either party to
// the order may report it.
func (m *Manager) MarkDelivered(ctx context.Context, orderID, actorID string) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "mark_delivered", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if actorID != o.SellerID && actorID != o.BuyerID {
			return apperr.ErrForbidden.With("not a party to order %s", o.OrderNumber)
		}
		if err := requireOrder(o, model.OrderShipped); err != nil {
			return err
		}
		o.Status = model.OrderDelivered
		o.DeliveredAt = ptrTime(t.now)
		return nil
	})
}

// ConfirmReceipt releases the escrow to the seller.
func (m *Manager) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "confirm_receipt", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if o.BuyerID != buyerID {
			return apperr.ErrForbidden.With("not the buyer of order %s", o.OrderNumber)
		}
		if err := requireOrder(o, model.OrderDelivered); err != nil {
			return err
		}
		return m.releaseToSeller(ctx, t, o, esc)
	})
}

// RequestReturn disputes a delivered order while its return window is open.
func (m *Manager) RequestReturn(ctx context.Context, orderID, buyerID, reason string) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "request_return", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if o.BuyerID != buyerID {
			return apperr.ErrForbidden.With("not the buyer of order %s", o.OrderNumber)
		}
		if err := requireOrder(o, model.OrderDelivered); err != nil {
			return err
		}
		if reason == "" {
			return apperr.ErrInvalidInput.With("a return reason is required")
		}
		if o.DeliveredAt != nil && !t.now.Before(o.DeliveredAt.Add(m.cfg.ReturnWindow)) {
			return apperr.ErrOrderState.With("return window closed")
		}
		if esc.Status != model.EscrowHolding {
			return apperr.Invariant("escrow %s is %s on a delivered order", esc.ID, esc.Status)
		}
		o.Status = model.OrderDisputed
		o.ReturnReason = &reason
		esc.Status = model.EscrowDisputed
		return t.UpdateEscrow(ctx, esc)
	})
}

// ResolveReturn settles a disputed order, refunding the buyer or paying the
// seller.
func (m *Manager) ResolveReturn(ctx context.Context, orderID string, refund bool) (*OrderDetail, error) {
	return orderCmd(ctx, m, orderID, "resolve_return", func(ctx context.Context, t *txn, a *model.Auction, o *model.Order, esc *model.Escrow) error {
		if err := requireOrder(o, model.OrderDisputed); err != nil {
			return err
		}
		if !refund {
			return m.releaseToSeller(ctx, t, o, esc)
		}
		ref := ledger.Ref{Type: "escrow", ID: esc.ID, Description: "return refund for " + o.OrderNumber}
		if _, err := ledger.Move(ctx, t, t.now, o.BuyerID, model.BucketHeld, model.BucketRefund, esc.Amount, ref); err != nil {
			return err
		}
		esc.Status = model.EscrowRefundedToBuyer
		esc.ReleasedAt = ptrTime(t.now)
		if err := t.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		o.Status = model.OrderRefunded
		o.CompletedAt = ptrTime(t.now)
		t.emit(o.AuctionID, model.EventEscrowReleased, map[string]any{
			"escrow_id": esc.ID, "order_id": o.ID, "status": esc.Status, "buyer_amount": esc.Amount,
		})
		return nil
	})
}

// releaseToSeller pays out a fully funded escrow: the seller receives the
// item price and the platform its fee.
func (m *Manager) releaseToSeller(ctx context.Context, t *txn, o *model.Order, esc *model.Escrow) error {
	if esc.Status.Terminal() {
		return apperr.Invariant("escrow %s already %s", esc.ID, esc.Status)
	}
	if esc.Amount != o.TotalAmount {
		return apperr.Invariant("escrow %s holds %d, order total is %d", esc.ID, esc.Amount, o.TotalAmount)
	}
	platform := m.cfg.PlatformUserID
	if err := t.LockWallets(ctx, o.BuyerID, o.SellerID, platform); err != nil {
		return err
	}
	ref := ledger.Ref{Type: "escrow", ID: esc.ID, Description: "escrow release for " + o.OrderNumber}
	if err := ledger.Transfer(ctx, t, t.now, o.BuyerID, model.BucketHeld, o.SellerID, model.BucketAvailable, o.TotalAmount-o.PlatformFee, ref); err != nil {
		return err
	}
	if err := ledger.Transfer(ctx, t, t.now, o.BuyerID, model.BucketHeld, platform, model.BucketAvailable, o.PlatformFee, ref); err != nil {
		return err
	}
	esc.Status = model.EscrowReleasedToSeller
	esc.ReleasedAt = ptrTime(t.now)
	if err := t.UpdateEscrow(ctx, esc); err != nil {
		return err
	}
	o.Status = model.OrderCompleted
	o.CompletedAt = ptrTime(t.now)
	o.UpdatedAt = t.now
	t.emit(o.AuctionID, model.EventEscrowReleased, map[string]any{
		"escrow_id": esc.ID, "order_id": o.ID, "status": esc.Status,
		"seller_amount": o.TotalAmount - o.PlatformFee, "platform_amount": o.PlatformFee,
	})
	return t.UpdateOrder(ctx, o)
}
