package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// ── Create / Submit / Cancel ─────────────────────────

func validateParams(p model.CreateAuctionParams) error {
	bad := apperr.ErrInvalidInput
	switch {
	case p.Title == "":
		return bad.With("title is required")
	case !p.Type.Valid():
		return bad.With("unknown auction type %q", p.Type)
	case p.StartingPrice <= 0:
		return bad.With("starting price must be positive")
	case p.BidIncrement <= 0:
		return bad.With("bid increment must be positive")
	case p.StartingPrice > model.MaxAmount || p.BidIncrement > model.MaxAmount:
		return bad.With("amounts must not exceed %d", model.MaxAmount)
	case p.ReservePrice != nil && *p.ReservePrice > model.MaxAmount:
		return bad.With("reserve price must not exceed %d", model.MaxAmount)
	case p.BuyNowPrice != nil && *p.BuyNowPrice > model.MaxAmount:
		return bad.With("buy-now price must not exceed %d", model.MaxAmount)
	case p.ReservePrice != nil && *p.ReservePrice < p.StartingPrice:
		return bad.With("reserve price below starting price")
	case p.BuyNowPrice != nil && *p.BuyNowPrice < p.StartingPrice:
		return bad.With("buy-now price below starting price")
	case p.BuyNowPrice != nil && p.ReservePrice != nil && *p.BuyNowPrice < *p.ReservePrice:
		return bad.With("buy-now price below reserve price")
	case !p.EndTime.After(p.StartTime):
		return bad.With("end time must be after start time")
	case p.MinimumParticipants < 1:
		return bad.With("minimum participants must be at least 1")
	case p.ExtensionMinutes < 0:
		return bad.With("extension minutes must not be negative")
	case p.AutoExtend && p.ExtensionMinutes == 0:
		return bad.With("auto-extend needs extension minutes")
	}
	if p.QualificationStartTime != nil && p.QualificationEndTime != nil &&
		!p.QualificationEndTime.After(*p.QualificationStartTime) {
		return bad.With("qualification must end after it starts")
	}
	if p.QualificationStartTime != nil {
		act := p.StartTime
		if p.QualificationEndTime != nil && p.QualificationEndTime.After(act) {
			act = *p.QualificationEndTime
		}
		if !p.QualificationStartTime.Before(act) {
			return bad.With("qualification must start before bidding opens")
		}
	}
	if p.QualificationEndTime != nil && !p.QualificationEndTime.Before(p.EndTime) {
		return bad.With("qualification must end before the auction ends")
	}
	if p.DepositPercentage != nil {
		if p.DepositPercentage.IsNegative() || p.DepositPercentage.GreaterThan(decimal.NewFromInt(100)) {
			return bad.With("deposit percentage must be within 0..100")
		}
	}
	return nil
}

// CreateAuction stores a new draft auction owned by sellerID.
func (m *Manager) CreateAuction(ctx context.Context, sellerID string, p model.CreateAuctionParams) (*model.Auction, error) {
	if sellerID == "" {
		return nil, apperr.ErrInvalidInput.With("seller is required")
	}
	if err := validateParams(p); err != nil {
		return nil, err
	}
	pct := model.DefaultDepositPercentage
	if p.DepositPercentage != nil {
		pct = *p.DepositPercentage
	}
	currency := p.Currency
	if currency == "" {
		currency = "VND"
	}

	var a *model.Auction
	err := m.inTx(ctx, func(t *txn) error {
		a = &model.Auction{
			ID:                     uuid.NewString(),
			SellerID:               sellerID,
			Title:                  p.Title,
			Type:                   p.Type,
			StartingPrice:          p.StartingPrice,
			BidIncrement:           p.BidIncrement,
			ReservePrice:           p.ReservePrice,
			BuyNowPrice:            p.BuyNowPrice,
			DepositPercentage:      pct,
			DepositAmount:          model.CalcDeposit(p.StartingPrice, pct),
			Currency:               currency,
			QualificationStartTime: p.QualificationStartTime,
			QualificationEndTime:   p.QualificationEndTime,
			StartTime:              p.StartTime,
			EndTime:                p.EndTime,
			ActualEndTime:          p.EndTime,
			Status:                 model.StatusDraft,
			MinimumParticipants:    p.MinimumParticipants,
			AutoExtend:             p.AutoExtend,
			ExtensionMinutes:       p.ExtensionMinutes,
			CreatedAt:              t.now,
			UpdatedAt:              t.now,
		}
		return t.InsertAuction(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("auction created", zap.String("auction_id", a.ID), zap.String("type", string(a.Type)))
	return a, nil
}

// SubmitAuction moves a draft into pending. Qualification opens right away
// if its start time has already passed.
func (m *Manager) SubmitAuction(ctx context.Context, auctionID, sellerID string) (*model.Auction, error) {
	return auctionCmd(ctx, m, auctionID, "submit", func(ctx context.Context, t *txn, a *model.Auction) (*model.Auction, error) {
		if a.SellerID != sellerID {
			return nil, apperr.ErrForbidden.With("not the seller of auction %s", a.ID)
		}
		if a.Status != model.StatusDraft {
			return nil, apperr.ErrInvalidTransition.With("auction is %s", a.Status)
		}
		if err := m.transition(t, a, model.StatusPending); err != nil {
			return nil, err
		}
		if err := m.advance(ctx, t, a); err != nil {
			return nil, err
		}
		return a, nil
	})
}

// CancelAuction withdraws an auction before bidding starts and refunds every
// deposit taken so far.
func (m *Manager) CancelAuction(ctx context.Context, auctionID, sellerID string) (*model.Auction, error) {
	return auctionCmd(ctx, m, auctionID, "cancel", func(ctx context.Context, t *txn, a *model.Auction) (*model.Auction, error) {
		if a.SellerID != sellerID {
			return nil, apperr.ErrForbidden.With("not the seller of auction %s", a.ID)
		}
		if a.Status.Terminal() {
			return nil, apperr.ErrAuctionTerminal.With("auction is %s", a.Status)
		}
		if !model.CanTransition(a.Status, model.StatusCancelled) {
			return nil, apperr.ErrInvalidTransition.With("cannot cancel a %s auction", a.Status)
		}
		if err := m.transition(t, a, model.StatusCancelled); err != nil {
			return nil, err
		}
		if err := m.refundHolding(ctx, t, a, model.ResultCancelled); err != nil {
			return nil, err
		}
		return a, nil
	})
}

// EmergencyStop halts a non-terminal auction and refunds its holding
// deposits. Stopping an already stopped auction returns it unchanged.
func (m *Manager) EmergencyStop(ctx context.Context, auctionID, reason string) (*model.Auction, error) {
	return auctionCmd(ctx, m, auctionID, "emergency_stop", func(ctx context.Context, t *txn, a *model.Auction) (*model.Auction, error) {
		if a.Status == model.StatusEmergencyStopped {
			return a, nil
		}
		if a.Status.Terminal() {
			return nil, apperr.ErrAuctionTerminal.With("auction is %s", a.Status)
		}
		if err := m.transition(t, a, model.StatusEmergencyStopped); err != nil {
			return nil, err
		}
		a.EmergencyStopReason = &reason
		if err := m.endBids(ctx, t, a, nil, model.BidCancelled); err != nil {
			return nil, err
		}
		if err := m.endAutoBids(ctx, t, a, "", model.AutoBidPaused); err != nil {
			return nil, err
		}
		if err := m.refundHolding(ctx, t, a, model.ResultCancelled); err != nil {
			return nil, err
		}
		m.log.Warn("auction emergency stopped", zap.String("auction_id", a.ID), zap.String("reason", reason))
		return a, nil
	})
}

// ── Timed Transitions ────────────────────────────────

// advance applies every transition whose time has come. Each pass either
// changes the status or returns, so the loop is bounded by the lifecycle.
// The caller persists a.
func (m *Manager) advance(ctx context.Context, t *txn, a *model.Auction) error {
	for {
		switch a.Status {
		case model.StatusPending:
			if t.now.Before(a.QualificationOpensAt()) {
				return nil
			}
			if err := m.transition(t, a, model.StatusQualifying); err != nil {
				return err
			}
		case model.StatusQualifying:
			if t.now.Before(a.ActivationTime()) {
				return nil
			}
			if err := m.closeQualification(ctx, t, a); err != nil {
				return err
			}
		case model.StatusActive:
			if t.now.Before(a.ActualEndTime) {
				return nil
			}
			if err := m.closeAuction(ctx, t, a); err != nil {
				return err
			}
		case model.StatusSold:
			return m.advanceOrder(ctx, t, a)
		default:
			return nil
		}
	}
}

func (m *Manager) closeQualification(ctx context.Context, t *txn, a *model.Auction) error {
	if a.QualifiedCount < a.MinimumParticipants {
		m.log.Info("qualification failed",
			zap.String("auction_id", a.ID),
			zap.Int("qualified", a.QualifiedCount),
			zap.Int("required", a.MinimumParticipants))
		if err := m.transition(t, a, model.StatusFailed); err != nil {
			return err
		}
		return m.refundHolding(ctx, t, a, model.ResultCancelled)
	}
	return m.transition(t, a, model.StatusActive)
}

// closeAuction settles an active auction whose end time has passed.
func (m *Manager) closeAuction(ctx context.Context, t *txn, a *model.Auction) error {
	bids, err := t.ListBids(ctx, a.ID)
	if err != nil {
		return err
	}
	var win *model.Bid
	if a.Type == model.AuctionSealed {
		win = sealedWinner(bids)
	} else if win, err = leader(a, bids); err != nil {
		return err
	}
	if win != nil && a.ReservePrice != nil && win.Amount < *a.ReservePrice && !win.IsBuyNow {
		m.log.Info("reserve not met",
			zap.String("auction_id", a.ID),
			zap.Int64("high_bid", win.Amount),
			zap.Int64("reserve", *a.ReservePrice))
		win = nil
	}
	if win == nil {
		return m.closeWithoutWinner(ctx, t, a)
	}
	_, err = m.settle(ctx, t, a, win, a.ActualEndTime)
	return err
}

func (m *Manager) closeWithoutWinner(ctx context.Context, t *txn, a *model.Auction) error {
	if err := m.transition(t, a, model.StatusEnded); err != nil {
		return err
	}
	if err := m.endBids(ctx, t, a, nil, model.BidOutbid); err != nil {
		return err
	}
	if err := m.endAutoBids(ctx, t, a, "", model.AutoBidOutbid); err != nil {
		return err
	}
	if err := m.refundHolding(ctx, t, a, model.ResultOutbid); err != nil {
		return err
	}
	t.emit(a.ID, model.EventAuctionClosed, map[string]any{
		"status": a.Status, "winner_id": nil, "final_price": a.CurrentPrice,
	})
	return nil
}

// ── Helpers ──────────────────────────────────────────

func (m *Manager) transition(t *txn, a *model.Auction, to model.AuctionStatus) error {
	if !model.CanTransition(a.Status, to) {
		return apperr.ErrInvalidTransition.With("%s -> %s", a.Status, to)
	}
	from := a.Status
	a.Status = to
	a.UpdatedAt = t.now
	if to.Terminal() {
		now := t.now
		a.ClosedAt = &now
	}
	t.emit(a.ID, model.EventAuctionStatusChanged, map[string]any{"from": from, "to": to})
	t.onCommit(func() {
		m.metrics.Transition(string(to))
		m.log.Info("auction transition",
			zap.String("auction_id", a.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	})
	return nil
}

func depositUsers(deps []model.Deposit) []string {
	ids := make([]string, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.UserID)
	}
	return ids
}

// refundHolding returns every deposit still held for the auction to its
// owner's refund balance. Deposits that already left holding are skipped, so
// calling it twice refunds nothing the second time.
func (m *Manager) refundHolding(ctx context.Context, t *txn, a *model.Auction, result model.DepositResult) error {
	deps, err := t.ListDeposits(ctx, a.ID)
	if err != nil {
		return err
	}
	if err := t.LockWallets(ctx, depositUsers(deps)...); err != nil {
		return err
	}
	for i := range deps {
		d := &deps[i]
		if d.Status != model.DepositHolding {
			continue
		}
		if err := m.refundDeposit(ctx, t, a, d, result); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) refundDeposit(ctx context.Context, t *txn, a *model.Auction, d *model.Deposit, result model.DepositResult) error {
	ref := ledger.Ref{Type: "deposit", ID: d.ID, Description: "deposit refund for " + a.Title}
	if _, err := ledger.Move(ctx, t, t.now, d.UserID, model.BucketLocked, model.BucketRefund, d.Amount, ref); err != nil {
		return err
	}
	now := t.now
	d.Status = model.DepositRefunded
	d.Result = &result
	d.RefundedAt = &now
	if err := t.UpdateDeposit(ctx, d); err != nil {
		return err
	}
	t.emit(a.ID, model.EventDepositStatusChanged, depositPayload(d))
	return nil
}

func depositPayload(d *model.Deposit) map[string]any {
	return map[string]any{
		"deposit_id": d.ID, "user_id": d.UserID, "amount": d.Amount,
		"status": d.Status, "auction_result": d.Result,
	}
}

// endBids closes out every live bid except keep.
func (m *Manager) endBids(ctx context.Context, t *txn, a *model.Auction, keep *model.Bid, status model.BidStatus) error {
	bids, err := t.ListBids(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, b := range bids {
		if keep != nil && b.ID == keep.ID {
			continue
		}
		if b.Status != model.BidActive && b.Status != model.BidWinning {
			continue
		}
		if err := t.UpdateBidStatus(ctx, b.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// endAutoBids moves every live proxy to status, and the winner's to won.
func (m *Manager) endAutoBids(ctx context.Context, t *txn, a *model.Auction, winnerID string, status model.AutoBidStatus) error {
	abs, err := t.ListAutoBids(ctx, a.ID)
	if err != nil {
		return err
	}
	for i := range abs {
		ab := &abs[i]
		switch ab.Status {
		case model.AutoBidWon, model.AutoBidOutbid:
			continue
		}
		next := status
		if winnerID != "" && ab.UserID == winnerID {
			next = model.AutoBidWon
		}
		if ab.Status == next {
			continue
		}
		ab.Status = next
		ab.UpdatedAt = t.now
		if err := t.UpdateAutoBid(ctx, ab); err != nil {
			return err
		}
	}
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }
