package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// ── Qualify ──────────────────────────────────────────

// Qualify takes the auction's deposit from the user's available balance and
// admits them as a bidder.
func (m *Manager) Qualify(ctx context.Context, auctionID, userID string) (*model.QualifyResult, error) {
	return auctionCmd(ctx, m, auctionID, "qualify", func(ctx context.Context, t *txn, a *model.Auction) (*model.QualifyResult, error) {
		if a.Status != model.StatusQualifying || !t.now.Before(a.ActivationTime()) {
			return nil, apperr.ErrNotQualifying.With("auction is %s", a.Status)
		}
		if a.SellerID == userID {
			return nil, apperr.ErrSelfBid.With("sellers cannot qualify for their own auction")
		}
		if d, err := t.GetDeposit(ctx, a.ID, userID); err == nil {
			return nil, apperr.ErrAlreadyQualified.With("deposit %s is %s", d.ID, d.Status)
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}

		d := &model.Deposit{
			ID:          uuid.NewString(),
			AuctionID:   a.ID,
			UserID:      userID,
			Amount:      a.DepositAmount,
			Status:      model.DepositHolding,
			DepositedAt: t.now,
		}
		ref := ledger.Ref{Type: "deposit", ID: d.ID, Description: "qualification deposit for " + a.Title}
		if _, err := ledger.Move(ctx, t, t.now, userID, model.BucketAvailable, model.BucketLocked, d.Amount, ref); err != nil {
			return nil, err
		}
		if err := t.InsertDeposit(ctx, d); err != nil {
			return nil, err
		}
		a.QualifiedCount++
		t.emit(a.ID, model.EventDepositStatusChanged, depositPayload(d))
		return &model.QualifyResult{Deposit: *d, NewQualifiedCount: a.QualifiedCount}, nil
	})
}

func requireHolding(ctx context.Context, t *txn, auctionID, userID string) (*model.Deposit, error) {
	d, err := t.GetDeposit(ctx, auctionID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrNotQualified.With("no deposit for this auction")
	}
	if err != nil {
		return nil, err
	}
	if d.Status != model.DepositHolding {
		return nil, apperr.ErrNotQualified.With("deposit is %s", d.Status)
	}
	return d, nil
}

func requireBidding(t *txn, a *model.Auction) error {
	if a.Status != model.StatusActive {
		return apperr.ErrNotActive.With("auction is %s", a.Status)
	}
	if !t.now.Before(a.ActualEndTime) {
		return apperr.ErrNotActive.With("auction ended at %s", a.ActualEndTime)
	}
	return nil
}

// ── Open Bids ────────────────────────────────────────

// PlaceBid admits a bid on an open auction, extends the end time when the bid
// lands inside the anti-sniping window and lets registered proxies respond.
func (m *Manager) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*model.PlaceBidResult, error) {
	res, err := auctionCmd(ctx, m, auctionID, "place_bid", func(ctx context.Context, t *txn, a *model.Auction) (*model.PlaceBidResult, error) {
		if a.Type != model.AuctionOpen {
			return nil, apperr.ErrWrongAuctionType.With("use sealed bid submission")
		}
		if amount > model.MaxAmount {
			return nil, apperr.ErrInvalidInput.With("bid must not exceed %d", model.MaxAmount)
		}
		if err := requireBidding(t, a); err != nil {
			return nil, err
		}
		if a.SellerID == userID {
			return nil, apperr.ErrSelfBid.With("sellers cannot bid on their own auction")
		}
		if _, err := requireHolding(ctx, t, a.ID, userID); err != nil {
			return nil, err
		}
		if minBid := a.MinNextBid(); amount < minBid {
			return nil, apperr.ErrBidTooLow.With("minimum bid is %d", minBid)
		}
		if (amount-a.Price())%a.BidIncrement != 0 {
			return nil, apperr.ErrBidNotOnIncrement.With("bids move in steps of %d", a.BidIncrement)
		}

		bids, err := t.ListBids(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		lead, err := leader(a, bids)
		if err != nil {
			return nil, err
		}
		endBefore := a.ActualEndTime
		bid, err := m.admit(ctx, t, a, lead, userID, amount, nil)
		if err != nil {
			return nil, err
		}
		auto, err := m.resolveProxies(ctx, t, a, bid)
		if err != nil {
			return nil, err
		}
		return &model.PlaceBidResult{
			Bid:             *bid,
			NewCurrentPrice: a.Price(),
			ActualEndTime:   a.ActualEndTime,
			AutoBids:        auto,
			Extended:        a.ActualEndTime.After(endBefore),
		}, nil
	})
	if err != nil {
		m.rejected(ctx, auctionID, userID, amount, err)
		return nil, err
	}
	return res, nil
}

// leader is the single bid currently marked winning, or nil before any bid.
func leader(a *model.Auction, bids []model.Bid) (*model.Bid, error) {
	var lead *model.Bid
	for i := range bids {
		if bids[i].Status != model.BidWinning {
			continue
		}
		if lead != nil {
			return nil, apperr.Invariant("auction %s has bids %s and %s both winning", a.ID, lead.ID, bids[i].ID)
		}
		lead = &bids[i]
	}
	if lead != nil && (a.CurrentPrice == nil || *a.CurrentPrice != lead.Amount) {
		return nil, apperr.Invariant("auction %s price %v does not match winning bid %d", a.ID, a.CurrentPrice, lead.Amount)
	}
	return lead, nil
}

// admit records a bid that already passed validation: the previous leader is
// outbid, the new bid becomes winning and the price moves to its amount.
func (m *Manager) admit(ctx context.Context, t *txn, a *model.Auction, lead *model.Bid, bidderID string, amount int64, proxy *model.AutoBid) (*model.Bid, error) {
	if amount <= a.Price() {
		return nil, apperr.Invariant("admitting %d at price %d", amount, a.Price())
	}
	if lead != nil {
		if err := t.UpdateBidStatus(ctx, lead.ID, model.BidOutbid); err != nil {
			return nil, err
		}
		lead.Status = model.BidOutbid
	}
	b := &model.Bid{
		ID:        uuid.NewString(),
		AuctionID: a.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    model.BidWinning,
		Seq:       int64(a.BidCount) + 1,
		CreatedAt: t.now,
	}
	if proxy != nil {
		b.IsAutoBid = true
		b.AutoBidID = &proxy.ID
	}
	if err := t.InsertBid(ctx, b); err != nil {
		return nil, err
	}
	a.CurrentPrice = &b.Amount
	a.BidCount++

	t.emit(a.ID, model.EventBidAccepted, map[string]any{
		"bid_id": b.ID, "bidder_id": b.BidderID, "amount": b.Amount,
		"is_auto_bid": b.IsAutoBid, "bid_count": a.BidCount,
	})
	source := "manual"
	if b.IsAutoBid {
		source = "auto"
	}
	t.onCommit(func() { m.metrics.BidAccepted(string(a.Type), source) })

	m.extend(t, a)
	return b, nil
}

// extend pushes the end time out to now+window when a bid lands inside the
// window. Bids at the same instant collapse into one extension.
func (m *Manager) extend(t *txn, a *model.Auction) {
	if !a.AutoExtend || a.ExtensionMinutes <= 0 {
		return
	}
	window := a.ExtensionWindow()
	if a.ActualEndTime.Sub(t.now) > window {
		return
	}
	next := t.now.Add(window)
	if !next.After(a.ActualEndTime) {
		return
	}
	prev := a.ActualEndTime
	a.ActualEndTime = next
	t.emit(a.ID, model.EventAuctionExtended, map[string]any{
		"previous_end_time": prev, "actual_end_time": next,
	})
	t.onCommit(func() {
		m.metrics.Extended()
		m.log.Info("auction extended", zap.String("auction_id", a.ID), zap.Time("actual_end_time", next))
	})
}

// ── Buy Now ──────────────────────────────────────────

// BuyNow sells the item to userID at the buy-now price and closes the
// auction in the same step.
func (m *Manager) BuyNow(ctx context.Context, auctionID, userID string) (*model.BuyNowResult, error) {
	res, err := auctionCmd(ctx, m, auctionID, "buy_now", func(ctx context.Context, t *txn, a *model.Auction) (*model.BuyNowResult, error) {
		if err := requireBidding(t, a); err != nil {
			return nil, err
		}
		if a.BuyNowPrice == nil {
			return nil, apperr.ErrBuyNowUnavailable.With("auction has no buy-now price")
		}
		if a.CurrentPrice != nil && *a.CurrentPrice >= *a.BuyNowPrice {
			return nil, apperr.ErrBuyNowUnavailable.With("bidding reached the buy-now price")
		}
		if a.SellerID == userID {
			return nil, apperr.ErrSelfBid.With("sellers cannot buy their own item")
		}
		if _, err := requireHolding(ctx, t, a.ID, userID); err != nil {
			return nil, err
		}

		bids, err := t.ListBids(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		var lead *model.Bid
		if a.Type == model.AuctionOpen {
			if lead, err = leader(a, bids); err != nil {
				return nil, err
			}
		}
		b := &model.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  userID,
			Amount:    *a.BuyNowPrice,
			IsBuyNow:  true,
			Status:    model.BidWinning,
			Seq:       int64(a.BidCount) + 1,
			CreatedAt: t.now,
		}
		if lead != nil {
			if err := t.UpdateBidStatus(ctx, lead.ID, model.BidOutbid); err != nil {
				return nil, err
			}
		}
		if err := t.InsertBid(ctx, b); err != nil {
			return nil, err
		}
		a.CurrentPrice = &b.Amount
		a.BidCount++
		t.emit(a.ID, model.EventBidAccepted, map[string]any{
			"bid_id": b.ID, "bidder_id": b.BidderID, "amount": b.Amount,
			"is_buy_now": true, "bid_count": a.BidCount,
		})
		t.onCommit(func() { m.metrics.BidAccepted(string(a.Type), "buy_now") })

		order, err := m.settle(ctx, t, a, b, t.now)
		if err != nil {
			return nil, err
		}
		return &model.BuyNowResult{OrderID: order.ID, FinalPrice: b.Amount}, nil
	})
	if err != nil {
		m.rejected(ctx, auctionID, userID, 0, err)
		return nil, err
	}
	return res, nil
}

// ── Sealed Bids ──────────────────────────────────────

// SubmitSealedBid stores the user's one hidden bid.
func (m *Manager) SubmitSealedBid(ctx context.Context, auctionID, userID string, amount int64) (*model.Bid, error) {
	res, err := auctionCmd(ctx, m, auctionID, "sealed_bid", func(ctx context.Context, t *txn, a *model.Auction) (*model.Bid, error) {
		if a.Type != model.AuctionSealed {
			return nil, apperr.ErrWrongAuctionType.With("auction is open")
		}
		if amount > model.MaxAmount {
			return nil, apperr.ErrInvalidInput.With("bid must not exceed %d", model.MaxAmount)
		}
		if err := requireBidding(t, a); err != nil {
			return nil, err
		}
		if a.SellerID == userID {
			return nil, apperr.ErrSelfBid.With("sellers cannot bid on their own auction")
		}
		if _, err := requireHolding(ctx, t, a.ID, userID); err != nil {
			return nil, err
		}
		if amount < a.StartingPrice {
			return nil, apperr.ErrBelowStarting.With("starting price is %d", a.StartingPrice)
		}
		bids, err := t.ListBids(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		for _, b := range bids {
			if b.BidderID == userID {
				return nil, apperr.ErrAlreadySubmitted.With("bid %s", b.ID)
			}
		}

		b := &model.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  userID,
			Amount:    amount,
			Status:    model.BidActive,
			Seq:       int64(a.BidCount) + 1,
			CreatedAt: t.now,
		}
		if err := t.InsertBid(ctx, b); err != nil {
			return nil, err
		}
		a.BidCount++
		// amount and bidder stay out of the event until the reveal
		t.emit(a.ID, model.EventBidAccepted, map[string]any{"bid_id": b.ID, "sealed": true, "bid_count": a.BidCount})
		t.onCommit(func() { m.metrics.BidAccepted(string(a.Type), "sealed") })
		return b, nil
	})
	if err != nil {
		m.rejected(ctx, auctionID, userID, amount, err)
		return nil, err
	}
	return res, nil
}

// sealedWinner picks the highest bid; ties go to the earliest submission.
func sealedWinner(bids []model.Bid) *model.Bid {
	live := make([]model.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == model.BidActive || b.Status == model.BidWinning {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Amount != live[j].Amount {
			return live[i].Amount > live[j].Amount
		}
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		}
		return live[i].Seq < live[j].Seq
	})
	return &live[0]
}

// rejected publishes BidRejected for caller-correctable failures. Nothing is
// persisted for a rejected bid. On sealed auctions the event carries only the
// reason, since the bidder and amount are hidden until the reveal.
func (m *Manager) rejected(ctx context.Context, auctionID, userID string, amount int64, err error) {
	if apperr.IsInternal(err) || apperr.KindOf(err) == apperr.KindNotFound {
		return
	}
	code := apperr.CodeOf(err)
	m.metrics.BidRejected(code)
	m.log.Debug("bid rejected",
		zap.String("auction_id", auctionID),
		zap.String("user_id", userID),
		zap.String("code", code))
	payload := map[string]any{"user_id": userID, "amount": amount, "reason": code}
	// auction type never changes, so reading it outside the mailbox is safe
	if a, err := m.store.GetAuction(context.WithoutCancel(ctx), auctionID); err != nil || a.Type == model.AuctionSealed {
		payload = map[string]any{"reason": code}
	}
	m.publish.Publish(model.Event{
		AuctionID: auctionID,
		Type:      model.EventBidRejected,
		Payload:   payload,
		CreatedAt: m.clock.Now(),
	})
}

// ── Watch ────────────────────────────────────────────

func (m *Manager) ToggleWatch(ctx context.Context, auctionID, userID string) (*model.WatchResult, error) {
	return auctionCmd(ctx, m, auctionID, "toggle_watch", func(ctx context.Context, t *txn, a *model.Auction) (*model.WatchResult, error) {
		watching, err := t.IsWatching(ctx, a.ID, userID)
		if err != nil {
			return nil, err
		}
		if err := t.SetWatch(ctx, a.ID, userID, !watching); err != nil {
			return nil, err
		}
		if watching {
			a.WatchCount--
		} else {
			a.WatchCount++
		}
		return &model.WatchResult{IsWatching: !watching, NewWatchCount: a.WatchCount}, nil
	})
}
