package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
)

// SetAutoBid registers or updates the user's proxy on an open auction. If the
// auction is live the proxy gets to act right away.
func (m *Manager) SetAutoBid(ctx context.Context, auctionID, userID string, maxAmount int64, increment *int64) (*model.AutoBid, error) {
	return auctionCmd(ctx, m, auctionID, "set_auto_bid", func(ctx context.Context, t *txn, a *model.Auction) (*model.AutoBid, error) {
		if a.Type != model.AuctionOpen {
			return nil, apperr.ErrWrongAuctionType.With("proxies only run on open auctions")
		}
		if a.Status != model.StatusQualifying && a.Status != model.StatusActive {
			return nil, apperr.ErrNotActive.With("auction is %s", a.Status)
		}
		if _, err := requireHolding(ctx, t, a.ID, userID); err != nil {
			return nil, err
		}
		if increment != nil && (*increment <= 0 || *increment%a.BidIncrement != 0) {
			return nil, apperr.ErrBidNotOnIncrement.With("proxy increment must be a multiple of %d", a.BidIncrement)
		}
		if maxAmount > model.MaxAmount {
			return nil, apperr.ErrInvalidInput.With("maximum must not exceed %d", model.MaxAmount)
		}
		if minBid := a.MinNextBid(); maxAmount < minBid {
			return nil, apperr.ErrBidTooLow.With("maximum must be at least %d", minBid)
		}

		ab, err := t.GetAutoBid(ctx, a.ID, userID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			ab = &model.AutoBid{
				ID:              uuid.NewString(),
				AuctionID:       a.ID,
				UserID:          userID,
				MaxAmount:       maxAmount,
				IncrementAmount: increment,
				Status:          model.AutoBidActive,
				CreatedAt:       t.now,
				UpdatedAt:       t.now,
			}
			if err := t.InsertAutoBid(ctx, ab); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			if maxAmount < ab.CurrentAmount {
				return nil, apperr.ErrBidTooLow.With("maximum cannot drop below %d already bid", ab.CurrentAmount)
			}
			ab.MaxAmount = maxAmount
			ab.IncrementAmount = increment
			ab.Status = model.AutoBidActive
			ab.UpdatedAt = t.now
			if err := t.UpdateAutoBid(ctx, ab); err != nil {
				return nil, err
			}
		}

		if a.Status != model.StatusActive || !t.now.Before(a.ActualEndTime) {
			return ab, nil
		}
		bids, err := t.ListBids(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		lead, err := leader(a, bids)
		if err != nil {
			return nil, err
		}
		if _, err := m.resolveProxies(ctx, t, a, lead); err != nil {
			return nil, err
		}
		return t.GetAutoBid(ctx, a.ID, userID)
	})
}

func (m *Manager) PauseAutoBid(ctx context.Context, auctionID, userID string) (*model.AutoBid, error) {
	return auctionCmd(ctx, m, auctionID, "pause_auto_bid", func(ctx context.Context, t *txn, a *model.Auction) (*model.AutoBid, error) {
		ab, err := t.GetAutoBid(ctx, a.ID, userID)
		if err != nil {
			return nil, err
		}
		if ab.Status != model.AutoBidActive {
			return nil, apperr.ErrInvalidTransition.With("auto-bid is %s", ab.Status)
		}
		ab.Status = model.AutoBidPaused
		ab.UpdatedAt = t.now
		if err := t.UpdateAutoBid(ctx, ab); err != nil {
			return nil, err
		}
		return ab, nil
	})
}

// resolveProxies settles the proxies against the current leader in one
// pass. The proxy with the highest maximum wins, ties going to the earliest
// registration. The runner-up bids the most it can afford below the winner,
// then the winner tops it by its step, capped at its own maximum. Every
// other proxy is exhausted, so a call places at most two bids.
func (m *Manager) resolveProxies(ctx context.Context, t *txn, a *model.Auction, lead *model.Bid) ([]model.Bid, error) {
	abs, err := t.ListAutoBids(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	price, inc := a.Price(), a.BidIncrement
	leads := func(ab *model.AutoBid) bool { return lead != nil && lead.BidderID == ab.UserID }

	var cands []*model.AutoBid
	for i := range abs {
		ab := &abs[i]
		if ab.Status != model.AutoBidActive {
			continue
		}
		if !leads(ab) && price+proxyStep(a, ab) > ab.MaxAmount {
			if err := m.exhaust(ctx, t, ab); err != nil {
				return nil, err
			}
			continue
		}
		cands = append(cands, ab)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	// ListAutoBids returns registration order, so a stable sort keeps the
	// earliest proxy first among equal maxima
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].MaxAmount > cands[j].MaxAmount })
	top := cands[0]
	floor := func(v int64) int64 { return price + (v-price)/inc*inc }

	var placed []model.Bid
	bid := func(ab *model.AutoBid, amount int64) error {
		if _, err := requireHolding(ctx, t, a.ID, ab.UserID); err != nil {
			return apperr.Invariant("proxy %s bidding without a deposit: %v", ab.ID, err)
		}
		b, err := m.admit(ctx, t, a, lead, ab.UserID, amount, ab)
		if err != nil {
			return err
		}
		now := t.now
		ab.CurrentAmount = amount
		ab.TotalAutoBids++
		ab.LastAutoBidAt = &now
		ab.UpdatedAt = now
		if err := t.UpdateAutoBid(ctx, ab); err != nil {
			return err
		}
		lead = b
		placed = append(placed, *b)
		return nil
	}

	base := price
	if len(cands) > 1 {
		second := cands[1]
		reach := min(floor(second.MaxAmount), floor(top.MaxAmount)-inc)
		if reach > price {
			base = reach
			if !leads(second) {
				if err := bid(second, reach); err != nil {
					return nil, err
				}
			}
		}
	}
	if !leads(top) {
		if err := bid(top, min(floor(top.MaxAmount), base+proxyStep(a, top))); err != nil {
			return nil, err
		}
	}
	for _, ab := range cands[1:] {
		if err := m.exhaust(ctx, t, ab); err != nil {
			return nil, err
		}
	}
	return placed, nil
}

func proxyStep(a *model.Auction, ab *model.AutoBid) int64 {
	if ab.IncrementAmount != nil {
		return *ab.IncrementAmount
	}
	return a.BidIncrement
}

func (m *Manager) exhaust(ctx context.Context, t *txn, ab *model.AutoBid) error {
	ab.Status = model.AutoBidExhausted
	ab.UpdatedAt = t.now
	return t.UpdateAutoBid(ctx, ab)
}
