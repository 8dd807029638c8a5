package engine

import (
	"context"
	"errors"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
)

// Queries read committed state directly from the store and never enter an
// auction's exclusive section.

func (m *Manager) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	return m.store.GetAuction(ctx, id)
}

func (m *Manager) ListAuctions(ctx context.Context, f model.AuctionFilter) ([]model.Auction, error) {
	return m.store.ListAuctions(ctx, f)
}

// ListBids returns the bid history as viewerID may see it. While a sealed
// auction is running, only the viewer's own bid is returned.
func (m *Manager) ListBids(ctx context.Context, auctionID, viewerID string) ([]model.Bid, error) {
	a, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := m.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Type != model.AuctionSealed || a.Status.Terminal() {
		return bids, nil
	}
	var own []model.Bid
	for _, b := range bids {
		if viewerID != "" && b.BidderID == viewerID {
			own = append(own, b)
		}
	}
	return own, nil
}

func (m *Manager) GetDeposit(ctx context.Context, auctionID, userID string) (*model.Deposit, error) {
	return m.store.GetDeposit(ctx, auctionID, userID)
}

func (m *Manager) ListDeposits(ctx context.Context, auctionID string) ([]model.Deposit, error) {
	return m.store.ListDeposits(ctx, auctionID)
}

func (m *Manager) GetAutoBid(ctx context.Context, auctionID, userID string) (*model.AutoBid, error) {
	return m.store.GetAutoBid(ctx, auctionID, userID)
}

// GetOrder returns the order and its escrow. Only the buyer and the seller
// may read it unless admin is set.
func (m *Manager) GetOrder(ctx context.Context, orderID, viewerID string, admin bool) (*OrderDetail, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && viewerID != o.BuyerID && viewerID != o.SellerID {
		return nil, apperr.ErrForbidden.With("not a party to order %s", o.OrderNumber)
	}
	esc, err := m.store.GetEscrowByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: *o, Escrow: *esc}, nil
}

func (m *Manager) GetOrderByAuction(ctx context.Context, auctionID string) (*model.Order, error) {
	return m.store.GetOrderByAuction(ctx, auctionID)
}

func (m *Manager) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return m.store.ListOrdersByUser(ctx, userID)
}

func (m *Manager) IsWatching(ctx context.Context, auctionID, userID string) (bool, error) {
	if _, err := m.store.GetAuction(ctx, auctionID); err != nil {
		return false, err
	}
	return m.store.IsWatching(ctx, auctionID, userID)
}

// ListEvents returns the persisted event log, newest first.
func (m *Manager) ListEvents(ctx context.Context, auctionID string, limit int) ([]model.Event, error) {
	if auctionID != "" {
		if _, err := m.store.GetAuction(ctx, auctionID); errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return m.store.ListEvents(ctx, auctionID, limit)
}

// MyBids lists the auctions userID qualified for or bid on with their latest
// bid on each. Auctions they bid on come first, most recent bid first, then
// the ones where they only hold a deposit. ended selects finished auctions
// instead of running ones.
func (m *Manager) MyBids(ctx context.Context, userID string, ended bool) ([]model.MyBid, error) {
	deps, err := m.store.ListUserDeposits(ctx, userID)
	if err != nil {
		return nil, err
	}
	bids, err := m.store.ListUserBids(ctx, userID)
	if err != nil {
		return nil, err
	}

	// bids come newest first, so the first one seen per auction is the latest
	latest := make(map[string]*model.Bid)
	var order []string
	for i := range bids {
		b := &bids[i]
		if _, ok := latest[b.AuctionID]; !ok {
			latest[b.AuctionID] = b
			order = append(order, b.AuctionID)
		}
	}
	deposit := make(map[string]*model.Deposit, len(deps))
	for i := range deps {
		d := &deps[i]
		deposit[d.AuctionID] = d
		if _, ok := latest[d.AuctionID]; !ok {
			latest[d.AuctionID] = nil
			order = append(order, d.AuctionID)
		}
	}

	out := []model.MyBid{}
	for _, id := range order {
		a, err := m.store.GetAuction(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() != ended {
			continue
		}
		mb := model.MyBid{Auction: *a, Deposit: deposit[id], LatestBid: latest[id]}
		if b := latest[id]; b != nil {
			status := b.Status
			mb.BidStatus = &status
		}
		out = append(out, mb)
	}
	return out, nil
}

func (m *Manager) WatchedAuctions(ctx context.Context, userID string) ([]model.Auction, error) {
	return m.store.ListWatchedAuctions(ctx, userID)
}

// DashboardStats counts the running auctions where userID holds the top
// bid, the auctions they won and the auctions they watch.
func (m *Manager) DashboardStats(ctx context.Context, userID string) (*model.DashboardStats, error) {
	running, err := m.MyBids(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	finished, err := m.MyBids(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	watched, err := m.store.ListWatchedAuctions(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &model.DashboardStats{WatchingCount: len(watched)}
	for _, mb := range running {
		if mb.BidStatus != nil && (*mb.BidStatus == model.BidWinning || *mb.BidStatus == model.BidActive) {
			stats.ActiveBidsCount++
		}
	}
	for _, mb := range finished {
		if mb.Auction.WinnerID != nil && *mb.Auction.WinnerID == userID {
			stats.WonCount++
		}
	}
	return stats, nil
}
