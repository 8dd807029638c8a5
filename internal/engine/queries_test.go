package engine

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"auction-engine/internal/model"
)

func TestMyBidsAndDashboard(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		h.fund(u, 1_000)
	}
	outbid := h.qualifying(params(model.AuctionOpen, 100, 10))
	h.qualify(outbid.ID, "alice", "bob", "carol")
	leading := h.qualifying(params(model.AuctionOpen, 100, 10))
	h.qualify(leading.ID, "alice")
	watched := h.qualifying(params(model.AuctionOpen, 100, 10))
	_, err := h.m.ToggleWatch(h.ctx, watched.ID, "alice")
	assert.NoError(t, err)

	h.at(outbid.ActivationTime())
	h.bid(outbid.ID, "alice", 110)
	h.clock.Advance(time.Second)
	h.bid(outbid.ID, "bob", 120)
	h.clock.Advance(time.Second)
	h.bid(leading.ID, "alice", 110)

	mine, err := h.m.MyBids(h.ctx, "alice", false)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(mine))
	check.Equal(t, leading.ID, mine[0].Auction.ID)
	check.Equal(t, model.BidWinning, *mine[0].BidStatus)
	check.Equal(t, outbid.ID, mine[1].Auction.ID)
	check.Equal(t, model.BidOutbid, *mine[1].BidStatus)
	check.Equal(t, int64(110), mine[1].LatestBid.Amount)
	check.Equal(t, model.DepositHolding, mine[1].Deposit.Status)

	ended, err := h.m.MyBids(h.ctx, "alice", true)
	assert.NoError(t, err)
	check.Equal(t, 0, len(ended))

	// a deposit without a bid still counts as taking part
	carol, err := h.m.MyBids(h.ctx, "carol", false)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(carol))
	check.Nil(t, carol[0].LatestBid)
	check.Nil(t, carol[0].BidStatus)
	check.NotNil(t, carol[0].Deposit)

	stats, err := h.m.DashboardStats(h.ctx, "alice")
	assert.NoError(t, err)
	check.Equal(t, model.DashboardStats{ActiveBidsCount: 1, WonCount: 0, WatchingCount: 1}, *stats)

	list, err := h.m.WatchedAuctions(h.ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(list))
	check.Equal(t, watched.ID, list[0].ID)

	h.at(outbid.ActualEndTime)
	running, err := h.m.MyBids(h.ctx, "alice", false)
	assert.NoError(t, err)
	check.Equal(t, 0, len(running))
	ended, err = h.m.MyBids(h.ctx, "alice", true)
	assert.NoError(t, err)
	check.Equal(t, 2, len(ended))
	check.Equal(t, model.BidWon, *ended[0].BidStatus)

	stats, err = h.m.DashboardStats(h.ctx, "alice")
	assert.NoError(t, err)
	check.Equal(t, model.DashboardStats{ActiveBidsCount: 0, WonCount: 1, WatchingCount: 1}, *stats)
	stats, err = h.m.DashboardStats(h.ctx, "bob")
	assert.NoError(t, err)
	check.Equal(t, model.DashboardStats{WonCount: 1}, *stats)
}

func TestMyBidsForNewUserIsEmpty(t *testing.T) {
	h := newHarness(t)
	mine, err := h.m.MyBids(h.ctx, "nobody", false)
	assert.NoError(t, err)
	check.Equal(t, 0, len(mine))
	check.NotNil(t, mine)

	stats, err := h.m.DashboardStats(h.ctx, "nobody")
	assert.NoError(t, err)
	check.Equal(t, model.DashboardStats{}, *stats)
}
