package engine

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
)

func watchAuction(h *harness) *model.Auction {
	h.fund("alice", 30_000_000)
	h.fund("bob", 30_000_000)
	return h.active(params(model.AuctionOpen, 20_000_000, 500_000), "alice", "bob")
}

func TestAutoBidAnswersManualBid(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)

	ab, err := h.m.SetAutoBid(h.ctx, a.ID, "alice", 23_000_000, nil)
	assert.NoError(t, err)
	check.Equal(t, int64(20_500_000), ab.CurrentAmount)
	check.Equal(t, int64(20_500_000), h.auction(a.ID).Price())

	res := h.bid(a.ID, "bob", 21_000_000)
	if len(res.AutoBids) != 1 {
		t.Fatalf("expected one proxy reply, got %d", len(res.AutoBids))
	}
	reply := res.AutoBids[0]
	check.Equal(t, "alice", reply.BidderID)
	check.True(t, reply.IsAutoBid)
	check.Equal(t, int64(21_500_000), reply.Amount)
	check.Equal(t, int64(21_500_000), res.NewCurrentPrice)

	win := h.winningBids(a.ID)
	if len(win) != 1 || win[0].ID != reply.ID {
		t.Fatalf("expected the proxy bid to lead, got %+v", win)
	}
}

func TestAutoBidWarStopsAtLowerMaximum(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)

	_, err := h.m.SetAutoBid(h.ctx, a.ID, "alice", 23_000_000, nil)
	assert.NoError(t, err)
	bob, err := h.m.SetAutoBid(h.ctx, a.ID, "bob", 22_000_000, nil)
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidExhausted, bob.Status)
	check.Equal(t, int64(22_000_000), bob.CurrentAmount)

	a = h.auction(a.ID)
	check.Equal(t, int64(22_500_000), a.Price())
	// bob jumps straight to his maximum and alice answers once
	check.Equal(t, 3, a.BidCount)
	win := h.winningBids(a.ID)
	if len(win) != 1 || win[0].BidderID != "alice" {
		t.Fatalf("expected alice to lead, got %+v", win)
	}

	alice, err := h.m.GetAutoBid(h.ctx, a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidActive, alice.Status)
	check.Equal(t, 2, alice.TotalAutoBids)
	check.Equal(t, int64(22_500_000), alice.CurrentAmount)

	h.at(a.ActualEndTime)
	alice, err = h.m.GetAutoBid(h.ctx, a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidWon, alice.Status)
	bob, err = h.m.GetAutoBid(h.ctx, a.ID, "bob")
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidOutbid, bob.Status)
}

func TestAutoBidCustomIncrement(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)
	step := int64(1_000_000)

	_, err := h.m.SetAutoBid(h.ctx, a.ID, "alice", 25_000_000, &step)
	assert.NoError(t, err)
	check.Equal(t, int64(21_000_000), h.auction(a.ID).Price())

	bad := int64(300_000)
	_, err = h.m.SetAutoBid(h.ctx, a.ID, "bob", 25_000_000, &bad)
	expectErr(t, err, apperr.ErrBidNotOnIncrement)
}

func TestAutoBidRules(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)

	_, err := h.m.SetAutoBid(h.ctx, a.ID, "stranger", 23_000_000, nil)
	expectErr(t, err, apperr.ErrNotQualified)
	_, err = h.m.SetAutoBid(h.ctx, a.ID, "alice", 20_000_000, nil)
	expectErr(t, err, apperr.ErrBidTooLow)

	_, err = h.m.SetAutoBid(h.ctx, a.ID, "alice", 21_000_000, nil)
	assert.NoError(t, err)
	_, err = h.m.SetAutoBid(h.ctx, a.ID, "alice", 20_000_000, nil)
	expectErr(t, err, apperr.ErrBidTooLow)

	paused, err := h.m.PauseAutoBid(h.ctx, a.ID, "alice")
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidPaused, paused.Status)
	_, err = h.m.PauseAutoBid(h.ctx, a.ID, "alice")
	expectErr(t, err, apperr.ErrInvalidTransition)

	res := h.bid(a.ID, "bob", 21_000_000)
	check.Equal(t, 0, len(res.AutoBids))
}

func TestAutoBidDuringQualificationWaitsForStart(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", 30_000_000)
	a := h.qualifying(params(model.AuctionOpen, 20_000_000, 500_000))
	h.qualify(a.ID, "alice")

	ab, err := h.m.SetAutoBid(h.ctx, a.ID, "alice", 23_000_000, nil)
	assert.NoError(t, err)
	check.Equal(t, int64(0), ab.CurrentAmount)
	check.Equal(t, 0, h.auction(a.ID).BidCount)
}

func TestAutoBidTieGoesToEarlierProxy(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)

	_, err := h.m.SetAutoBid(h.ctx, a.ID, "alice", 22_000_000, nil)
	assert.NoError(t, err)
	bob, err := h.m.SetAutoBid(h.ctx, a.ID, "bob", 22_000_000, nil)
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidExhausted, bob.Status)
	check.Equal(t, int64(21_500_000), bob.CurrentAmount)

	a = h.auction(a.ID)
	check.Equal(t, int64(22_000_000), a.Price())
	win := h.winningBids(a.ID)
	if len(win) != 1 || win[0].BidderID != "alice" {
		t.Fatalf("expected alice to keep the lead, got %+v", win)
	}
}

func TestAutoBidLeaderAnswersOnlyWhenOutbid(t *testing.T) {
	h := newHarness(t)
	a := watchAuction(h)

	// bob leads through his proxy; alice's larger proxy takes over at
	// bob's maximum plus one step
	_, err := h.m.SetAutoBid(h.ctx, a.ID, "bob", 22_000_000, nil)
	assert.NoError(t, err)
	_, err = h.m.SetAutoBid(h.ctx, a.ID, "alice", 25_000_000, nil)
	assert.NoError(t, err)

	a = h.auction(a.ID)
	check.Equal(t, int64(22_500_000), a.Price())
	check.Equal(t, 2, a.BidCount)
	win := h.winningBids(a.ID)
	if len(win) != 1 || win[0].BidderID != "alice" {
		t.Fatalf("expected alice to lead, got %+v", win)
	}
	bob, err := h.m.GetAutoBid(h.ctx, a.ID, "bob")
	assert.NoError(t, err)
	check.Equal(t, model.AutoBidExhausted, bob.Status)
}

func TestAutoBidHugeMaximaSettleInOnePass(t *testing.T) {
	h := newHarness(t)
	users := []string{"dave", "alice", "bob", "carol"}
	for _, u := range users {
		h.fund(u, 1_000)
	}
	a := h.active(params(model.AuctionOpen, 100, 10), users...)

	// stepping one increment at a time would take tens of trillions of bids
	maxima := []int64{500, 700_000_000_000_000, 900_000_000_000_000, 800_000_000_000_005}
	for i, u := range users {
		_, err := h.m.SetAutoBid(h.ctx, a.ID, u, maxima[i], nil)
		assert.NoError(t, err)
		if got := h.auction(a.ID).BidCount; got > 2*(i+1) {
			t.Fatalf("after %d proxies expected at most %d bids, got %d", i+1, 2*(i+1), got)
		}
	}
	a = h.auction(a.ID)
	check.Equal(t, int64(800_000_000_000_010), a.Price())

	res := h.bid(a.ID, "dave", 800_000_000_000_020)
	if len(res.AutoBids) != 1 {
		t.Fatalf("expected one proxy reply, got %d", len(res.AutoBids))
	}
	check.Equal(t, int64(800_000_000_000_030), res.NewCurrentPrice)

	a = h.auction(a.ID)
	check.Equal(t, 7, a.BidCount)
	win := h.winningBids(a.ID)
	if len(win) != 1 || win[0].BidderID != "bob" {
		t.Fatalf("expected bob to lead, got %+v", win)
	}
	for _, u := range []string{"dave", "alice", "carol"} {
		ab, err := h.m.GetAutoBid(h.ctx, a.ID, u)
		assert.NoError(t, err)
		check.Equal(t, model.AutoBidExhausted, ab.Status)
	}

	_, err := h.m.SetAutoBid(h.ctx, a.ID, "carol", model.MaxAmount+1, nil)
	expectErr(t, err, apperr.ErrInvalidInput)
}
