package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"go.uber.org/zap"

	"auction-engine/internal/events"
	"auction-engine/internal/model"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	seller   = "seller"
	platform = "platform"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	m     *Manager
	store *store.Memory
	clock *scheduler.ManualClock
	rec   *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		clock: scheduler.NewManualClock(t0),
		rec:   &events.Recorder{},
	}
	h.m = h.manager()
	return h
}

func (h *harness) manager() *Manager { return h.managerOn(h.store) }

// managerOn builds a manager over st, which usually wraps h.store.
func (h *harness) managerOn(st store.Store) *Manager {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.PlatformUserID = platform
	m := NewManager(Deps{
		Store:     st,
		Clock:     h.clock,
		Publisher: h.rec,
		Log:       zap.NewNop(),
	}, cfg)
	h.t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func (h *harness) fund(user string, amount int64) {
	h.t.Helper()
	_, err := h.m.AddFunds(h.ctx, user, amount)
	assert.NoError(h.t, err)
}

func (h *harness) wallet(user string) model.Wallet {
	h.t.Helper()
	w, err := h.m.GetWallet(h.ctx, user)
	assert.NoError(h.t, err)
	return *w
}

func (h *harness) total(users ...string) int64 {
	var sum int64
	for _, u := range users {
		w := h.wallet(u)
		sum += w.Total()
	}
	return sum
}

func (h *harness) auction(id string) *model.Auction {
	h.t.Helper()
	a, err := h.m.GetAuction(h.ctx, id)
	assert.NoError(h.t, err)
	return a
}

func (h *harness) deposit(auctionID, user string) *model.Deposit {
	h.t.Helper()
	d, err := h.m.GetDeposit(h.ctx, auctionID, user)
	assert.NoError(h.t, err)
	return d
}

// at moves the clock and fires whatever became due.
func (h *harness) at(ts time.Time) {
	h.t.Helper()
	h.clock.Set(ts)
	assert.NoError(h.t, h.m.Advance(h.ctx))
}

// params describe an auction that qualifies for an hour from t0 and then
// runs for two hours.
func params(typ model.AuctionType, starting, increment int64) model.CreateAuctionParams {
	qEnd := t0.Add(time.Hour)
	return model.CreateAuctionParams{
		Title:                "Rolex Submariner",
		Type:                 typ,
		StartingPrice:        starting,
		BidIncrement:         increment,
		QualificationEndTime: &qEnd,
		StartTime:            t0.Add(time.Hour),
		EndTime:              t0.Add(3 * time.Hour),
		MinimumParticipants:  1,
	}
}

// qualifying creates and submits an auction so it opens for qualification.
func (h *harness) qualifying(p model.CreateAuctionParams) *model.Auction {
	h.t.Helper()
	a, err := h.m.CreateAuction(h.ctx, seller, p)
	assert.NoError(h.t, err)
	a, err = h.m.SubmitAuction(h.ctx, a.ID, seller)
	assert.NoError(h.t, err)
	if a.Status != model.StatusQualifying {
		h.t.Fatalf("expected qualifying, got %s", a.Status)
	}
	return a
}

func (h *harness) qualify(auctionID string, users ...string) {
	h.t.Helper()
	for _, u := range users {
		_, err := h.m.Qualify(h.ctx, auctionID, u)
		assert.NoError(h.t, err)
	}
}

// active qualifies users and moves the clock to the auction's start.
func (h *harness) active(p model.CreateAuctionParams, users ...string) *model.Auction {
	h.t.Helper()
	a := h.qualifying(p)
	h.qualify(a.ID, users...)
	h.at(a.ActivationTime())
	a = h.auction(a.ID)
	if a.Status != model.StatusActive {
		h.t.Fatalf("expected active, got %s", a.Status)
	}
	return a
}

func (h *harness) bid(auctionID, user string, amount int64) *model.PlaceBidResult {
	h.t.Helper()
	res, err := h.m.PlaceBid(h.ctx, auctionID, user, amount)
	assert.NoError(h.t, err)
	return res
}

func (h *harness) winningBids(auctionID string) []model.Bid {
	h.t.Helper()
	bids, err := h.store.ListBids(h.ctx, auctionID)
	assert.NoError(h.t, err)
	var out []model.Bid
	for _, b := range bids {
		if b.Status == model.BidWinning {
			out = append(out, b)
		}
	}
	return out
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
