package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
	"auction-engine/internal/store"
)

// openTest connects to TEST_DATABASE_URL and migrates it. Tests are skipped
// when it is unset.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(dsn)
	assert.NoError(t, err)
	assert.NoError(t, s.Migrate("../../migrations"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newAuction(seller string) *model.Auction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Auction{
		ID: uuid.NewString(), SellerID: seller, Title: "Leica M6", Type: model.AuctionOpen,
		StartingPrice: 100, BidIncrement: 10, DepositPercentage: decimal.NewFromInt(10), DepositAmount: 10,
		Currency: "VND", StartTime: now, EndTime: now.Add(time.Hour), ActualEndTime: now.Add(time.Hour),
		Status: model.StatusDraft, MinimumParticipants: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func TestAuctionRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a := newAuction("seller-" + uuid.NewString())
	reserve := int64(500)
	a.ReservePrice = &reserve
	assert.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertAuction(ctx, a) }))

	got, err := s.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, a.Title, got.Title)
	check.Equal(t, reserve, *got.ReservePrice)
	check.Nil(t, got.BuyNowPrice)
	check.True(t, a.DepositPercentage.Equal(got.DepositPercentage))

	listed, err := s.ListAuctions(ctx, model.AuctionFilter{SellerID: a.SellerID, Statuses: []model.AuctionStatus{model.StatusDraft}})
	assert.NoError(t, err)
	check.Equal(t, 1, len(listed))

	_, err = s.GetAuction(ctx, uuid.NewString())
	check.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestWalletRequiresLock(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWallet(ctx, &model.Wallet{UserID: user, Available: 10})
	})
	check.True(t, apperr.IsInternal(err))

	err = s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockWallets(ctx, user, user); err != nil {
			return err
		}
		return tx.UpdateWallet(ctx, &model.Wallet{UserID: user, Available: 10, UpdatedAt: time.Now()})
	})
	assert.NoError(t, err)
	w, err := s.GetWallet(ctx, user)
	assert.NoError(t, err)
	check.Equal(t, int64(10), w.Available)
}

func TestDuplicateDepositIsAlreadyQualified(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a := newAuction("seller-" + uuid.NewString())
	d := func() *model.Deposit {
		return &model.Deposit{ID: uuid.NewString(), AuctionID: a.ID, UserID: "u1", Amount: 10,
			Status: model.DepositHolding, DepositedAt: time.Now()}
	}
	assert.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAuction(ctx, a); err != nil {
			return err
		}
		return tx.InsertDeposit(ctx, d())
	}))
	err := s.InTx(ctx, func(tx store.Tx) error { return tx.InsertDeposit(ctx, d()) })
	check.True(t, errors.Is(err, apperr.ErrAlreadyQualified))
}

func TestEventsNewestFirst(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a := newAuction("seller-" + uuid.NewString())
	assert.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAuction(ctx, a); err != nil {
			return err
		}
		for _, typ := range []model.EventType{model.EventAuctionStatusChanged, model.EventBidAccepted} {
			e := &model.Event{AuctionID: a.ID, Type: typ, Payload: map[string]any{"n": 1}, CreatedAt: time.Now()}
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			if e.ID == 0 {
				t.Fatalf("expected event id to be assigned")
			}
		}
		return nil
	}))
	evs, err := s.ListEvents(ctx, a.ID, 10)
	assert.NoError(t, err)
	check.Equal(t, 2, len(evs))
	check.Equal(t, model.EventBidAccepted, evs[0].Type)
}

func TestUserParticipationQueries(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	a := newAuction("seller-" + uuid.NewString())
	b := newAuction(a.SellerID)
	now := time.Now().UTC().Truncate(time.Microsecond)
	assert.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, x := range []*model.Auction{a, b} {
			if err := tx.InsertAuction(ctx, x); err != nil {
				return err
			}
			d := &model.Deposit{ID: uuid.NewString(), AuctionID: x.ID, UserID: user, Amount: 10,
				Status: model.DepositHolding, DepositedAt: now}
			if err := tx.InsertDeposit(ctx, d); err != nil {
				return err
			}
		}
		bid := &model.Bid{ID: uuid.NewString(), AuctionID: b.ID, BidderID: user, Amount: 110,
			Status: model.BidWinning, Seq: 1, CreatedAt: now}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		return tx.SetWatch(ctx, a.ID, user, true)
	}))

	deps, err := s.ListUserDeposits(ctx, user)
	assert.NoError(t, err)
	check.Equal(t, 2, len(deps))
	bids, err := s.ListUserBids(ctx, user)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(bids))
	check.Equal(t, b.ID, bids[0].AuctionID)
	watched, err := s.ListWatchedAuctions(ctx, user)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(watched))
	check.Equal(t, a.ID, watched[0].ID)
	_, err = s.ListOrdersByStatus(ctx, model.OrderPendingPayment, model.OrderDelivered)
	assert.NoError(t, err)
}
