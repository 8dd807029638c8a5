package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
)

func seedAuction(t *testing.T, m *Memory, id string) {
	t.Helper()
	err := m.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertAuction(context.Background(), &model.Auction{
			ID: id, SellerID: "seller", Status: model.StatusDraft,
			StartingPrice: 100, BidIncrement: 10, CreatedAt: time.Now(),
		})
	})
	assert.NoError(t, err)
}

func TestMemoryRollbackUndoesEveryWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedAuction(t, m, "a1")

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAuction(ctx, "a1")
		assert.NoError(t, err)
		a.Status = model.StatusPending
		assert.NoError(t, tx.UpdateAuction(ctx, a))
		assert.NoError(t, tx.InsertBid(ctx, &model.Bid{ID: "b1", AuctionID: "a1", BidderID: "u1", Amount: 110}))
		assert.NoError(t, tx.LockWallets(ctx, "u1"))
		assert.NoError(t, tx.UpdateWallet(ctx, &model.Wallet{UserID: "u1", Available: 500}))
		assert.NoError(t, tx.AppendEvent(ctx, &model.Event{AuctionID: "a1", Type: model.EventBidAccepted}))
		return boom
	})
	check.True(t, errors.Is(err, boom))

	a, err := m.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, model.StatusDraft, a.Status)

	bids, err := m.ListBids(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 0, len(bids))

	_, err = m.GetWallet(ctx, "u1")
	check.True(t, errors.Is(err, apperr.ErrNotFound))

	events, err := m.ListEvents(ctx, "", 0)
	assert.NoError(t, err)
	check.Equal(t, 0, len(events))
}

func TestMemoryReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedAuction(t, m, "a1")

	a, err := m.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	p := int64(999)
	a.CurrentPrice = &p
	a.Status = model.StatusSold

	again, err := m.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, model.StatusDraft, again.Status)
	check.True(t, again.CurrentPrice == nil)
}

func TestMemoryUpdateWalletRequiresLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.InTx(ctx, func(tx Tx) error {
		return tx.UpdateWallet(ctx, &model.Wallet{UserID: "u1", Available: 1})
	})
	check.True(t, apperr.IsInternal(err))
}

func TestMemoryWalletLocksSerialize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// lock in both orders to exercise the sorted acquisition
			ids := []string{"u1", "u2"}
			if i%2 == 1 {
				ids = []string{"u2", "u1"}
			}
			err := m.InTx(ctx, func(tx Tx) error {
				if err := tx.LockWallets(ctx, ids...); err != nil {
					return err
				}
				for _, id := range ids {
					w, err := tx.GetWallet(ctx, id)
					if err != nil {
						return err
					}
					w.Available++
					if err := tx.UpdateWallet(ctx, w); err != nil {
						return err
					}
				}
				return nil
			})
			check.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range []string{"u1", "u2"} {
		w, err := m.GetWallet(ctx, id)
		assert.NoError(t, err)
		check.Equal(t, int64(workers), w.Available)
	}
}

func TestMemoryDuplicateDeposit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d := &model.Deposit{ID: "d1", AuctionID: "a1", UserID: "u1", Amount: 10, Status: model.DepositHolding}
	assert.NoError(t, m.InTx(ctx, func(tx Tx) error { return tx.InsertDeposit(ctx, d) }))
	err := m.InTx(ctx, func(tx Tx) error { return tx.InsertDeposit(ctx, d) })
	check.True(t, errors.Is(err, apperr.ErrAlreadyQualified))

	deps, err := m.ListDeposits(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(deps))
}

func TestMemoryEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	assert.NoError(t, m.InTx(ctx, func(tx Tx) error {
		for _, id := range []string{"a1", "a2", "a1"} {
			if err := tx.AppendEvent(ctx, &model.Event{AuctionID: id, Type: model.EventAuctionStatusChanged}); err != nil {
				return err
			}
		}
		return nil
	}))
	events, err := m.ListEvents(ctx, "a1", 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(events))
	check.Equal(t, int64(3), events[0].ID)
	check.Equal(t, int64(1), events[1].ID)
}

func TestMemoryUserQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedAuction(t, m, "a1")
	seedAuction(t, m, "a2")
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	err := m.InTx(ctx, func(tx Tx) error {
		for i, b := range []model.Bid{
			{ID: "b1", AuctionID: "a1", BidderID: "u1", Amount: 110, Seq: 1},
			{ID: "b2", AuctionID: "a2", BidderID: "u1", Amount: 110, Seq: 1},
			{ID: "b3", AuctionID: "a1", BidderID: "u2", Amount: 120, Seq: 2},
		} {
			b.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := tx.InsertBid(ctx, &b); err != nil {
				return err
			}
		}
		for i, o := range []model.Order{
			{ID: "o1", AuctionID: "a1", Status: model.OrderCompleted},
			{ID: "o2", AuctionID: "a2", Status: model.OrderPendingPayment},
		} {
			o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := tx.InsertOrder(ctx, &o); err != nil {
				return err
			}
		}
		if err := tx.InsertDeposit(ctx, &model.Deposit{ID: "d1", AuctionID: "a2", UserID: "u1", DepositedAt: base}); err != nil {
			return err
		}
		return tx.SetWatch(ctx, "a2", "u1", true)
	})
	assert.NoError(t, err)

	bids, err := m.ListUserBids(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(bids))
	check.Equal(t, "b2", bids[0].ID)
	check.Equal(t, "b1", bids[1].ID)

	deps, err := m.ListUserDeposits(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(deps))
	check.Equal(t, "a2", deps[0].AuctionID)

	pending, err := m.ListOrdersByStatus(ctx, model.OrderPendingPayment, model.OrderDelivered)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(pending))
	check.Equal(t, "o2", pending[0].ID)

	watched, err := m.ListWatchedAuctions(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(watched))
	check.Equal(t, "a2", watched[0].ID)
	none, err := m.ListWatchedAuctions(ctx, "u2")
	assert.NoError(t, err)
	check.Equal(t, 0, len(none))
}
