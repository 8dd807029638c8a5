package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
)

// Memory is an in-process Store. Writes inside a transaction are applied
// immediately and rolled back from an undo log on failure, so concurrent
// readers may observe uncommitted rows. Rows are partitioned by auction (the
// engine serializes per auction) and wallets are guarded by per-user locks,
// which keeps concurrent transactions from touching the same row.
type Memory struct {
	mu sync.RWMutex

	auctions      map[string]model.Auction
	bids          map[string]model.Bid
	bidsByAuction map[string][]string
	autoBids      map[string]model.AutoBid
	autoBidKeys   map[string][]string
	deposits      map[string]model.Deposit
	depositKeys   map[string][]string
	wallets       map[string]model.Wallet
	walletTxs     map[string][]model.WalletTransaction
	orders        map[string]model.Order
	orderByAuct   map[string]string
	escrows       map[string]model.Escrow
	watches       map[string]model.Watch
	events        []model.Event
	nextEventID   int64

	locksMu     sync.Mutex
	walletLocks map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		auctions:      make(map[string]model.Auction),
		bids:          make(map[string]model.Bid),
		bidsByAuction: make(map[string][]string),
		autoBids:      make(map[string]model.AutoBid),
		autoBidKeys:   make(map[string][]string),
		deposits:      make(map[string]model.Deposit),
		depositKeys:   make(map[string][]string),
		wallets:       make(map[string]model.Wallet),
		walletTxs:     make(map[string][]model.WalletTransaction),
		orders:        make(map[string]model.Order),
		orderByAuct:   make(map[string]string),
		escrows:       make(map[string]model.Escrow),
		watches:       make(map[string]model.Watch),
		walletLocks:   make(map[string]*sync.Mutex),
	}
}

func pairKey(auctionID, userID string) string { return auctionID + "|" + userID }

func notFound(what, id string) error { return apperr.ErrNotFound.With("%s %s", what, id) }

// ── Reads ────────────────────────────────────────────

func (m *Memory) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, notFound("auction", id)
	}
	return cloneAuction(a), nil
}

func (m *Memory) ListAuctions(_ context.Context, f model.AuctionFilter) ([]model.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Auction
	for _, a := range m.auctions {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
			continue
		}
		if f.SellerID != "" && a.SellerID != f.SellerID {
			continue
		}
		out = append(out, *cloneAuction(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetBid(_ context.Context, id string) (*model.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, notFound("bid", id)
	}
	return cloneBid(b), nil
}

func (m *Memory) ListBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bidsByAuction[auctionID]
	out := make([]model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneBid(m.bids[id]))
	}
	return out, nil
}

func (m *Memory) GetAutoBid(_ context.Context, auctionID, userID string) (*model.AutoBid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ab, ok := m.autoBids[pairKey(auctionID, userID)]
	if !ok {
		return nil, notFound("auto-bid", pairKey(auctionID, userID))
	}
	return cloneAutoBid(ab), nil
}

func (m *Memory) ListAutoBids(_ context.Context, auctionID string) ([]model.AutoBid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.autoBidKeys[auctionID]
	out := make([]model.AutoBid, 0, len(keys))
	for _, k := range keys {
		out = append(out, *cloneAutoBid(m.autoBids[k]))
	}
	return out, nil
}

func (m *Memory) GetDeposit(_ context.Context, auctionID, userID string) (*model.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[pairKey(auctionID, userID)]
	if !ok {
		return nil, notFound("deposit", pairKey(auctionID, userID))
	}
	return cloneDeposit(d), nil
}

func (m *Memory) ListDeposits(_ context.Context, auctionID string) ([]model.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.depositKeys[auctionID]
	out := make([]model.Deposit, 0, len(keys))
	for _, k := range keys {
		out = append(out, *cloneDeposit(m.deposits[k]))
	}
	return out, nil
}

func (m *Memory) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, notFound("wallet", userID)
	}
	return &w, nil
}

func (m *Memory) ListWalletTransactions(_ context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.walletTxs[userID]
	out := make([]model.WalletTransaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, txs[i])
	}
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByAuction(ctx context.Context, auctionID string) (*model.Order, error) {
	m.mu.RLock()
	id, ok := m.orderByAuct[auctionID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("order for auction", auctionID)
	}
	return m.GetOrder(ctx, id)
}

func (m *Memory) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListOrdersByStatus(_ context.Context, statuses ...model.OrderStatus) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if slices.Contains(statuses, o.Status) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetEscrowByOrder(_ context.Context, orderID string) (*model.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[orderID]
	if !ok {
		return nil, notFound("escrow for order", orderID)
	}
	e.ReleasedAt = clonePtr(e.ReleasedAt)
	return &e, nil
}

func (m *Memory) IsWatching(_ context.Context, auctionID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.watches[pairKey(auctionID, userID)]
	return ok, nil
}

func (m *Memory) ListUserDeposits(_ context.Context, userID string) ([]model.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Deposit
	for _, d := range m.deposits {
		if d.UserID == userID {
			out = append(out, *cloneDeposit(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepositedAt.After(out[j].DepositedAt) })
	return out, nil
}

// ListUserBids returns userID's bids across auctions, newest first.
func (m *Memory) ListUserBids(_ context.Context, userID string) ([]model.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Bid
	for _, b := range m.bids {
		if b.BidderID == userID {
			out = append(out, *cloneBid(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

func (m *Memory) ListWatchedAuctions(_ context.Context, userID string) ([]model.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ws []model.Watch
	for _, w := range m.watches {
		if w.UserID == userID {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].CreatedAt.After(ws[j].CreatedAt) })
	out := make([]model.Auction, 0, len(ws))
	for _, w := range ws {
		if a, ok := m.auctions[w.AuctionID]; ok {
			out = append(out, *cloneAuction(a))
		}
	}
	return out, nil
}

func (m *Memory) ListEvents(_ context.Context, auctionID string, limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if auctionID != "" && m.events[i].AuctionID != auctionID {
			continue
		}
		out = append(out, m.events[i])
	}
	return out, nil
}

// ── Transactions ─────────────────────────────────────

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx := &memTx{Memory: m, locked: make(map[string]*sync.Mutex)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
		tx.unlockWallets()
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(tx)
}

func (m *Memory) walletLock(userID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.walletLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.walletLocks[userID] = l
	}
	return l
}

type memTx struct {
	*Memory
	undo   []func()
	locked map[string]*sync.Mutex
}

// apply runs do under the write lock and records undo for rollback.
func (t *memTx) apply(do func(), undo func()) {
	t.mu.Lock()
	do()
	t.mu.Unlock()
	t.undo = append(t.undo, undo)
}

func (t *memTx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) unlockWallets() {
	for _, l := range t.locked {
		l.Unlock()
	}
	t.locked = nil
}

func (t *memTx) InsertAuction(_ context.Context, a *model.Auction) error {
	t.mu.RLock()
	_, exists := t.auctions[a.ID]
	t.mu.RUnlock()
	if exists {
		return apperr.ErrInvalidInput.With("auction %s already exists", a.ID)
	}
	c := *cloneAuction(*a)
	t.apply(func() { t.auctions[a.ID] = c }, func() { delete(t.auctions, c.ID) })
	return nil
}

func (t *memTx) UpdateAuction(_ context.Context, a *model.Auction) error {
	t.mu.RLock()
	prev, ok := t.auctions[a.ID]
	t.mu.RUnlock()
	if !ok {
		return notFound("auction", a.ID)
	}
	c := *cloneAuction(*a)
	t.apply(func() { t.auctions[c.ID] = c }, func() { t.auctions[prev.ID] = prev })
	return nil
}

func (t *memTx) InsertBid(_ context.Context, b *model.Bid) error {
	c := *cloneBid(*b)
	t.apply(func() {
		t.bids[c.ID] = c
		t.bidsByAuction[c.AuctionID] = append(t.bidsByAuction[c.AuctionID], c.ID)
	}, func() {
		delete(t.bids, c.ID)
		ids := t.bidsByAuction[c.AuctionID]
		t.bidsByAuction[c.AuctionID] = ids[:len(ids)-1]
	})
	return nil
}

func (t *memTx) UpdateBidStatus(_ context.Context, id string, status model.BidStatus) error {
	t.mu.RLock()
	prev, ok := t.bids[id]
	t.mu.RUnlock()
	if !ok {
		return notFound("bid", id)
	}
	next := prev
	next.Status = status
	t.apply(func() { t.bids[id] = next }, func() { t.bids[id] = prev })
	return nil
}

func (t *memTx) InsertAutoBid(_ context.Context, ab *model.AutoBid) error {
	k := pairKey(ab.AuctionID, ab.UserID)
	t.mu.RLock()
	_, exists := t.autoBids[k]
	t.mu.RUnlock()
	if exists {
		return apperr.ErrInvalidInput.With("auto-bid %s already exists", k)
	}
	c := *cloneAutoBid(*ab)
	t.apply(func() {
		t.autoBids[k] = c
		t.autoBidKeys[c.AuctionID] = append(t.autoBidKeys[c.AuctionID], k)
	}, func() {
		delete(t.autoBids, k)
		keys := t.autoBidKeys[c.AuctionID]
		t.autoBidKeys[c.AuctionID] = keys[:len(keys)-1]
	})
	return nil
}

func (t *memTx) UpdateAutoBid(_ context.Context, ab *model.AutoBid) error {
	k := pairKey(ab.AuctionID, ab.UserID)
	t.mu.RLock()
	prev, ok := t.autoBids[k]
	t.mu.RUnlock()
	if !ok {
		return notFound("auto-bid", k)
	}
	c := *cloneAutoBid(*ab)
	t.apply(func() { t.autoBids[k] = c }, func() { t.autoBids[k] = prev })
	return nil
}

func (t *memTx) InsertDeposit(_ context.Context, d *model.Deposit) error {
	k := pairKey(d.AuctionID, d.UserID)
	t.mu.RLock()
	_, exists := t.deposits[k]
	t.mu.RUnlock()
	if exists {
		return apperr.ErrAlreadyQualified.With("deposit %s already exists", k)
	}
	c := *cloneDeposit(*d)
	t.apply(func() {
		t.deposits[k] = c
		t.depositKeys[c.AuctionID] = append(t.depositKeys[c.AuctionID], k)
	}, func() {
		delete(t.deposits, k)
		keys := t.depositKeys[c.AuctionID]
		t.depositKeys[c.AuctionID] = keys[:len(keys)-1]
	})
	return nil
}

func (t *memTx) UpdateDeposit(_ context.Context, d *model.Deposit) error {
	k := pairKey(d.AuctionID, d.UserID)
	t.mu.RLock()
	prev, ok := t.deposits[k]
	t.mu.RUnlock()
	if !ok {
		return notFound("deposit", k)
	}
	c := *cloneDeposit(*d)
	t.apply(func() { t.deposits[k] = c }, func() { t.deposits[k] = prev })
	return nil
}

func (t *memTx) LockWallets(ctx context.Context, userIDs ...string) error {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		if _, held := t.locked[id]; held {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		l := t.walletLock(id)
		l.Lock()
		t.locked[id] = l

		t.mu.RLock()
		_, exists := t.wallets[id]
		t.mu.RUnlock()
		if !exists {
			w := model.Wallet{UserID: id}
			t.apply(func() { t.wallets[id] = w }, func() { delete(t.wallets, id) })
		}
	}
	return nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if _, held := t.locked[w.UserID]; !held {
		return apperr.Invariant("wallet %s updated without holding its lock", w.UserID)
	}
	t.mu.RLock()
	prev := t.wallets[w.UserID]
	t.mu.RUnlock()
	c := *w
	t.apply(func() { t.wallets[c.UserID] = c }, func() { t.wallets[prev.UserID] = prev })
	return nil
}

func (t *memTx) InsertWalletTransaction(_ context.Context, wt *model.WalletTransaction) error {
	c := *wt
	t.apply(func() {
		t.walletTxs[c.UserID] = append(t.walletTxs[c.UserID], c)
	}, func() {
		txs := t.walletTxs[c.UserID]
		t.walletTxs[c.UserID] = txs[:len(txs)-1]
	})
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.mu.RLock()
	_, exists := t.orderByAuct[o.AuctionID]
	t.mu.RUnlock()
	if exists {
		return apperr.Invariant("auction %s already has an order", o.AuctionID)
	}
	c := *cloneOrder(*o)
	t.apply(func() {
		t.orders[c.ID] = c
		t.orderByAuct[c.AuctionID] = c.ID
	}, func() {
		delete(t.orders, c.ID)
		delete(t.orderByAuct, c.AuctionID)
	})
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	t.mu.RLock()
	prev, ok := t.orders[o.ID]
	t.mu.RUnlock()
	if !ok {
		return notFound("order", o.ID)
	}
	c := *cloneOrder(*o)
	t.apply(func() { t.orders[c.ID] = c }, func() { t.orders[prev.ID] = prev })
	return nil
}

func (t *memTx) InsertEscrow(_ context.Context, e *model.Escrow) error {
	c := *e
	c.ReleasedAt = clonePtr(e.ReleasedAt)
	t.apply(func() { t.escrows[c.OrderID] = c }, func() { delete(t.escrows, c.OrderID) })
	return nil
}

func (t *memTx) UpdateEscrow(_ context.Context, e *model.Escrow) error {
	t.mu.RLock()
	prev, ok := t.escrows[e.OrderID]
	t.mu.RUnlock()
	if !ok {
		return notFound("escrow for order", e.OrderID)
	}
	c := *e
	c.ReleasedAt = clonePtr(e.ReleasedAt)
	t.apply(func() { t.escrows[c.OrderID] = c }, func() { t.escrows[prev.OrderID] = prev })
	return nil
}

func (t *memTx) SetWatch(_ context.Context, auctionID, userID string, watching bool) error {
	k := pairKey(auctionID, userID)
	t.mu.RLock()
	prev, had := t.watches[k]
	t.mu.RUnlock()
	restore := func() {
		if had {
			t.watches[k] = prev
		} else {
			delete(t.watches, k)
		}
	}
	if watching {
		// new watches are stamped like the column default in Postgres
		created := prev.CreatedAt
		if !had {
			created = time.Now().UTC()
		}
		w := model.Watch{AuctionID: auctionID, UserID: userID, CreatedAt: created}
		t.apply(func() { t.watches[k] = w }, restore)
	} else {
		t.apply(func() { delete(t.watches, k) }, restore)
	}
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *model.Event) error {
	t.apply(func() {
		t.nextEventID++
		e.ID = t.nextEventID
		t.events = append(t.events, *e)
	}, func() {
		t.events = t.events[:len(t.events)-1]
		t.nextEventID--
	})
	return nil
}

// ── Copies ───────────────────────────────────────────

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneAuction(a model.Auction) *model.Auction {
	a.ReservePrice = clonePtr(a.ReservePrice)
	a.BuyNowPrice = clonePtr(a.BuyNowPrice)
	a.CurrentPrice = clonePtr(a.CurrentPrice)
	a.QualificationStartTime = clonePtr(a.QualificationStartTime)
	a.QualificationEndTime = clonePtr(a.QualificationEndTime)
	a.WinnerID = clonePtr(a.WinnerID)
	a.WinningBidID = clonePtr(a.WinningBidID)
	a.EmergencyStopReason = clonePtr(a.EmergencyStopReason)
	a.ClosedAt = clonePtr(a.ClosedAt)
	return &a
}

func cloneBid(b model.Bid) *model.Bid {
	b.AutoBidID = clonePtr(b.AutoBidID)
	return &b
}

func cloneAutoBid(ab model.AutoBid) *model.AutoBid {
	ab.IncrementAmount = clonePtr(ab.IncrementAmount)
	ab.LastAutoBidAt = clonePtr(ab.LastAutoBidAt)
	return &ab
}

func cloneDeposit(d model.Deposit) *model.Deposit {
	d.Result = clonePtr(d.Result)
	d.AppliedAt = clonePtr(d.AppliedAt)
	d.RefundedAt = clonePtr(d.RefundedAt)
	d.ForfeitedAt = clonePtr(d.ForfeitedAt)
	return &d
}

func cloneOrder(o model.Order) *model.Order {
	o.PaidAt = clonePtr(o.PaidAt)
	o.ShippedAt = clonePtr(o.ShippedAt)
	o.DeliveredAt = clonePtr(o.DeliveredAt)
	o.CompletedAt = clonePtr(o.CompletedAt)
	o.CancelledAt = clonePtr(o.CancelledAt)
	o.ReturnReason = clonePtr(o.ReturnReason)
	return &o
}
