// Package store defines the persistence contract the engine runs against.
// internal/db implements it on Postgres; Memory implements it in process.
package store

import (
	"context"

	"auction-engine/internal/model"
)

// Reader holds the side-effect-free reads. Missing single records are
// reported as apperr.ErrNotFound.
type Reader interface {
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListAuctions(ctx context.Context, f model.AuctionFilter) ([]model.Auction, error)

	GetBid(ctx context.Context, id string) (*model.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)

	GetAutoBid(ctx context.Context, auctionID, userID string) (*model.AutoBid, error)
	ListAutoBids(ctx context.Context, auctionID string) ([]model.AutoBid, error)

	GetDeposit(ctx context.Context, auctionID, userID string) (*model.Deposit, error)
	ListDeposits(ctx context.Context, auctionID string) ([]model.Deposit, error)
	ListUserDeposits(ctx context.Context, userID string) ([]model.Deposit, error)
	ListUserBids(ctx context.Context, userID string) ([]model.Bid, error)

	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByAuction(ctx context.Context, auctionID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, statuses ...model.OrderStatus) ([]model.Order, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*model.Escrow, error)

	IsWatching(ctx context.Context, auctionID, userID string) (bool, error)
	ListWatchedAuctions(ctx context.Context, userID string) ([]model.Auction, error)
	ListEvents(ctx context.Context, auctionID string, limit int) ([]model.Event, error)
}

// Tx is a unit of work. Wallet rows must be locked with LockWallets before
// UpdateWallet touches them.
type Tx interface {
	Reader

	InsertAuction(ctx context.Context, a *model.Auction) error
	UpdateAuction(ctx context.Context, a *model.Auction) error

	InsertBid(ctx context.Context, b *model.Bid) error
	UpdateBidStatus(ctx context.Context, id string, status model.BidStatus) error

	InsertAutoBid(ctx context.Context, ab *model.AutoBid) error
	UpdateAutoBid(ctx context.Context, ab *model.AutoBid) error

	InsertDeposit(ctx context.Context, d *model.Deposit) error
	UpdateDeposit(ctx context.Context, d *model.Deposit) error

	// LockWallets takes the per-user wallet locks in ascending user id
	// order, creating empty wallets that do not exist yet. Locks are held
	// until the transaction ends.
	LockWallets(ctx context.Context, userIDs ...string) error
	UpdateWallet(ctx context.Context, w *model.Wallet) error
	InsertWalletTransaction(ctx context.Context, t *model.WalletTransaction) error

	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertEscrow(ctx context.Context, e *model.Escrow) error
	UpdateEscrow(ctx context.Context, e *model.Escrow) error

	SetWatch(ctx context.Context, auctionID, userID string, watching bool) error
	AppendEvent(ctx context.Context, e *model.Event) error
}

type Store interface {
	Reader
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
