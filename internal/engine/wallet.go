package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/ledger"
	"auction-engine/internal/model"
)

// Wallet commands touch a single user's balances and no auction, so they run
// under the wallet lock alone rather than through a mailbox.

// AddFunds credits outside money to the user's available balance.
func (m *Manager) AddFunds(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if userID == "" {
		return nil, apperr.ErrInvalidInput.With("user is required")
	}
	return m.walletCmd(ctx, "add_funds", func(ctx context.Context, t *txn) (*model.Wallet, error) {
		return ledger.Credit(ctx, t, t.now, userID, model.BucketAvailable, amount, ledger.Ref{Type: "topup", Description: "funds added"})
	})
}

// Withdraw pays out of the refund balance, the only balance users may take
// out directly.
func (m *Manager) Withdraw(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	return m.walletCmd(ctx, "withdraw", func(ctx context.Context, t *txn) (*model.Wallet, error) {
		return ledger.Debit(ctx, t, t.now, userID, model.BucketRefund, amount, ledger.Ref{Type: "withdrawal", Description: "refund withdrawn"})
	})
}

func (m *Manager) walletCmd(ctx context.Context, op string, fn func(ctx context.Context, t *txn) (*model.Wallet, error)) (*model.Wallet, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveCommand(op, time.Since(start)) }()
	var w *model.Wallet
	err := m.inTx(ctx, func(t *txn) error {
		var err error
		w, err = fn(ctx, t)
		return err
	})
	if err != nil {
		m.log.Debug("wallet command failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	return w, nil
}

// GetWallet reports the user's balances. Users who never held money get an
// empty wallet rather than an error.
func (m *Manager) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := m.store.GetWallet(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &model.Wallet{UserID: userID}, nil
	}
	return w, err
}

func (m *Manager) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	return m.store.ListWalletTransactions(ctx, userID, limit)
}
