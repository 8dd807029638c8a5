// Package ledger moves money between wallet buckets. Every movement writes
// one WalletTransaction leg per touched bucket, and the legs of a movement
// share a pair id so they can be reconciled later.
//
// All functions run inside a store transaction and lock the wallets they
// touch. Callers that touch several wallets in one transaction should lock
// all of them up front with a single LockWallets call.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
	"auction-engine/internal/store"
)

// Ref ties a movement to the record that caused it.
type Ref struct {
	Type        string
	ID          string
	Description string
}

func reserved(b model.Bucket) bool {
	return b == model.BucketLocked || b == model.BucketHeld
}

// spendable buckets belong to the user; running them dry is the user's
// problem rather than the engine's.
func spendable(b model.Bucket) bool {
	return b == model.BucketAvailable || b == model.BucketRefund
}

func legTypes(from, to model.Bucket) (src, dst model.WalletTxType) {
	switch {
	case reserved(to):
		return model.TxHold, model.TxHold
	case reserved(from):
		return model.TxRelease, model.TxRelease
	}
	return model.TxDebit, model.TxCredit
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return apperr.ErrInvalidInput.With("negative amount %d", amount)
	}
	return nil
}

func shortfall(w *model.Wallet, b model.Bucket, amount int64) error {
	have := w.Balance(b)
	if have >= amount {
		return nil
	}
	if spendable(b) {
		return apperr.ErrInsufficientFunds.With("%s balance %d, need %d", b, have, amount)
	}
	return apperr.Invariant("wallet %s %s balance %d cannot cover %d", w.UserID, b, have, amount)
}

func locked(ctx context.Context, tx store.Tx, userID string) (*model.Wallet, error) {
	if err := tx.LockWallets(ctx, userID); err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return tx.GetWallet(ctx, userID)
}

func leg(pair string, w *model.Wallet, t model.WalletTxType, b model.Bucket, amount, before int64, ref Ref, now time.Time) *model.WalletTransaction {
	return &model.WalletTransaction{
		ID:            uuid.NewString(),
		UserID:        w.UserID,
		PairID:        pair,
		Type:          t,
		Bucket:        b,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance(b),
		RefType:       ref.Type,
		RefID:         ref.ID,
		Description:   ref.Description,
		CreatedAt:     now,
	}
}

func write(ctx context.Context, tx store.Tx, wallets []*model.Wallet, legs []*model.WalletTransaction) error {
	for _, w := range wallets {
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
	}
	for _, l := range legs {
		if err := tx.InsertWalletTransaction(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// Move shifts amount between two buckets of one wallet.
func Move(ctx context.Context, tx store.Tx, now time.Time, userID string, from, to model.Bucket, amount int64, ref Ref) (*model.Wallet, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if from == to {
		return nil, apperr.Invariant("move within one bucket %s", from)
	}
	w, err := locked(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return w, nil
	}
	if err := shortfall(w, from, amount); err != nil {
		return nil, err
	}

	srcType, dstType := legTypes(from, to)
	fromBefore, toBefore := w.Balance(from), w.Balance(to)
	w.SetBalance(from, fromBefore-amount)
	w.SetBalance(to, toBefore+amount)
	w.UpdatedAt = now

	pair := uuid.NewString()
	legs := []*model.WalletTransaction{
		leg(pair, w, srcType, from, amount, fromBefore, ref, now),
		leg(pair, w, dstType, to, amount, toBefore, ref, now),
	}
	if err := write(ctx, tx, []*model.Wallet{w}, legs); err != nil {
		return nil, err
	}
	return w, nil
}

// Transfer moves amount from one user's bucket into another user's bucket.
func Transfer(ctx context.Context, tx store.Tx, now time.Time, fromUser string, from model.Bucket, toUser string, to model.Bucket, amount int64, ref Ref) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if fromUser == toUser {
		_, err := Move(ctx, tx, now, fromUser, from, to, amount, ref)
		return err
	}
	if err := tx.LockWallets(ctx, fromUser, toUser); err != nil {
		return fmt.Errorf("lock wallets: %w", err)
	}
	if amount == 0 {
		return nil
	}
	src, err := tx.GetWallet(ctx, fromUser)
	if err != nil {
		return err
	}
	dst, err := tx.GetWallet(ctx, toUser)
	if err != nil {
		return err
	}
	if err := shortfall(src, from, amount); err != nil {
		return err
	}

	srcType := model.TxDebit
	if reserved(from) {
		srcType = model.TxRelease
	}
	dstType := model.TxCredit
	if reserved(to) {
		dstType = model.TxHold
	}

	srcBefore, dstBefore := src.Balance(from), dst.Balance(to)
	src.SetBalance(from, srcBefore-amount)
	dst.SetBalance(to, dstBefore+amount)
	src.UpdatedAt, dst.UpdatedAt = now, now

	pair := uuid.NewString()
	legs := []*model.WalletTransaction{
		leg(pair, src, srcType, from, amount, srcBefore, ref, now),
		leg(pair, dst, dstType, to, amount, dstBefore, ref, now),
	}
	return write(ctx, tx, []*model.Wallet{src, dst}, legs)
}

// Credit adds outside money to a bucket.
func Credit(ctx context.Context, tx store.Tx, now time.Time, userID string, to model.Bucket, amount int64, ref Ref) (*model.Wallet, error) {
	if amount <= 0 || amount > model.MaxAmount {
		return nil, apperr.ErrInvalidInput.With("credit amount must be within 1..%d, got %d", model.MaxAmount, amount)
	}
	w, err := locked(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if _, ok := model.SafeAdd(w.Total(), amount); !ok {
		return nil, apperr.ErrInvalidInput.With("wallet %s cannot hold another %d", userID, amount)
	}
	before := w.Balance(to)
	w.SetBalance(to, before+amount)
	w.UpdatedAt = now
	l := leg(uuid.NewString(), w, model.TxCredit, to, amount, before, ref, now)
	if err := write(ctx, tx, []*model.Wallet{w}, []*model.WalletTransaction{l}); err != nil {
		return nil, err
	}
	return w, nil
}

// Debit takes money out of the system from a bucket.
func Debit(ctx context.Context, tx store.Tx, now time.Time, userID string, from model.Bucket, amount int64, ref Ref) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidInput.With("debit amount must be positive, got %d", amount)
	}
	w, err := locked(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := shortfall(w, from, amount); err != nil {
		return nil, err
	}
	before := w.Balance(from)
	w.SetBalance(from, before-amount)
	w.UpdatedAt = now
	l := leg(uuid.NewString(), w, model.TxDebit, from, amount, before, ref, now)
	if err := write(ctx, tx, []*model.Wallet{w}, []*model.WalletTransaction{l}); err != nil {
		return nil, err
	}
	return w, nil
}

// Replay sums the signed leg deltas per bucket. For a wallet whose full
// history is given, the result equals its balances.
func Replay(legs []model.WalletTransaction) map[model.Bucket]int64 {
	out := make(map[model.Bucket]int64, 4)
	for i := range legs {
		out[legs[i].Bucket] += legs[i].Delta()
	}
	return out
}

// Reconcile checks a wallet against its complete leg history.
func Reconcile(w *model.Wallet, legs []model.WalletTransaction) error {
	sums := Replay(legs)
	for _, b := range []model.Bucket{model.BucketAvailable, model.BucketLocked, model.BucketHeld, model.BucketRefund} {
		if got := w.Balance(b); got != sums[b] {
			return apperr.Invariant("wallet %s %s balance %d, ledger says %d", w.UserID, b, got, sums[b])
		}
		if w.Balance(b) < 0 {
			return apperr.Invariant("wallet %s %s balance negative", w.UserID, b)
		}
	}
	return nil
}
