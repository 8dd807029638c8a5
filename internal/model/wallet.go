package model

import "time"

// Bucket names one of the four balances every wallet carries.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
	BucketHeld      Bucket = "held"
	BucketRefund    Bucket = "refund"
)

type WalletTxType string

const (
	TxCredit  WalletTxType = "credit"
	TxDebit   WalletTxType = "debit"
	TxHold    WalletTxType = "hold"
	TxRelease WalletTxType = "release"
)

type Wallet struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available_balance"`
	Locked    int64     `json:"locked_balance"`
	Held      int64     `json:"held_balance"`
	Refund    int64     `json:"refund_balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *Wallet) Total() int64 { return w.Available + w.Locked + w.Held + w.Refund }

func (w *Wallet) Balance(b Bucket) int64 {
	switch b {
	case BucketAvailable:
		return w.Available
	case BucketLocked:
		return w.Locked
	case BucketHeld:
		return w.Held
	case BucketRefund:
		return w.Refund
	}
	return 0
}

func (w *Wallet) SetBalance(b Bucket, v int64) {
	switch b {
	case BucketAvailable:
		w.Available = v
	case BucketLocked:
		w.Locked = v
	case BucketHeld:
		w.Held = v
	case BucketRefund:
		w.Refund = v
	}
}

// WalletTransaction is one leg of a balance movement. Each leg touches exactly
// one bucket; legs of the same movement share PairID.
type WalletTransaction struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	PairID        string       `json:"pair_id"`
	Type          WalletTxType `json:"type"`
	Bucket        Bucket       `json:"bucket"`
	Amount        int64        `json:"amount"`
	BalanceBefore int64        `json:"balance_before"`
	BalanceAfter  int64        `json:"balance_after"`
	RefType       string       `json:"ref_type,omitempty"`
	RefID         string       `json:"ref_id,omitempty"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Delta is the signed change this leg made to its bucket.
func (t *WalletTransaction) Delta() int64 { return t.BalanceAfter - t.BalanceBefore }
