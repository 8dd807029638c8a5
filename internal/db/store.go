// Package db implements store.Store on Postgres.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"

	"auction-engine/internal/apperr"
	"auction-engine/internal/model"
	"auction-engine/internal/store"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds the reads, shared by the pool and by open transactions.
type queries struct{ q querier }

type Store struct {
	queries
	DB *sql.DB
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{queries: queries{q: db}, DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Auction rows are serialized
// by the engine and wallet rows by LockWallets, so stronger isolation buys
// nothing here.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	t := &tx{queries: queries{q: sqlTx}, tx: sqlTx, locked: make(map[string]bool)}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound.With("%s %s", what, id)
	}
	return err
}

func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

// ── Auctions ─────────────────────────────────────────

const auctionCols = `id, seller_id, title, auction_type, starting_price, bid_increment,
	reserve_price, buy_now_price, current_price, deposit_percentage, deposit_amount, currency,
	qualification_start_time, qualification_end_time, start_time, end_time, actual_end_time,
	status, minimum_participants, qualified_count, bid_count, watch_count, auto_extend,
	extension_minutes, winner_id, winning_bid_id, emergency_stop_reason, closed_at,
	created_at, updated_at`

func scanAuction(row scanner) (*model.Auction, error) {
	a := &model.Auction{}
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.Type, &a.StartingPrice, &a.BidIncrement,
		&a.ReservePrice, &a.BuyNowPrice, &a.CurrentPrice, &a.DepositPercentage, &a.DepositAmount, &a.Currency,
		&a.QualificationStartTime, &a.QualificationEndTime, &a.StartTime, &a.EndTime, &a.ActualEndTime,
		&a.Status, &a.MinimumParticipants, &a.QualifiedCount, &a.BidCount, &a.WatchCount, &a.AutoExtend,
		&a.ExtensionMinutes, &a.WinnerID, &a.WinningBidID, &a.EmergencyStopReason, &a.ClosedAt,
		&a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s queries) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	a, err := scanAuction(s.q.QueryRowContext(ctx, `SELECT `+auctionCols+` FROM auctions WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "auction", id)
	}
	return a, nil
}

func (s queries) ListAuctions(ctx context.Context, f model.AuctionFilter) ([]model.Auction, error) {
	q := `SELECT ` + auctionCols + ` FROM auctions WHERE TRUE`
	var args []any
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		q += fmt.Sprintf(` AND seller_id = $%d`, len(args))
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ── Bids ─────────────────────────────────────────────

const bidCols = `id, auction_id, bidder_id, amount, is_auto_bid, auto_bid_id, is_buy_now, status, seq, created_at`

func scanBid(row scanner) (*model.Bid, error) {
	b := &model.Bid{}
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.IsAutoBid, &b.AutoBidID,
		&b.IsBuyNow, &b.Status, &b.Seq, &b.CreatedAt)
	return b, err
}

func (s queries) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	b, err := scanBid(s.q.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "bid", id)
	}
	return b, nil
}

func (s queries) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+bidCols+` FROM bids WHERE auction_id=$1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListUserBids returns userID's bids across auctions, newest first.
func (s queries) ListUserBids(ctx context.Context, userID string) ([]model.Bid, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE bidder_id=$1 ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ── Auto-bids ────────────────────────────────────────

const autoBidCols = `id, auction_id, user_id, max_amount, current_amount, increment_amount, status,
	total_auto_bids, last_auto_bid_at, created_at, updated_at`

func scanAutoBid(row scanner) (*model.AutoBid, error) {
	ab := &model.AutoBid{}
	err := row.Scan(&ab.ID, &ab.AuctionID, &ab.UserID, &ab.MaxAmount, &ab.CurrentAmount, &ab.IncrementAmount,
		&ab.Status, &ab.TotalAutoBids, &ab.LastAutoBidAt, &ab.CreatedAt, &ab.UpdatedAt)
	return ab, err
}

func (s queries) GetAutoBid(ctx context.Context, auctionID, userID string) (*model.AutoBid, error) {
	ab, err := scanAutoBid(s.q.QueryRowContext(ctx,
		`SELECT `+autoBidCols+` FROM auto_bids WHERE auction_id=$1 AND user_id=$2`, auctionID, userID))
	if err != nil {
		return nil, notFound(err, "auto-bid", auctionID+"|"+userID)
	}
	return ab, nil
}

// ListAutoBids returns proxies in registration order, the order they act in.
func (s queries) ListAutoBids(ctx context.Context, auctionID string) ([]model.AutoBid, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+autoBidCols+` FROM auto_bids WHERE auction_id=$1 ORDER BY created_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AutoBid
	for rows.Next() {
		ab, err := scanAutoBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ab)
	}
	return out, rows.Err()
}

// ── Deposits ─────────────────────────────────────────

const depositCols = `id, auction_id, user_id, amount, status, auction_result, deposited_at,
	applied_at, refunded_at, forfeited_at`

func scanDeposit(row scanner) (*model.Deposit, error) {
	d := &model.Deposit{}
	err := row.Scan(&d.ID, &d.AuctionID, &d.UserID, &d.Amount, &d.Status, &d.Result, &d.DepositedAt,
		&d.AppliedAt, &d.RefundedAt, &d.ForfeitedAt)
	return d, err
}

func (s queries) GetDeposit(ctx context.Context, auctionID, userID string) (*model.Deposit, error) {
	d, err := scanDeposit(s.q.QueryRowContext(ctx,
		`SELECT `+depositCols+` FROM auction_deposits WHERE auction_id=$1 AND user_id=$2`, auctionID, userID))
	if err != nil {
		return nil, notFound(err, "deposit", auctionID+"|"+userID)
	}
	return d, nil
}

func (s queries) ListDeposits(ctx context.Context, auctionID string) ([]model.Deposit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+depositCols+` FROM auction_deposits WHERE auction_id=$1 ORDER BY deposited_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s queries) ListUserDeposits(ctx context.Context, userID string) ([]model.Deposit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+depositCols+` FROM auction_deposits WHERE user_id=$1 ORDER BY deposited_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ── Wallets ──────────────────────────────────────────

const walletCols = `user_id, available_balance, locked_balance, held_balance, refund_balance, currency, updated_at`

func scanWallet(row scanner) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := row.Scan(&w.UserID, &w.Available, &w.Locked, &w.Held, &w.Refund, &w.Currency, &w.UpdatedAt)
	return w, err
}

func (s queries) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.q.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id=$1`, userID))
	if err != nil {
		return nil, notFound(err, "wallet", userID)
	}
	return w, nil
}

func (s queries) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	q := `SELECT id, user_id, pair_id, type, bucket, amount, balance_before, balance_after,
		ref_type, ref_id, description, created_at
		FROM wallet_transactions WHERE user_id=$1 ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.PairID, &t.Type, &t.Bucket, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.RefType, &t.RefID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── Orders / Escrow ──────────────────────────────────

const orderCols = `id, order_number, auction_id, buyer_id, seller_id, item_price, shipping_fee,
	platform_fee, tax_amount, total_amount, deposit_applied, currency, status, payment_due_at,
	paid_at, shipped_at, delivered_at, completed_at, cancelled_at, return_reason, created_at, updated_at`

func scanOrder(row scanner) (*model.Order, error) {
	o := &model.Order{}
	err := row.Scan(&o.ID, &o.OrderNumber, &o.AuctionID, &o.BuyerID, &o.SellerID, &o.ItemPrice, &o.ShippingFee,
		&o.PlatformFee, &o.TaxAmount, &o.TotalAmount, &o.DepositApplied, &o.Currency, &o.Status, &o.PaymentDueAt,
		&o.PaidAt, &o.ShippedAt, &o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.ReturnReason, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s queries) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (s queries) GetOrderByAuction(ctx context.Context, auctionID string) (*model.Order, error) {
	o, err := scanOrder(s.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE auction_id=$1`, auctionID))
	if err != nil {
		return nil, notFound(err, "order for auction", auctionID)
	}
	return o, nil
}

func (s queries) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE buyer_id=$1 OR seller_id=$1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s queries) ListOrdersByStatus(ctx context.Context, statuses ...model.OrderStatus) ([]model.Order, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE status = ANY($1) ORDER BY created_at, id`, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s queries) GetEscrowByOrder(ctx context.Context, orderID string) (*model.Escrow, error) {
	e := &model.Escrow{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, order_id, amount, currency, status, held_at, released_at FROM escrows WHERE order_id=$1`, orderID,
	).Scan(&e.ID, &e.OrderID, &e.Amount, &e.Currency, &e.Status, &e.HeldAt, &e.ReleasedAt)
	if err != nil {
		return nil, notFound(err, "escrow for order", orderID)
	}
	return e, nil
}

// ── Watches / Events ─────────────────────────────────

func (s queries) IsWatching(ctx context.Context, auctionID, userID string) (bool, error) {
	var ok bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM auction_watchers WHERE auction_id=$1 AND user_id=$2)`, auctionID, userID,
	).Scan(&ok)
	return ok, err
}

func (s queries) ListWatchedAuctions(ctx context.Context, userID string) ([]model.Auction, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+auctionCols+` FROM auctions
		WHERE id IN (SELECT auction_id FROM auction_watchers WHERE user_id=$1)
		ORDER BY (SELECT w.created_at FROM auction_watchers w
			WHERE w.auction_id = auctions.id AND w.user_id=$1) DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s queries) ListEvents(ctx context.Context, auctionID string, limit int) ([]model.Event, error) {
	q := `SELECT id, auction_id, type, payload, created_at FROM event_log`
	var args []any
	if auctionID != "" {
		args = append(args, auctionID)
		q += ` WHERE auction_id=$1`
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var e model.Event
		var auction sql.NullString
		var raw []byte
		if err := rows.Scan(&e.ID, &auction, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AuctionID = auction.String
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Transactions ─────────────────────────────────────

type tx struct {
	queries
	tx     *sql.Tx
	locked map[string]bool
}

func (t *tx) exec(ctx context.Context, what string, q string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.ErrNotFound.With("%s: no row", what)
	}
	return nil
}

func (t *tx) InsertAuction(ctx context.Context, a *model.Auction) error {
	return t.exec(ctx, "insert auction", `INSERT INTO auctions (`+auctionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`,
		a.ID, a.SellerID, a.Title, a.Type, a.StartingPrice, a.BidIncrement,
		a.ReservePrice, a.BuyNowPrice, a.CurrentPrice, a.DepositPercentage, a.DepositAmount, a.Currency,
		a.QualificationStartTime, a.QualificationEndTime, a.StartTime, a.EndTime, a.ActualEndTime,
		a.Status, a.MinimumParticipants, a.QualifiedCount, a.BidCount, a.WatchCount, a.AutoExtend,
		a.ExtensionMinutes, a.WinnerID, a.WinningBidID, a.EmergencyStopReason, a.ClosedAt,
		a.CreatedAt, a.UpdatedAt)
}

func (t *tx) UpdateAuction(ctx context.Context, a *model.Auction) error {
	return t.exec(ctx, "update auction", `UPDATE auctions SET
		current_price=$2, actual_end_time=$3, status=$4, qualified_count=$5, bid_count=$6,
		watch_count=$7, winner_id=$8, winning_bid_id=$9, emergency_stop_reason=$10, closed_at=$11,
		updated_at=$12
		WHERE id=$1`,
		a.ID, a.CurrentPrice, a.ActualEndTime, a.Status, a.QualifiedCount, a.BidCount,
		a.WatchCount, a.WinnerID, a.WinningBidID, a.EmergencyStopReason, a.ClosedAt, a.UpdatedAt)
}

func (t *tx) InsertBid(ctx context.Context, b *model.Bid) error {
	err := t.exec(ctx, "insert bid", `INSERT INTO bids (`+bidCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.IsAutoBid, b.AutoBidID, b.IsBuyNow, b.Status, b.Seq, b.CreatedAt)
	if uniqueViolation(err) {
		return apperr.Invariant("bid seq %d or leader conflict on auction %s", b.Seq, b.AuctionID)
	}
	return err
}

func (t *tx) UpdateBidStatus(ctx context.Context, id string, status model.BidStatus) error {
	return t.exec(ctx, "update bid", `UPDATE bids SET status=$2 WHERE id=$1`, id, status)
}

func (t *tx) InsertAutoBid(ctx context.Context, ab *model.AutoBid) error {
	err := t.exec(ctx, "insert auto-bid", `INSERT INTO auto_bids (`+autoBidCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ab.ID, ab.AuctionID, ab.UserID, ab.MaxAmount, ab.CurrentAmount, ab.IncrementAmount, ab.Status,
		ab.TotalAutoBids, ab.LastAutoBidAt, ab.CreatedAt, ab.UpdatedAt)
	if uniqueViolation(err) {
		return apperr.ErrInvalidInput.With("auto-bid for %s already exists", ab.UserID)
	}
	return err
}

func (t *tx) UpdateAutoBid(ctx context.Context, ab *model.AutoBid) error {
	return t.exec(ctx, "update auto-bid", `UPDATE auto_bids SET
		max_amount=$2, current_amount=$3, increment_amount=$4, status=$5, total_auto_bids=$6,
		last_auto_bid_at=$7, updated_at=$8
		WHERE id=$1`,
		ab.ID, ab.MaxAmount, ab.CurrentAmount, ab.IncrementAmount, ab.Status, ab.TotalAutoBids,
		ab.LastAutoBidAt, ab.UpdatedAt)
}

func (t *tx) InsertDeposit(ctx context.Context, d *model.Deposit) error {
	err := t.exec(ctx, "insert deposit", `INSERT INTO auction_deposits (`+depositCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.AuctionID, d.UserID, d.Amount, d.Status, d.Result, d.DepositedAt,
		d.AppliedAt, d.RefundedAt, d.ForfeitedAt)
	if uniqueViolation(err) {
		return apperr.ErrAlreadyQualified.With("deposit for %s already exists", d.UserID)
	}
	return err
}

func (t *tx) UpdateDeposit(ctx context.Context, d *model.Deposit) error {
	return t.exec(ctx, "update deposit", `UPDATE auction_deposits SET
		status=$2, auction_result=$3, applied_at=$4, refunded_at=$5, forfeited_at=$6
		WHERE id=$1`,
		d.ID, d.Status, d.Result, d.AppliedAt, d.RefundedAt, d.ForfeitedAt)
}

// LockWallets creates any missing wallets and then takes their row locks in
// user id order, which every transaction shares, so two transactions can
// never wait on each other in a cycle.
func (t *tx) LockWallets(ctx context.Context, userIDs ...string) error {
	var ids []string
	for _, id := range userIDs {
		if !t.locked[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id) SELECT unnest($1::text[]) ORDER BY 1 ON CONFLICT DO NOTHING`,
		pq.Array(ids)); err != nil {
		return fmt.Errorf("create wallets: %w", err)
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id FROM wallets WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("lock wallets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		t.locked[id] = true
	}
	return rows.Err()
}

func (t *tx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	if !t.locked[w.UserID] {
		return apperr.Invariant("wallet %s updated without holding its lock", w.UserID)
	}
	return t.exec(ctx, "update wallet", `UPDATE wallets SET
		available_balance=$2, locked_balance=$3, held_balance=$4, refund_balance=$5, updated_at=$6
		WHERE user_id=$1`,
		w.UserID, w.Available, w.Locked, w.Held, w.Refund, w.UpdatedAt)
}

func (t *tx) InsertWalletTransaction(ctx context.Context, wt *model.WalletTransaction) error {
	return t.exec(ctx, "insert wallet transaction", `INSERT INTO wallet_transactions
		(id, user_id, pair_id, type, bucket, amount, balance_before, balance_after, ref_type, ref_id, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		wt.ID, wt.UserID, wt.PairID, wt.Type, wt.Bucket, wt.Amount, wt.BalanceBefore, wt.BalanceAfter,
		wt.RefType, wt.RefID, wt.Description, wt.CreatedAt)
}

func (t *tx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.exec(ctx, "insert order", `INSERT INTO orders (`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, o.OrderNumber, o.AuctionID, o.BuyerID, o.SellerID, o.ItemPrice, o.ShippingFee,
		o.PlatformFee, o.TaxAmount, o.TotalAmount, o.DepositApplied, o.Currency, o.Status, o.PaymentDueAt,
		o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt, o.ReturnReason, o.CreatedAt, o.UpdatedAt)
	if uniqueViolation(err) {
		return apperr.Invariant("auction %s already has an order", o.AuctionID)
	}
	return err
}

func (t *tx) UpdateOrder(ctx context.Context, o *model.Order) error {
	return t.exec(ctx, "update order", `UPDATE orders SET
		status=$2, paid_at=$3, shipped_at=$4, delivered_at=$5, completed_at=$6, cancelled_at=$7,
		return_reason=$8, updated_at=$9
		WHERE id=$1`,
		o.ID, o.Status, o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt,
		o.ReturnReason, o.UpdatedAt)
}

func (t *tx) InsertEscrow(ctx context.Context, e *model.Escrow) error {
	return t.exec(ctx, "insert escrow", `INSERT INTO escrows (id, order_id, amount, currency, status, held_at, released_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.OrderID, e.Amount, e.Currency, e.Status, e.HeldAt, e.ReleasedAt)
}

func (t *tx) UpdateEscrow(ctx context.Context, e *model.Escrow) error {
	return t.exec(ctx, "update escrow", `UPDATE escrows SET amount=$2, status=$3, released_at=$4 WHERE id=$1`,
		e.ID, e.Amount, e.Status, e.ReleasedAt)
}

func (t *tx) SetWatch(ctx context.Context, auctionID, userID string, watching bool) error {
	if watching {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO auction_watchers (auction_id, user_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, auctionID, userID)
		return err
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM auction_watchers WHERE auction_id=$1 AND user_id=$2`, auctionID, userID)
	return err
}

func (t *tx) AppendEvent(ctx context.Context, e *model.Event) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return t.tx.QueryRowContext(ctx,
		`INSERT INTO event_log (auction_id, type, payload, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		nullString(e.AuctionID), e.Type, b, e.CreatedAt,
	).Scan(&e.ID)
}
