package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type AuctionType string

const (
	AuctionOpen   AuctionType = "open"
	AuctionSealed AuctionType = "sealed"
)

func (t AuctionType) Valid() bool { return t == AuctionOpen || t == AuctionSealed }

type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidOutbid    BidStatus = "outbid"
	BidWinning   BidStatus = "winning"
	BidWon       BidStatus = "won"
	BidCancelled BidStatus = "cancelled"
)

type AutoBidStatus string

const (
	AutoBidActive    AutoBidStatus = "active"
	AutoBidPaused    AutoBidStatus = "paused"
	AutoBidExhausted AutoBidStatus = "exhausted"
	AutoBidWon       AutoBidStatus = "won"
	AutoBidOutbid    AutoBidStatus = "outbid"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositHolding   DepositStatus = "holding"
	DepositApplied   DepositStatus = "applied"
	DepositRefunded  DepositStatus = "refunded"
	DepositForfeited DepositStatus = "forfeited"
	DepositCancelled DepositStatus = "cancelled"
)

// DepositResult records what happened to the bidder once the auction ended.
type DepositResult string

const (
	ResultWinner    DepositResult = "winner"
	ResultOutbid    DepositResult = "outbid"
	ResultCancelled DepositResult = "auction_cancelled"
)

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderRefunded       OrderStatus = "refunded"
	OrderDisputed       OrderStatus = "disputed"
)

type EscrowStatus string

const (
	EscrowHolding          EscrowStatus = "holding"
	EscrowReleasedToSeller EscrowStatus = "released_to_seller"
	EscrowRefundedToBuyer  EscrowStatus = "refunded_to_buyer"
	EscrowDisputed         EscrowStatus = "disputed"
)

func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleasedToSeller || s == EscrowRefundedToBuyer
}

// ── Domain Objects ───────────────────────────────────

type Auction struct {
	ID       string      `json:"id"`
	SellerID string      `json:"seller_id"`
	Title    string      `json:"title"`
	Type     AuctionType `json:"auction_type"`

	StartingPrice int64  `json:"starting_price"`
	BidIncrement  int64  `json:"bid_increment"`
	ReservePrice  *int64 `json:"reserve_price"`
	BuyNowPrice   *int64 `json:"buy_now_price"`
	CurrentPrice  *int64 `json:"current_price"`

	DepositPercentage decimal.Decimal `json:"deposit_percentage"`
	DepositAmount     int64           `json:"deposit_amount"`
	Currency          string          `json:"currency"`

	QualificationStartTime *time.Time `json:"qualification_start_time"`
	QualificationEndTime   *time.Time `json:"qualification_end_time"`
	StartTime              time.Time  `json:"start_time"`
	EndTime                time.Time  `json:"end_time"`
	ActualEndTime          time.Time  `json:"actual_end_time"`

	Status              AuctionStatus `json:"status"`
	MinimumParticipants int           `json:"minimum_participants"`
	QualifiedCount      int           `json:"qualified_count"`
	BidCount            int           `json:"bid_count"`
	WatchCount          int           `json:"watch_count"`

	AutoExtend       bool `json:"auto_extend"`
	ExtensionMinutes int  `json:"extension_minutes"`

	WinnerID            *string    `json:"winner_id"`
	WinningBidID        *string    `json:"winning_bid_id"`
	EmergencyStopReason *string    `json:"emergency_stop_reason,omitempty"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Price is the current price, or the starting price before the first bid.
func (a *Auction) Price() int64 {
	if a.CurrentPrice != nil {
		return *a.CurrentPrice
	}
	return a.StartingPrice
}

// MinNextBid is the lowest amount an open-auction bid may carry. It
// saturates at MaxAmount, so a bid at the cap can never be outbid.
func (a *Auction) MinNextBid() int64 {
	p := a.Price()
	if p > MaxAmount-a.BidIncrement {
		return MaxAmount + 1
	}
	return p + a.BidIncrement
}

func (a *Auction) ExtensionWindow() time.Duration {
	return time.Duration(a.ExtensionMinutes) * time.Minute
}

// ActivationTime is when qualification closes and bidding may begin.
func (a *Auction) ActivationTime() time.Time {
	if a.QualificationEndTime != nil && a.QualificationEndTime.After(a.StartTime) {
		return *a.QualificationEndTime
	}
	return a.StartTime
}

// QualificationOpensAt is when the auction leaves pending.
func (a *Auction) QualificationOpensAt() time.Time {
	if a.QualificationStartTime != nil {
		return *a.QualificationStartTime
	}
	return a.CreatedAt
}

type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	IsAutoBid bool      `json:"is_auto_bid"`
	AutoBidID *string   `json:"auto_bid_id"`
	IsBuyNow  bool      `json:"is_buy_now"`
	Status    BidStatus `json:"status"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

type AutoBid struct {
	ID              string        `json:"id"`
	AuctionID       string        `json:"auction_id"`
	UserID          string        `json:"user_id"`
	MaxAmount       int64         `json:"max_amount"`
	CurrentAmount   int64         `json:"current_amount"`
	IncrementAmount *int64        `json:"increment_amount"`
	Status          AutoBidStatus `json:"status"`
	TotalAutoBids   int           `json:"total_auto_bids"`
	LastAutoBidAt   *time.Time    `json:"last_auto_bid_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type Deposit struct {
	ID          string         `json:"id"`
	AuctionID   string         `json:"auction_id"`
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Status      DepositStatus  `json:"status"`
	Result      *DepositResult `json:"auction_result"`
	DepositedAt time.Time      `json:"deposited_at"`
	AppliedAt   *time.Time     `json:"applied_at,omitempty"`
	RefundedAt  *time.Time     `json:"refunded_at,omitempty"`
	ForfeitedAt *time.Time     `json:"forfeited_at,omitempty"`
}

type Order struct {
	ID             string      `json:"id"`
	OrderNumber    string      `json:"order_number"`
	AuctionID      string      `json:"auction_id"`
	BuyerID        string      `json:"buyer_id"`
	SellerID       string      `json:"seller_id"`
	ItemPrice      int64       `json:"item_price"`
	ShippingFee    int64       `json:"shipping_fee"`
	PlatformFee    int64       `json:"platform_fee"`
	TaxAmount      int64       `json:"tax_amount"`
	TotalAmount    int64       `json:"total_amount"`
	DepositApplied int64       `json:"deposit_applied"`
	Currency       string      `json:"currency"`
	Status         OrderStatus `json:"status"`
	PaymentDueAt   time.Time   `json:"payment_due_at"`
	PaidAt         *time.Time  `json:"paid_at"`
	ShippedAt      *time.Time  `json:"shipped_at"`
	DeliveredAt    *time.Time  `json:"delivered_at"`
	CompletedAt    *time.Time  `json:"completed_at"`
	CancelledAt    *time.Time  `json:"cancelled_at"`
	ReturnReason   *string     `json:"return_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AmountDue is what the buyer still owes on top of the applied deposit.
func (o *Order) AmountDue() int64 { return o.TotalAmount - o.DepositApplied }

type Escrow struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"order_id"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	Status     EscrowStatus `json:"status"`
	HeldAt     time.Time    `json:"held_at"`
	ReleasedAt *time.Time   `json:"released_at"`
}

type Watch struct {
	AuctionID string    `json:"auction_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Command Params ───────────────────────────────────

type CreateAuctionParams struct {
	Title                  string           `json:"title"`
	Type                   AuctionType      `json:"auction_type"`
	StartingPrice          int64            `json:"starting_price"`
	BidIncrement           int64            `json:"bid_increment"`
	ReservePrice           *int64           `json:"reserve_price"`
	BuyNowPrice            *int64           `json:"buy_now_price"`
	DepositPercentage      *decimal.Decimal `json:"deposit_percentage"`
	Currency               string           `json:"currency"`
	QualificationStartTime *time.Time       `json:"qualification_start_time"`
	QualificationEndTime   *time.Time       `json:"qualification_end_time"`
	StartTime              time.Time        `json:"start_time"`
	EndTime                time.Time        `json:"end_time"`
	MinimumParticipants    int              `json:"minimum_participants"`
	AutoExtend             bool             `json:"auto_extend"`
	ExtensionMinutes       int              `json:"extension_minutes"`
}

type QualifyResult struct {
	Deposit           Deposit `json:"deposit"`
	NewQualifiedCount int     `json:"new_qualified_count"`
}

type PlaceBidResult struct {
	Bid             Bid        `json:"bid"`
	NewCurrentPrice int64      `json:"new_current_price"`
	ActualEndTime   time.Time  `json:"actual_end_time"`
	AutoBids        []Bid      `json:"auto_bids,omitempty"`
	Extended        bool       `json:"extended"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

type BuyNowResult struct {
	OrderID    string `json:"order_id"`
	FinalPrice int64  `json:"final_price"`
}

type WatchResult struct {
	IsWatching    bool `json:"is_watching"`
	NewWatchCount int  `json:"new_watch_count"`
}

// MyBid is one auction a user takes part in, with their latest bid on it.
type MyBid struct {
	Auction   Auction    `json:"auction"`
	Deposit   *Deposit   `json:"deposit"`
	LatestBid *Bid       `json:"my_latest_bid"`
	BidStatus *BidStatus `json:"my_bid_status"`
}

type DashboardStats struct {
	ActiveBidsCount int `json:"active_bids_count"`
	WonCount        int `json:"won_count"`
	WatchingCount   int `json:"watching_count"`
}

// AuctionFilter narrows ListAuctions. Zero value lists everything.
type AuctionFilter struct {
	Statuses []AuctionStatus
	SellerID string
	Limit    int
}
