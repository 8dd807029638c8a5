package model

import "time"

type EventType string

const (
	EventBidAccepted          EventType = "BidAccepted"
	EventBidRejected          EventType = "BidRejected"
	EventAuctionExtended      EventType = "AuctionExtended"
	EventAuctionClosed        EventType = "AuctionClosed"
	EventAuctionStatusChanged EventType = "AuctionStatusChanged"
	EventDepositStatusChanged EventType = "DepositStatusChanged"
	EventOrderCreated         EventType = "OrderCreated"
	EventOrderStatusChanged   EventType = "OrderStatusChanged"
	EventEscrowReleased       EventType = "EscrowReleased"
)

// Event is an engine notification. Events are appended to the event log in
// the same transaction as the change they describe and delivered afterwards.
type Event struct {
	ID        int64     `json:"id"`
	AuctionID string    `json:"auction_id,omitempty"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
