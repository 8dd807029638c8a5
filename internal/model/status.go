package model

type AuctionStatus string

const (
	StatusDraft            AuctionStatus = "draft"
	StatusPending          AuctionStatus = "pending"
	StatusQualifying       AuctionStatus = "qualifying"
	StatusActive           AuctionStatus = "active"
	StatusEnded            AuctionStatus = "ended"
	StatusSold             AuctionStatus = "sold"
	StatusCancelled        AuctionStatus = "cancelled"
	StatusFailed           AuctionStatus = "failed"
	StatusEmergencyStopped AuctionStatus = "emergency_stopped"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s AuctionStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusSold, StatusCancelled, StatusFailed, StatusEmergencyStopped:
		return true
	}
	return false
}

// transitions lists the forward edges of the lifecycle. emergency_stopped is
// added for every non-terminal state in CanTransition.
var transitions = map[AuctionStatus][]AuctionStatus{
	StatusDraft:      {StatusPending, StatusCancelled},
	StatusPending:    {StatusQualifying, StatusCancelled},
	StatusQualifying: {StatusActive, StatusFailed, StatusCancelled},
	StatusActive:     {StatusEnded, StatusSold},
}

func CanTransition(from, to AuctionStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusEmergencyStopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses are the states the scheduler has to keep track of.
var NonTerminalStatuses = []AuctionStatus{StatusDraft, StatusPending, StatusQualifying, StatusActive}
