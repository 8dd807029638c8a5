package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestWithKeepsIdentity(t *testing.T) {
	err := ErrBidTooLow.With("minimum is %d", 110)
	check.True(t, errors.Is(err, ErrBidTooLow))
	check.False(t, errors.Is(err, ErrBelowStarting))
	check.Equal(t, "bid_too_low: minimum is 110", err.Error())

	// sentinel is not mutated
	check.Equal(t, "", ErrBidTooLow.Msg)
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("place bid: %w", ErrNotActive)
	check.Equal(t, KindState, KindOf(err))
	check.True(t, IsState(err))
	check.Equal(t, "not_active", CodeOf(err))

	check.Equal(t, KindInternal, KindOf(errors.New("boom")))
	check.Equal(t, "internal", CodeOf(errors.New("boom")))
	check.False(t, IsInternal(nil))
}

func TestInvariant(t *testing.T) {
	err := Invariant("two winning bids on %s", "a1")
	check.True(t, IsInternal(err))
	check.True(t, errors.Is(err, ErrInvariant))
}
