package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrTicketNotFound is returned when an operation names a ticket the
// store has never seen. Non-retriable.
var ErrTicketNotFound = errors.New("ticket not found")

// AlreadyClaimedError is the expected conflict when a claim attempt
// loses the race: it carries the winner so callers can display current
// ownership. Not an infrastructure error.
type AlreadyClaimedError struct {
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("ticket already claimed by %s", e.Owner)
}

// NotOwnerError is returned when an actor tries to release a claim held
// by someone else.
type NotOwnerError struct {
	Owner string `json:"owner"`
}

func (e *NotOwnerError) Error() string {
	if e.Owner == "" {
		return "ticket is not claimed"
	}
	return fmt.Sprintf("ticket is claimed by %s", e.Owner)
}

// IsConflict reports whether err is one of the ownership conflicts that
// are expected in normal operation and should not be logged as errors.
func IsConflict(err error) bool {
	var ac *AlreadyClaimedError
	var no *NotOwnerError
	return errors.As(err, &ac) || errors.As(err, &no)
}
