package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoRoute means a single venue could not quote the pair. It is a
	// normal, recoverable condition, not an exceptional one.
	ErrNoRoute = errors.New("no route")
	// ErrRateLimited is transient throttling. Callers must back off; it is
	// never evidence of missing liquidity.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout is a venue call that exceeded its deadline.
	ErrTimeout = errors.New("venue timeout")
	// ErrMalformed is an unparseable or non-2xx venue response.
	ErrMalformed = errors.New("malformed venue response")

	// ErrHoneypot means the sell simulation conclusively failed.
	ErrHoneypot = errors.New("token cannot be sold")
	// ErrHighTax means the token is sellable but the estimated sell tax
	// exceeds the configured block threshold.
	ErrHighTax = errors.New("sell tax above threshold")

	// ErrBalanceMismatch means the on-chain balance differs materially from
	// the recorded one. The chain value wins.
	ErrBalanceMismatch = errors.New("on-chain balance mismatch")
	// ErrTokenNotHeld means the wallet no longer holds the token.
	ErrTokenNotHeld = errors.New("token not held")
	// ErrLockBusy means another exit attempt for the same token is in flight.
	ErrLockBusy = errors.New("sell already in progress")
	// ErrUnconfirmed means a submitted transaction was not confirmed within
	// the wait budget; it may still land.
	ErrUnconfirmed = errors.New("transaction unconfirmed")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrSigningFailed = errors.New("signing failed")
)

// NoRouteError aggregates the per-venue failure reasons after every venue in
// the priority chain was tried. It unwraps to ErrNoRoute so callers keep using
// errors.Is.
type NoRouteError struct {
	Reasons map[string]error // venue name -> failure
}

func (e *NoRouteError) Error() string {
	if len(e.Reasons) == 0 {
		return "no route on any venue"
	}
	names := make([]string, 0, len(e.Reasons))
	for v := range e.Reasons {
		names = append(names, v)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, v := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", v, e.Reasons[v]))
	}
	return "no route on any venue (" + strings.Join(parts, "; ") + ")"
}

func (e *NoRouteError) Unwrap() error {
	return ErrNoRoute
}
