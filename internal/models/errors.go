package models

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderingViolation marks a tick whose timestamp is not after the last ingested one.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrInsufficientHistory marks a window or symbol without enough observations.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrUpstreamUnavailable is the parent of every tick source failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrUpstreamUnavailable)
	ErrNetwork     = fmt.Errorf("%w: network error", ErrUpstreamUnavailable)

	// ErrMalformedRecord marks an unparseable persisted or upstream record.
	ErrMalformedRecord = errors.New("malformed record")
)
