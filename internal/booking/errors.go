package booking

import (
	"errors"

	"github.com/clinicore/scheduling/internal/schedule"
)

var (
	// ErrSlotConflict: the proposed interval overlaps a blocking
	// reservation for the same provider. Recoverable; re-query and retry.
	ErrSlotConflict = errors.New("interval conflicts with an existing reservation")

	// ErrStaleVersion: expected version does not match the stored row.
	// Recoverable; re-fetch and retry.
	ErrStaleVersion = errors.New("reservation was modified concurrently")

	// ErrHoldExpired: the hold window lapsed before confirmation.
	// Terminal for that hold; the client must propose again.
	ErrHoldExpired = errors.New("hold has expired")

	// ErrNotYetElapsed: complete was called before the interval ended.
	ErrNotYetElapsed = errors.New("reservation interval has not yet elapsed")

	ErrInvalidStatusTransition = errors.New("invalid status transition")

	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrUnavailable: transient storage or lock failure that persisted
	// through bounded retries.
	ErrUnavailable = errors.New("scheduling backend temporarily unavailable")

	// Malformed input, re-exported so callers match one package.
	ErrInvalidInterval = schedule.ErrInvalidInterval
	ErrInvalidTemplate = schedule.ErrInvalidTemplate
)
