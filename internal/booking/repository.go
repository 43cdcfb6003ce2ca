package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/schedule"
)

// Repository contains all storage interactions needed by the service.
// Overlap and blocking queries take an explicit now so that expired holds
// are inert the instant they lapse, without waiting for the sweep.
type Repository interface {
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetReservationByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListReservationsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Reservation, error)

	// Conflict detector and availability feed.
	HasOverlap(ctx context.Context, providerID uuid.UUID, iv schedule.Interval, exclude uuid.UUID, now time.Time) (bool, error)
	ListBlockingIntervals(ctx context.Context, providerID uuid.UUID, window schedule.Interval, now time.Time) ([]schedule.Interval, error)

	// CreateHeldReservation inserts a new reservation in held state at
	// version 1. Callers must hold the provider lock across the overlap
	// check and this insert.
	CreateHeldReservation(ctx context.Context, providerID, patientID uuid.UUID, iv schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error)

	// UpdateReservationStatus transitions a reservation iff its stored
	// version equals expectedVersion, bumping the version and clearing the
	// hold deadline when leaving held. Returns ErrStaleVersion on a
	// version miss and ErrReservationNotFound when no such row exists.
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, to ReservationStatus, now time.Time) (*Reservation, error)

	// RescheduleReservation atomically cancels old and inserts a fresh
	// hold on newInterval for the same provider and patient. If the new
	// interval overlaps a blocking reservation (other than old itself)
	// nothing changes and ErrSlotConflict is returned.
	RescheduleReservation(ctx context.Context, old *Reservation, newInterval schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error)

	// FindExpiredHolds returns held reservations whose hold deadline has
	// passed, oldest first, for the background sweep.
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
