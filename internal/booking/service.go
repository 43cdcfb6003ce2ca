package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/scheduling/internal/clock"
	"github.com/clinicore/scheduling/internal/config"
	redisclient "github.com/clinicore/scheduling/internal/redis"
	"github.com/clinicore/scheduling/internal/schedule"
)

// Availability queries are capped to keep a single request from walking
// an unbounded calendar.
const maxAvailabilityDays = 31

// Proposals further than this past "now" are rejected as malformed.
const maxBookingHorizon = 365 * 24 * time.Hour

// Command structs: one per operation, each listing exactly the fields the
// operation reads. No partial-update maps.

type ProposeBooking struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Interval   schedule.Interval
}

type ConfirmBooking struct {
	ReservationID   uuid.UUID
	ExpectedVersion int64
}

type CancelBooking struct {
	ReservationID   uuid.UUID
	ExpectedVersion int64
	Reason          string
}

type RescheduleBooking struct {
	ReservationID uuid.UUID
	NewInterval   schedule.Interval
}

type CompleteBooking struct {
	ReservationID uuid.UUID
}

// Service is the scheduler orchestrator: it composes the slot template,
// the availability subtraction, the conflict detector, and the
// reservation state machine behind a per-provider lock.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	clk      clock.Clock
	cfg      config.Config
	log      zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, clk clock.Clock, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		log:      log,
	}
}

// GetAvailability returns each day's open slots for the provider between
// from and to (inclusive). Only the date components of from and to are
// read; they name calendar days in the provider's timezone, so a request
// for 2026-09-01 means that Tuesday on the provider's wall clock no
// matter what zone the arguments carry. Reads take no lock; they may
// trail an in-flight booking by at most the lock hold time.
func (s *Service) GetAvailability(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]DayAvailability, error) {
	provider, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	tpl, err := provider.Template()
	if err != nil {
		return nil, err
	}

	loc := tpl.Location()
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	first := time.Date(fy, fm, fd, 0, 0, 0, 0, loc)
	last := time.Date(ty, tm, td, 0, 0, 0, 0, loc)

	if last.Before(first) {
		return nil, fmt.Errorf("%w: date range end precedes start", ErrInvalidInterval)
	}
	if last.Sub(first) > maxAvailabilityDays*24*time.Hour {
		return nil, fmt.Errorf("%w: date range exceeds %d days", ErrInvalidInterval, maxAvailabilityDays)
	}

	now := s.clk.Now()

	var days []DayAvailability
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		y, m, d := day.Date()
		candidates := tpl.SlotsOn(y, m, d)

		open := candidates
		if len(candidates) > 0 {
			window := schedule.Interval{
				Start: candidates[0].Start,
				End:   candidates[len(candidates)-1].End,
			}
			busy, err := s.repo.ListBlockingIntervals(ctx, providerID, window, now)
			if err != nil {
				return nil, fmt.Errorf("list blocking intervals: %w", err)
			}
			open = schedule.OpenSlots(candidates, busy)
		}

		days = append(days, DayAvailability{Date: day, Open: open})
	}

	return days, nil
}

// RequestBooking reserves an interval for a patient. The conflict check
// and the insert run as one atomic unit inside the provider lock, so two
// overlapping proposals for the same provider cannot both succeed.
func (s *Service) RequestBooking(ctx context.Context, cmd ProposeBooking) (*Reservation, error) {
	now := s.clk.Now()
	if err := s.validateProposedInterval(cmd.Interval, now); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, cmd.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetProviderByID(ctx, cmd.ProviderID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	var created *Reservation

	err := s.locker.WithProviderLock(ctx, cmd.ProviderID, func(lockCtx context.Context) error {
		// Re-check inside the critical section: availability seen by the
		// client may already be stale.
		conflict, err := s.repo.HasOverlap(lockCtx, cmd.ProviderID, cmd.Interval, uuid.Nil, now)
		if err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if conflict {
			return ErrSlotConflict
		}

		holdExpiresAt := now.Add(s.cfg.HoldDuration)
		res, err := s.repo.CreateHeldReservation(lockCtx, cmd.ProviderID, cmd.PatientID, cmd.Interval, holdExpiresAt, now)
		if err != nil {
			return fmt.Errorf("create held reservation: %w", err)
		}

		created = res
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: provider lock contention", ErrUnavailable)
		}
		return nil, err
	}

	s.emitEvent(ctx, created.ID, EventReservationHeld, map[string]any{
		"provider_id":     created.ProviderID.String(),
		"patient_id":      created.PatientID.String(),
		"start_time":      created.StartTime,
		"end_time":        created.EndTime,
		"hold_expires_at": created.HoldExpiresAt,
	})

	return created, nil
}

// ConfirmBooking moves a held reservation to confirmed, guarded by the
// caller's expected version and the hold deadline.
func (s *Service) ConfirmBooking(ctx context.Context, cmd ConfirmBooking) (*Reservation, error) {
	res, err := s.repo.GetReservationByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}

	if res.Version != cmd.ExpectedVersion {
		return nil, ErrStaleVersion
	}

	now := s.clk.Now()
	if res.HoldExpired(now) {
		// Sweep the dead hold eagerly; a lost version race here means
		// someone else already moved it, which is fine.
		if _, err := s.repo.UpdateReservationStatus(ctx, res.ID, res.Version, StatusCancelled, now); err == nil {
			s.emitEvent(ctx, res.ID, EventReservationCancelled, map[string]any{"reason": "hold_expired_on_confirm"})
		}
		return nil, ErrHoldExpired
	}

	if res.Status != StatusHeld {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateReservationStatus(ctx, res.ID, cmd.ExpectedVersion, StatusConfirmed, now)
	if err != nil {
		return nil, err
	}

	s.emitEvent(ctx, updated.ID, EventReservationConfirmed, map[string]any{})
	return updated, nil
}

// CancelBooking cancels a held or confirmed reservation. Cancelling an
// already-cancelled reservation returns its current state without error.
func (s *Service) CancelBooking(ctx context.Context, cmd CancelBooking) (*Reservation, error) {
	res, err := s.repo.GetReservationByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}

	if res.Status == StatusCancelled {
		return res, nil
	}
	if res.Status == StatusCompleted {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateReservationStatus(ctx, res.ID, cmd.ExpectedVersion, StatusCancelled, s.clk.Now())
	if err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if cmd.Reason != "" {
		payload["reason"] = cmd.Reason
	}
	s.emitEvent(ctx, updated.ID, EventReservationCancelled, payload)

	return updated, nil
}

// RescheduleBooking atomically replaces a reservation's interval: the old
// row is cancelled and a fresh hold created in one transaction under the
// provider lock. On conflict the old reservation is left untouched.
func (s *Service) RescheduleBooking(ctx context.Context, cmd RescheduleBooking) (*Reservation, error) {
	res, err := s.repo.GetReservationByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	if res.Status.Terminal() {
		return nil, ErrInvalidStatusTransition
	}
	if res.HoldExpired(now) {
		return nil, ErrHoldExpired
	}
	if err := s.validateProposedInterval(cmd.NewInterval, now); err != nil {
		return nil, err
	}

	var created *Reservation

	err = s.locker.WithProviderLock(ctx, res.ProviderID, func(lockCtx context.Context) error {
		holdExpiresAt := now.Add(s.cfg.HoldDuration)
		replacement, err := s.repo.RescheduleReservation(lockCtx, res, cmd.NewInterval, holdExpiresAt, now)
		if err != nil {
			return err
		}
		created = replacement
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: provider lock contention", ErrUnavailable)
		}
		return nil, err
	}

	s.emitEvent(ctx, created.ID, EventReservationRescheduled, map[string]any{
		"replaces":   res.ID.String(),
		"start_time": created.StartTime,
		"end_time":   created.EndTime,
	})

	return created, nil
}

// CompleteBooking marks a confirmed reservation completed once its
// interval has elapsed.
func (s *Service) CompleteBooking(ctx context.Context, cmd CompleteBooking) (*Reservation, error) {
	res, err := s.repo.GetReservationByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}

	if res.Status != StatusConfirmed {
		return nil, ErrInvalidStatusTransition
	}

	now := s.clk.Now()
	if now.Before(res.EndTime) {
		return nil, ErrNotYetElapsed
	}

	updated, err := s.repo.UpdateReservationStatus(ctx, res.ID, res.Version, StatusCompleted, now)
	if err != nil {
		return nil, err
	}

	s.emitEvent(ctx, updated.ID, EventReservationCompleted, map[string]any{})
	return updated, nil
}

// SweepExpiredHolds cancels holds whose deadline has passed. Each
// cancellation goes through the same version check as an explicit cancel,
// so a hold confirmed microseconds before the sweep is never clobbered.
// Returns the number of holds cancelled.
func (s *Service) SweepExpiredHolds(ctx context.Context) (int, error) {
	now := s.clk.Now()
	expired, err := s.repo.FindExpiredHolds(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find expired holds: %w", err)
	}

	swept := 0
	for _, res := range expired {
		_, err := s.repo.UpdateReservationStatus(ctx, res.ID, res.Version, StatusCancelled, now)
		if err != nil {
			if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrReservationNotFound) {
				continue // lost the race to a confirm or explicit cancel
			}
			s.log.Error().Err(err).Stringer("reservation_id", res.ID).Msg("sweep cancel failed")
			continue
		}
		swept++
		s.emitEvent(ctx, res.ID, EventReservationCancelled, map[string]any{"reason": "hold_expired"})
	}

	return swept, nil
}

// GetReservation retrieves a reservation by ID.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.repo.GetReservationByID(ctx, id)
}

// ListReservationsByPatient retrieves a patient's reservations, newest
// start time first.
func (s *Service) ListReservationsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListReservationsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) validateProposedInterval(iv schedule.Interval, now time.Time) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	if iv.Start.Before(now) {
		return fmt.Errorf("%w: interval starts in the past", ErrInvalidInterval)
	}
	if iv.Start.After(now.Add(maxBookingHorizon)) {
		return fmt.Errorf("%w: interval starts beyond the booking horizon", ErrInvalidInterval)
	}
	if iv.Duration() > 24*time.Hour {
		return fmt.Errorf("%w: interval longer than one day", ErrInvalidInterval)
	}
	return nil
}

// emitEvent records a transition durably and fans it out. Failures are
// logged, never propagated: collaborator trouble must not roll back a
// committed transition.
func (s *Service) emitEvent(ctx context.Context, reservationID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	resID := reservationID
	ev := EventLog{
		EventType:     eventType,
		ReservationID: &resID,
		Payload:       data,
		CreatedAt:     s.clk.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Stringer("reservation_id", reservationID).Msg("insert event log")
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, Event{
			Type:          eventType,
			ReservationID: reservationID,
			Payload:       payload,
			At:            ev.CreatedAt,
		})
	}
}
