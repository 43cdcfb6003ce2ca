package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling/internal/schedule"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var specialty *string
	var hoursJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&specialty,
		&p.Timezone,
		&p.SlotMinutes,
		&hoursJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	if len(hoursJSON) > 0 {
		if err := json.Unmarshal(hoursJSON, &p.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours for provider %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var holdExpiresAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.ProviderID,
		&r.PatientID,
		&r.StartTime,
		&r.EndTime,
		&r.Status,
		&holdExpiresAt,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	r.HoldExpiresAt = holdExpiresAt
	return &r, nil
}

const reservationColumns = `id, provider_id, patient_id, start_time, end_time, status, hold_expires_at, version, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, slot_minutes, working_hours, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetReservationByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (r *PgRepository) ListReservationsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectReservations(rows)
}

// The blocking predicate in the queries below selects rows that occupy
// calendar space as of the bound "now" parameter: confirmed, or held with
// an unexpired hold. A hold stays live through its deadline instant,
// mirroring Reservation.HoldExpired; past it the row falls through and
// never blocks a proposal, even before the sweep cancels it.

func (r *PgRepository) HasOverlap(ctx context.Context, providerID uuid.UUID, iv schedule.Interval, exclude uuid.UUID, now time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE provider_id = $1
			  AND id <> $2
			  AND (status = 'confirmed' OR (status = 'held' AND hold_expires_at >= $3))
			  AND start_time < $4 AND $5 < end_time
		)
	`, providerID, exclude, now, iv.End, iv.Start).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("overlap check: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) ListBlockingIntervals(ctx context.Context, providerID uuid.UUID, window schedule.Interval, now time.Time) ([]schedule.Interval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM reservations
		WHERE provider_id = $1
		  AND (status = 'confirmed' OR (status = 'held' AND hold_expires_at >= $2))
		  AND start_time < $3 AND $4 < end_time
		ORDER BY start_time
	`, providerID, now, window.End, window.Start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []schedule.Interval
	for rows.Next() {
		var iv schedule.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		result = append(result, iv)
	}
	return result, rows.Err()
}

func (r *PgRepository) CreateHeldReservation(ctx context.Context, providerID, patientID uuid.UUID, iv schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error) {
	return createHeld(ctx, r.pool, providerID, patientID, iv, holdExpiresAt, now)
}

// querier covers both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createHeld(ctx context.Context, q querier, providerID, patientID uuid.UUID, iv schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error) {
	id := uuid.New()

	row := q.QueryRow(ctx, `
		INSERT INTO reservations (id, provider_id, patient_id, start_time, end_time, status, hold_expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'held', $6, 1, $7, $7)
		RETURNING `+reservationColumns+`
	`, id, providerID, patientID, iv.Start, iv.End, holdExpiresAt, now)

	return scanReservation(row)
}

func (r *PgRepository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, to ReservationStatus, now time.Time) (*Reservation, error) {
	return updateStatus(ctx, r.pool, id, expectedVersion, to, now)
}

func updateStatus(ctx context.Context, q querier, id uuid.UUID, expectedVersion int64, to ReservationStatus, now time.Time) (*Reservation, error) {
	row := q.QueryRow(ctx, `
		UPDATE reservations
		SET status = $3,
		    hold_expires_at = CASE WHEN $3 = 'held' THEN hold_expires_at ELSE NULL END,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $1
		  AND version = $2
		RETURNING `+reservationColumns+`
	`, id, expectedVersion, to, now)

	updated, err := scanReservation(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	// No row matched: distinguish a missing reservation from a lost
	// version race.
	var exists bool
	if probeErr := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); probeErr != nil {
		return nil, probeErr
	}
	if exists {
		return nil, ErrStaleVersion
	}
	return nil, ErrReservationNotFound
}

func (r *PgRepository) RescheduleReservation(ctx context.Context, old *Reservation, newInterval schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reschedule: %w", err)
	}
	defer tx.Rollback(ctx)

	// The new interval must be clear before the old reservation is
	// touched; the old row itself never blocks its own replacement.
	var conflict bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE provider_id = $1
			  AND id <> $2
			  AND (status = 'confirmed' OR (status = 'held' AND hold_expires_at >= $3))
			  AND start_time < $4 AND $5 < end_time
		)
	`, old.ProviderID, old.ID, now, newInterval.End, newInterval.Start).Scan(&conflict)
	if err != nil {
		return nil, fmt.Errorf("reschedule overlap check: %w", err)
	}
	if conflict {
		return nil, ErrSlotConflict
	}

	if _, err := updateStatus(ctx, tx, old.ID, old.Version, StatusCancelled, now); err != nil {
		return nil, err
	}

	created, err := createHeld(ctx, tx, old.ProviderID, old.PatientID, newInterval, holdExpiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("create rescheduled hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reschedule: %w", err)
	}
	return created, nil
}

func (r *PgRepository) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'held'
		  AND hold_expires_at IS NOT NULL
		  AND hold_expires_at < $1
		ORDER BY hold_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectReservations(rows)
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	var result []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, reservation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ReservationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
