package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/schedule"
)

type ReservationStatus string

const (
	StatusHeld      ReservationStatus = "held"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusCompleted ReservationStatus = "completed"
)

// Terminal reports whether no further transition may leave the status.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Provider is a bookable professional: recurring weekly hours, a slot
// granularity, and the timezone those hours are declared in.
type Provider struct {
	ID           uuid.UUID
	Name         string
	Specialty    *string
	Timezone     string
	SlotMinutes  int
	WorkingHours schedule.WeeklyHours
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Template compiles the provider's working hours into a slot generator.
func (p *Provider) Template() (schedule.Template, error) {
	return schedule.NewTemplate(p.WorkingHours, p.SlotMinutes, p.Timezone)
}

// Reservation is the core mutable entity. Interval is half-open
// [StartTime, EndTime). HoldExpiresAt is meaningful only while held.
// Version increments on every transition and guards optimistic writes.
type Reservation struct {
	ID            uuid.UUID
	ProviderID    uuid.UUID
	PatientID     uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	Status        ReservationStatus
	HoldExpiresAt *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Interval returns the reservation's half-open time range.
func (r *Reservation) Interval() schedule.Interval {
	return schedule.Interval{Start: r.StartTime, End: r.EndTime}
}

// HoldExpired reports whether a held reservation's hold window has
// passed. Expired holds are inert: they never block a new proposal.
func (r *Reservation) HoldExpired(now time.Time) bool {
	return r.Status == StatusHeld && r.HoldExpiresAt != nil && r.HoldExpiresAt.Before(now)
}

// Blocking reports whether the reservation occupies calendar space as of
// now: confirmed, or held with an unexpired hold.
func (r *Reservation) Blocking(now time.Time) bool {
	switch r.Status {
	case StatusConfirmed:
		return true
	case StatusHeld:
		return !r.HoldExpired(now)
	default:
		return false
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	ReservationID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// DayAvailability is one day's open slots in a provider's calendar.
type DayAvailability struct {
	Date time.Time // midnight in the provider's timezone
	Open []schedule.Interval
}
