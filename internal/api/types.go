package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/booking"
	"github.com/clinicore/scheduling/internal/schedule"
)

type CreateBookingRequest struct {
	ProviderID string    `json:"provider_id"`
	PatientID  string    `json:"patient_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

type ConfirmBookingRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type CancelBookingRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

type RescheduleBookingRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type ReservationResponse struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	Version       int64      `json:"version"`
}

func toReservationResponse(r *booking.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:            r.ID,
		ProviderID:    r.ProviderID,
		PatientID:     r.PatientID,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Status:        string(r.Status),
		HoldExpiresAt: r.HoldExpiresAt,
		Version:       r.Version,
	}
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type DayAvailabilityResponse struct {
	Date string         `json:"date"` // YYYY-MM-DD in the provider's timezone
	Open []SlotResponse `json:"open"`
}

func toDayAvailabilityResponse(day booking.DayAvailability) DayAvailabilityResponse {
	open := make([]SlotResponse, 0, len(day.Open))
	for _, iv := range day.Open {
		open = append(open, SlotResponse{Start: iv.Start, End: iv.End})
	}
	return DayAvailabilityResponse{
		Date: day.Date.Format("2006-01-02"),
		Open: open,
	}
}

func toInterval(start, end time.Time) schedule.Interval {
	return schedule.Interval{Start: start, End: end}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
