package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/booking"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func getAvailabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		from, err := parseDateParam(r, "from")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
			return
		}
		to, err := parseDateParam(r, "to")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
			return
		}

		days, err := svc.GetAvailability(r.Context(), providerID, from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]DayAvailabilityResponse, 0, len(days))
		for _, day := range days {
			resp = append(resp, toDayAvailabilityResponse(day))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, errors.New(name + " query parameter is required (YYYY-MM-DD)")
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New(name + " must be a YYYY-MM-DD date")
	}
	return t, nil
}

func createBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		res, err := svc.RequestBooking(r.Context(), booking.ProposeBooking{
			ProviderID: providerID,
			PatientID:  patientID,
			Interval:   toInterval(req.StartTime, req.EndTime),
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toReservationResponse(res))
	}
}

func confirmBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
			return
		}

		var req ConfirmBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.ConfirmBooking(r.Context(), booking.ConfirmBooking{
			ReservationID:   id,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func cancelBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
			return
		}

		var req CancelBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.CancelBooking(r.Context(), booking.CancelBooking{
			ReservationID:   id,
			ExpectedVersion: req.ExpectedVersion,
			Reason:          req.Reason,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func rescheduleBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
			return
		}

		var req RescheduleBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.RescheduleBooking(r.Context(), booking.RescheduleBooking{
			ReservationID: id,
			NewInterval:   toInterval(req.StartTime, req.EndTime),
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func completeBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
			return
		}

		res, err := svc.CompleteBooking(r.Context(), booking.CompleteBooking{ReservationID: id})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func getBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
			return
		}

		res, err := svc.GetReservation(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

func listBookingsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id query parameter must be a valid UUID")
			return
		}

		limit := parseIntParam(r, "limit", 20)
		offset := parseIntParam(r, "offset", 0)

		reservations, err := svc.ListReservationsByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]ReservationResponse, 0, len(reservations))
		for i := range reservations {
			resp = append(resp, toReservationResponse(&reservations[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// handleServiceError maps the booking error taxonomy to HTTP codes.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "interval conflicts with an existing reservation; refresh availability and retry")
	case errors.Is(err, booking.ErrStaleVersion):
		writeError(w, http.StatusConflict, "stale_version", "reservation changed concurrently; re-fetch and retry")
	case errors.Is(err, booking.ErrHoldExpired):
		writeError(w, http.StatusConflict, "hold_expired", "hold has expired; propose a new booking")
	case errors.Is(err, booking.ErrNotYetElapsed):
		writeError(w, http.StatusConflict, "not_yet_elapsed", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, booking.ErrInvalidTemplate):
		writeError(w, http.StatusUnprocessableEntity, "invalid_template", err.Error())
	case errors.Is(err, booking.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", err.Error())
	case errors.Is(err, booking.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduling backend busy; retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
