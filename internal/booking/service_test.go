package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/scheduling/internal/clock"
	"github.com/clinicore/scheduling/internal/config"
	"github.com/clinicore/scheduling/internal/schedule"
)

// mutexLocker serializes per provider with plain mutexes, standing in for
// the Redis locker.
type mutexLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newMutexLocker() *mutexLocker {
	return &mutexLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *mutexLocker) WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[providerID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[providerID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// recordingNotifier captures fan-out events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	clk      *clock.MockClock
	notifier *recordingNotifier
	provider Provider
	patient  Patient
}

// newFixture builds a service around a provider working Tuesday
// 09:00-12:00 UTC in 30-minute slots, with the mock clock at 08:00 that
// Tuesday (2026-09-01).
func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	clk := clock.NewMockClock(time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}

	cfg := config.Config{
		HoldDuration:   5 * time.Minute,
		SweepBatchSize: 100,
	}

	provider := Provider{
		ID:          uuid.New(),
		Name:        "Dr. Demo",
		Timezone:    "UTC",
		SlotMinutes: 30,
		WorkingHours: schedule.WeeklyHours{
			"tuesday": {{Start: "09:00", End: "12:00"}},
		},
	}
	patient := Patient{ID: uuid.New(), Name: "Pat"}

	repo.PutProvider(provider)
	repo.PutPatient(patient)

	svc := NewService(repo, newMutexLocker(), notifier, clk, cfg, zerolog.Nop())

	return &fixture{
		svc:      svc,
		repo:     repo,
		clk:      clk,
		notifier: notifier,
		provider: provider,
		patient:  patient,
	}
}

func (f *fixture) interval(h, m, durMin int) schedule.Interval {
	start := time.Date(2026, time.September, 1, h, m, 0, 0, time.UTC)
	return schedule.Interval{Start: start, End: start.Add(time.Duration(durMin) * time.Minute)}
}

func (f *fixture) propose(t *testing.T, iv schedule.Interval) *Reservation {
	t.Helper()
	res, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  f.patient.ID,
		Interval:   iv,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) openSlots(t *testing.T) []schedule.Interval {
	t.Helper()
	day := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	days, err := f.svc.GetAvailability(context.Background(), f.provider.ID, day, day)
	require.NoError(t, err)
	require.Len(t, days, 1)
	return days[0].Open
}

func TestRequestBookingCreatesHold(t *testing.T) {
	f := newFixture(t)

	res := f.propose(t, f.interval(10, 0, 30))

	assert.Equal(t, StatusHeld, res.Status)
	assert.Equal(t, int64(1), res.Version)
	require.NotNil(t, res.HoldExpiresAt)
	assert.Equal(t, f.clk.Now().Add(5*time.Minute), *res.HoldExpiresAt)
	assert.Equal(t, []string{EventReservationHeld}, f.notifier.types())
}

func TestRequestBookingRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	f.propose(t, f.interval(10, 0, 30))

	_, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  f.patient.ID,
		Interval:   f.interval(10, 15, 30),
	})
	require.ErrorIs(t, err, ErrSlotConflict)
}

func TestRequestBookingBackToBackDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t, f.interval(10, 0, 30))
	b := f.propose(t, f.interval(10, 30, 30))

	assert.Equal(t, a.EndTime, b.StartTime)
	assert.Equal(t, StatusHeld, b.Status)
}

func TestRequestBookingValidatesInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestBooking(ctx, ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  f.patient.ID,
		Interval:   f.interval(10, 0, 0),
	})
	require.ErrorIs(t, err, ErrInvalidInterval, "zero length")

	past := f.interval(7, 0, 30) // clock sits at 08:00
	_, err = f.svc.RequestBooking(ctx, ProposeBooking{ProviderID: f.provider.ID, PatientID: f.patient.ID, Interval: past})
	require.ErrorIs(t, err, ErrInvalidInterval, "starts in the past")
}

func TestRequestBookingUnknownActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequestBooking(ctx, ProposeBooking{
		ProviderID: uuid.New(),
		PatientID:  f.patient.ID,
		Interval:   f.interval(10, 0, 30),
	})
	require.ErrorIs(t, err, ErrProviderNotFound)

	_, err = f.svc.RequestBooking(ctx, ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  uuid.New(),
		Interval:   f.interval(10, 0, 30),
	})
	require.ErrorIs(t, err, ErrPatientNotFound)
}

func TestConfirmBooking(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	confirmed, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.HoldExpiresAt)
	assert.Equal(t, res.Version+1, confirmed.Version)
}

func TestConfirmBookingStaleVersion(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	_, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version + 7,
	})
	require.ErrorIs(t, err, ErrStaleVersion)
}

func TestConfirmBookingAfterHoldExpiry(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	f.clk.Add(6 * time.Minute) // hold was 5 minutes

	_, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version,
	})
	require.ErrorIs(t, err, ErrHoldExpired)

	// The dead hold was cancelled eagerly.
	current, err := f.svc.GetReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, current.Status)
}

func TestConfirmBookingNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{ReservationID: uuid.New(), ExpectedVersion: 1})
	require.ErrorIs(t, err, ErrReservationNotFound)
}

func TestCancelBookingIdempotent(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	cancelled, err := f.svc.CancelBooking(context.Background(), CancelBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version,
		Reason:          "patient request",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Second cancel returns the terminal state without error, even with
	// a stale version.
	again, err := f.svc.CancelBooking(context.Background(), CancelBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, cancelled.Version, again.Version)
}

func TestCancelConfirmedBooking(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	confirmed, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{ReservationID: res.ID, ExpectedVersion: res.Version})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelBooking(context.Background(), CancelBooking{
		ReservationID:   confirmed.ID,
		ExpectedVersion: confirmed.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestCancelCompletedBookingFails(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	confirmed, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{ReservationID: res.ID, ExpectedVersion: res.Version})
	require.NoError(t, err)

	f.clk.Set(confirmed.EndTime.Add(time.Minute))
	completed, err := f.svc.CompleteBooking(context.Background(), CompleteBooking{ReservationID: confirmed.ID})
	require.NoError(t, err)

	_, err = f.svc.CancelBooking(context.Background(), CancelBooking{
		ReservationID:   completed.ID,
		ExpectedVersion: completed.Version,
	})
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestCompleteBooking(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))
	ctx := context.Background()

	confirmed, err := f.svc.ConfirmBooking(ctx, ConfirmBooking{ReservationID: res.ID, ExpectedVersion: res.Version})
	require.NoError(t, err)

	// Too early: the interval has not elapsed.
	_, err = f.svc.CompleteBooking(ctx, CompleteBooking{ReservationID: confirmed.ID})
	require.ErrorIs(t, err, ErrNotYetElapsed)

	// Held reservations cannot complete.
	other := f.propose(t, f.interval(11, 0, 30))
	_, err = f.svc.CompleteBooking(ctx, CompleteBooking{ReservationID: other.ID})
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	f.clk.Set(confirmed.EndTime)
	completed, err := f.svc.CompleteBooking(ctx, CompleteBooking{ReservationID: confirmed.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
}

func TestRescheduleBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.propose(t, f.interval(10, 0, 30))

	moved, err := f.svc.RescheduleBooking(ctx, RescheduleBooking{
		ReservationID: res.ID,
		NewInterval:   f.interval(11, 0, 30),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusHeld, moved.Status)
	assert.NotEqual(t, res.ID, moved.ID)
	assert.Equal(t, f.interval(11, 0, 30).Start, moved.StartTime)

	old, err := f.svc.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, old.Status)

	// The vacated interval is bookable again.
	f.propose(t, f.interval(10, 0, 30))
}

func TestRescheduleBookingConflictLeavesOldUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.propose(t, f.interval(11, 0, 30)) // blocker
	res := f.propose(t, f.interval(10, 0, 30))

	_, err := f.svc.RescheduleBooking(ctx, RescheduleBooking{
		ReservationID: res.ID,
		NewInterval:   f.interval(11, 15, 30),
	})
	require.ErrorIs(t, err, ErrSlotConflict)

	current, err := f.svc.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, current.Status, "no partial state on conflict")
	assert.Equal(t, res.Version, current.Version)
}

func TestRescheduleOntoOwnIntervalSucceeds(t *testing.T) {
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))

	// Shifting within the old footprint must not self-conflict.
	moved, err := f.svc.RescheduleBooking(context.Background(), RescheduleBooking{
		ReservationID: res.ID,
		NewInterval:   f.interval(10, 0, 60),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, moved.Status)
}

func TestSweepExpiredHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := f.propose(t, f.interval(10, 0, 30))
	kept := f.propose(t, f.interval(11, 0, 30))

	confirmed, err := f.svc.ConfirmBooking(ctx, ConfirmBooking{ReservationID: kept.ID, ExpectedVersion: kept.Version})
	require.NoError(t, err)

	f.clk.Add(6 * time.Minute)

	swept, err := f.svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	gone, err := f.svc.GetReservation(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, gone.Status)

	still, err := f.svc.GetReservation(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, still.Status, "confirmed rows are never swept")
}

func TestAvailabilityRoundTrip(t *testing.T) {
	f := newFixture(t)

	// Six candidate slots to start with: 09:00..11:30.
	open := f.openSlots(t)
	require.Len(t, open, 6)
	assert.Equal(t, f.interval(9, 0, 30), open[0])
	assert.Equal(t, f.interval(11, 30, 30), open[5])

	// A hold occupies space immediately.
	res := f.propose(t, f.interval(10, 0, 30))
	open = f.openSlots(t)
	require.Len(t, open, 5)
	for _, slot := range open {
		assert.False(t, slot.Overlaps(res.Interval()))
	}

	// Once the hold expires the slot reappears without any sweep.
	f.clk.Add(6 * time.Minute)
	open = f.openSlots(t)
	assert.Len(t, open, 6)
}

func TestAvailabilityAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.propose(t, f.interval(9, 30, 30))
	require.Len(t, f.openSlots(t), 5)

	_, err := f.svc.CancelBooking(ctx, CancelBooking{ReservationID: res.ID, ExpectedVersion: res.Version})
	require.NoError(t, err)

	assert.Len(t, f.openSlots(t), 6)
}

func TestAvailabilityUsesProviderCalendarDates(t *testing.T) {
	// The from/to parameters name calendar dates. For a provider west of
	// UTC the requested Tuesday must stay Tuesday on the provider's wall
	// clock, even though the parsed date is a UTC midnight instant.
	f := newFixture(t)

	ny := Provider{
		ID:          uuid.New(),
		Name:        "Dr. Eastern",
		Timezone:    "America/New_York",
		SlotMinutes: 30,
		WorkingHours: schedule.WeeklyHours{
			"tuesday": {{Start: "09:00", End: "12:00"}},
		},
	}
	f.repo.PutProvider(ny)

	day, err := time.Parse("2006-01-02", "2026-09-01") // a Tuesday
	require.NoError(t, err)

	days, err := f.svc.GetAvailability(context.Background(), ny.ID, day, day)
	require.NoError(t, err)
	require.Len(t, days, 1)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, loc), days[0].Date)
	require.Len(t, days[0].Open, 6, "the provider works the requested Tuesday")
	assert.Equal(t, time.Date(2026, time.September, 1, 9, 0, 0, 0, loc), days[0].Open[0].Start)
}

func TestHoldLiveThroughExpiryInstant(t *testing.T) {
	// A hold occupies its slot up to and including the deadline instant;
	// it stops blocking strictly after. Confirmability and the overlap
	// check must flip at the same moment.
	f := newFixture(t)
	res := f.propose(t, f.interval(10, 0, 30))
	require.NotNil(t, res.HoldExpiresAt)

	f.clk.Set(*res.HoldExpiresAt)

	_, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  f.patient.ID,
		Interval:   f.interval(10, 0, 30),
	})
	require.ErrorIs(t, err, ErrSlotConflict, "still blocking at the deadline")

	confirmed, err := f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
		ReservationID:   res.ID,
		ExpectedVersion: res.Version,
	})
	require.NoError(t, err, "still confirmable at the deadline")
	assert.Equal(t, StatusConfirmed, confirmed.Status)
}

func TestAvailabilityValidatesRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.GetAvailability(ctx, f.provider.ID, day, day.AddDate(0, 0, -1))
	require.ErrorIs(t, err, ErrInvalidInterval)

	_, err = f.svc.GetAvailability(ctx, f.provider.ID, day, day.AddDate(0, 0, 60))
	require.ErrorIs(t, err, ErrInvalidInterval)

	_, err = f.svc.GetAvailability(ctx, uuid.New(), day, day)
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestBookingScenario(t *testing.T) {
	// Provider works 09:00-12:00 UTC in 30-minute slots. Walk the whole
	// lifecycle the way two competing clients would.
	f := newFixture(t)
	ctx := context.Background()

	open := f.openSlots(t)
	require.Len(t, open, 6)

	// First client books 10:00-10:30.
	first := f.propose(t, f.interval(10, 0, 30))
	require.Len(t, f.openSlots(t), 5)

	// Second client tries 10:15-10:45 and loses.
	_, err := f.svc.RequestBooking(ctx, ProposeBooking{
		ProviderID: f.provider.ID,
		PatientID:  f.patient.ID,
		Interval:   f.interval(10, 15, 30),
	})
	require.ErrorIs(t, err, ErrSlotConflict)

	// First client confirms inside the hold window.
	f.clk.Add(2 * time.Minute)
	confirmed, err := f.svc.ConfirmBooking(ctx, ConfirmBooking{ReservationID: first.ID, ExpectedVersion: first.Version})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	// A separate 11:00 hold is abandoned; after expiry plus a sweep the
	// slot is open again.
	abandoned := f.propose(t, f.interval(11, 0, 30))
	require.Len(t, f.openSlots(t), 4)

	f.clk.Add(6 * time.Minute)
	swept, err := f.svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	gone, err := f.svc.GetReservation(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, gone.Status)

	open = f.openSlots(t)
	require.Len(t, open, 5)
	assert.Contains(t, open, f.interval(11, 0, 30))
}

func TestListReservationsByPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.propose(t, f.interval(9, 0, 30))
	b := f.propose(t, f.interval(11, 0, 30))

	list, err := f.svc.ListReservationsByPatient(ctx, f.patient.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest start time first")
	assert.Equal(t, a.ID, list[1].ID)

	list, err = f.svc.ListReservationsByPatient(ctx, f.patient.ID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
