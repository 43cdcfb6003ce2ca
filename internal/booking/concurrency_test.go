package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/scheduling/internal/schedule"
)

func TestConcurrentProposalsSingleWinner(t *testing.T) {
	f := newFixture(t)
	iv := f.interval(10, 0, 30)

	const workers = 32

	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
				ProviderID: f.provider.ID,
				PatientID:  f.patient.ID,
				Interval:   iv,
			})
			results[n] = err
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one proposal may win the slot")
	assert.Equal(t, workers-1, conflicts)
}

func TestConcurrentProposalsDisjointIntervalsAllWin(t *testing.T) {
	f := newFixture(t)

	const workers = 6 // one per slot of the working day

	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
				ProviderID: f.provider.ID,
				PatientID:  f.patient.ID,
				Interval:   f.interval(9+n/2, (n%2)*30, 30),
			})
			results[n] = err
		}(i)
	}
	wg.Wait()

	for n, err := range results {
		require.NoError(t, err, "worker %d", n)
	}
	assert.Empty(t, f.openSlots(t))
}

func TestConcurrentConfirmAndSweep(t *testing.T) {
	// A hold confirmed in the same instant the sweep runs must end up
	// either confirmed or cancelled, never both and never corrupted.
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		res := f.propose(t, f.interval(10, 0, 30))

		f.clk.Add(6 * time.Minute) // hold is now expired for both paths

		var wg sync.WaitGroup
		wg.Add(2)
		var confirmErr error
		go func() {
			defer wg.Done()
			_, confirmErr = f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
				ReservationID:   res.ID,
				ExpectedVersion: res.Version,
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.SweepExpiredHolds(context.Background())
		}()
		wg.Wait()

		require.Error(t, confirmErr, "an expired hold can never confirm")

		final, err := f.svc.GetReservation(context.Background(), res.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, final.Status)
		assert.LessOrEqual(t, final.Version, int64(2), "exactly one cancel may land")
	}
}

func TestInvariantNoOverlappingActiveReservations(t *testing.T) {
	// Random concurrent traffic; afterwards no two blocking reservations
	// for the provider may overlap.
	f := newFixture(t)

	const workers = 24

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			iv := f.interval(9+(n%3), (n%2)*30, 45) // deliberately clashing intervals
			res, err := f.svc.RequestBooking(context.Background(), ProposeBooking{
				ProviderID: f.provider.ID,
				PatientID:  f.patient.ID,
				Interval:   iv,
			})
			if err != nil {
				return
			}
			if n%2 == 0 {
				_, _ = f.svc.ConfirmBooking(context.Background(), ConfirmBooking{
					ReservationID:   res.ID,
					ExpectedVersion: res.Version,
				})
			}
		}(i)
	}
	wg.Wait()

	day := schedule.Interval{
		Start: time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC),
	}
	blocking, err := f.repo.ListBlockingIntervals(context.Background(), f.provider.ID, day, f.clk.Now())
	require.NoError(t, err)

	for i := 0; i < len(blocking); i++ {
		for j := i + 1; j < len(blocking); j++ {
			assert.False(t, blocking[i].Overlaps(blocking[j]),
				"%s overlaps %s", blocking[i], blocking[j])
		}
	}
}

func TestLockerSerializesPerProviderOnly(t *testing.T) {
	// Two providers must be bookable concurrently: a second provider's
	// proposal proceeds while the first provider's lock is held.
	f := newFixture(t)

	other := Provider{
		ID:          uuid.New(),
		Name:        "Dr. Other",
		Timezone:    "UTC",
		SlotMinutes: 30,
		WorkingHours: schedule.WeeklyHours{
			"tuesday": {{Start: "09:00", End: "12:00"}},
		},
	}
	f.repo.PutProvider(other)

	locker := newMutexLocker()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = locker.WithProviderLock(context.Background(), f.provider.ID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() {
		done <- locker.WithProviderLock(context.Background(), other.ID, func(context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("other provider's lock blocked behind an unrelated provider")
	}
	close(release)
}
