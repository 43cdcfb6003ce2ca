package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/schedule"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It backs
// package tests and dry-run simulation; semantics mirror PgRepository,
// including version CAS and the expired-hold blocking rules.
type MemoryRepository struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	reservations map[uuid.UUID]Reservation
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]Provider),
		patients:     make(map[uuid.UUID]Patient),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

// PutProvider and PutPatient populate fixture data.
func (m *MemoryRepository) PutProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

func (m *MemoryRepository) PutPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// Events returns a copy of the recorded event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetReservationByID(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) ListReservationsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Reservation
	for _, r := range m.reservations {
		if r.PatientID == patientID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryRepository) HasOverlap(_ context.Context, providerID uuid.UUID, iv schedule.Interval, exclude uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasOverlapLocked(providerID, iv, exclude, now), nil
}

func (m *MemoryRepository) hasOverlapLocked(providerID uuid.UUID, iv schedule.Interval, exclude uuid.UUID, now time.Time) bool {
	for _, r := range m.reservations {
		if r.ProviderID != providerID || r.ID == exclude {
			continue
		}
		if r.Blocking(now) && r.Interval().Overlaps(iv) {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) ListBlockingIntervals(_ context.Context, providerID uuid.UUID, window schedule.Interval, now time.Time) ([]schedule.Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []schedule.Interval
	for _, r := range m.reservations {
		if r.ProviderID != providerID {
			continue
		}
		if r.Blocking(now) && r.Interval().Overlaps(window) {
			result = append(result, r.Interval())
		}
	}
	schedule.SortIntervals(result)
	return result, nil
}

func (m *MemoryRepository) CreateHeldReservation(_ context.Context, providerID, patientID uuid.UUID, iv schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createHeldLocked(providerID, patientID, iv, holdExpiresAt, now), nil
}

func (m *MemoryRepository) createHeldLocked(providerID, patientID uuid.UUID, iv schedule.Interval, holdExpiresAt, now time.Time) *Reservation {
	hold := holdExpiresAt
	r := Reservation{
		ID:            uuid.New(),
		ProviderID:    providerID,
		PatientID:     patientID,
		StartTime:     iv.Start,
		EndTime:       iv.End,
		Status:        StatusHeld,
		HoldExpiresAt: &hold,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.reservations[r.ID] = r
	return &r
}

func (m *MemoryRepository) UpdateReservationStatus(_ context.Context, id uuid.UUID, expectedVersion int64, to ReservationStatus, now time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(id, expectedVersion, to, now)
}

func (m *MemoryRepository) updateStatusLocked(id uuid.UUID, expectedVersion int64, to ReservationStatus, now time.Time) (*Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.Version != expectedVersion {
		return nil, ErrStaleVersion
	}

	r.Status = to
	if to != StatusHeld {
		r.HoldExpiresAt = nil
	}
	r.Version++
	r.UpdatedAt = now
	m.reservations[id] = r
	return &r, nil
}

func (m *MemoryRepository) RescheduleReservation(_ context.Context, old *Reservation, newInterval schedule.Interval, holdExpiresAt, now time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasOverlapLocked(old.ProviderID, newInterval, old.ID, now) {
		return nil, ErrSlotConflict
	}
	if _, err := m.updateStatusLocked(old.ID, old.Version, StatusCancelled, now); err != nil {
		return nil, err
	}
	return m.createHeldLocked(old.ProviderID, old.PatientID, newInterval, holdExpiresAt, now), nil
}

func (m *MemoryRepository) FindExpiredHolds(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Reservation
	for _, r := range m.reservations {
		if r.HoldExpired(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].HoldExpiresAt.Before(*expired[j].HoldExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	m.events = append(m.events, ev)
	return nil
}
