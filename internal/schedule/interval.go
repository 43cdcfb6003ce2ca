package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidTemplate = errors.New("invalid working-hours template")
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect.
// Back-to-back intervals (a.End == b.Start) do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Validate rejects zero-length and inverted intervals.
func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidInterval)
	}
	if !iv.End.After(iv.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidInterval, iv.End.Format(time.RFC3339), iv.Start.Format(time.RFC3339))
	}
	return nil
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// SortIntervals orders intervals by start time, then end time.
func SortIntervals(ivs []Interval) {
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].Start.Equal(ivs[j].Start) {
			return ivs[i].End.Before(ivs[j].End)
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})
}
