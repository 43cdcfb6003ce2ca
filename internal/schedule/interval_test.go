package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time {
	return time.Date(2026, time.September, 1, h, m, 0, 0, time.UTC)
}

func TestIntervalOverlaps(t *testing.T) {
	a := Interval{Start: at(9, 0), End: at(10, 0)}

	tests := []struct {
		name string
		b    Interval
		want bool
	}{
		{"identical", Interval{Start: at(9, 0), End: at(10, 0)}, true},
		{"contained", Interval{Start: at(9, 15), End: at(9, 45)}, true},
		{"straddles start", Interval{Start: at(8, 30), End: at(9, 30)}, true},
		{"straddles end", Interval{Start: at(9, 30), End: at(10, 30)}, true},
		{"back-to-back after", Interval{Start: at(10, 0), End: at(10, 30)}, false},
		{"back-to-back before", Interval{Start: at(8, 0), End: at(9, 0)}, false},
		{"disjoint", Interval{Start: at(11, 0), End: at(11, 30)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(a), "overlap must be symmetric")
		})
	}
}

func TestIntervalValidate(t *testing.T) {
	require.NoError(t, Interval{Start: at(9, 0), End: at(9, 30)}.Validate())

	err := Interval{Start: at(9, 0), End: at(9, 0)}.Validate()
	require.ErrorIs(t, err, ErrInvalidInterval, "zero-length interval")

	err = Interval{Start: at(10, 0), End: at(9, 0)}.Validate()
	require.ErrorIs(t, err, ErrInvalidInterval, "inverted interval")

	err = Interval{}.Validate()
	require.ErrorIs(t, err, ErrInvalidInterval, "zero values")
}

func TestSortIntervals(t *testing.T) {
	ivs := []Interval{
		{Start: at(11, 0), End: at(11, 30)},
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(9, 0), End: at(9, 30)},
	}
	SortIntervals(ivs)

	assert.Equal(t, at(9, 0), ivs[0].Start)
	assert.Equal(t, at(9, 30), ivs[0].End)
	assert.Equal(t, at(10, 0), ivs[1].End)
	assert.Equal(t, at(11, 0), ivs[2].Start)
}
