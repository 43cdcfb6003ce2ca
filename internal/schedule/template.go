package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one open stretch of a provider's working day, as wall-clock
// times in the provider's timezone. A window whose end is not after its
// start wraps past midnight (overnight shift).
type Window struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

// WeeklyHours maps lowercase weekday names ("monday".."sunday") to the
// windows open on that weekday.
type WeeklyHours map[string][]Window

// Template turns a provider's recurring weekly hours into concrete
// bookable slots for a calendar day. It is pure: same inputs, same slots.
type Template struct {
	hours       map[time.Weekday][]clockWindow
	granularity time.Duration
	loc         *time.Location
}

type clockWindow struct {
	startMin int // minutes after local midnight
	endMin   int
	wraps    bool
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NewTemplate validates and compiles a weekly-hours declaration.
func NewTemplate(hours WeeklyHours, slotMinutes int, timezone string) (Template, error) {
	if slotMinutes <= 0 {
		return Template{}, fmt.Errorf("%w: slot granularity must be positive, got %d", ErrInvalidTemplate, slotMinutes)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Template{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTemplate, timezone)
	}

	compiled := make(map[time.Weekday][]clockWindow, len(hours))
	for day, windows := range hours {
		wd, ok := weekdayNames[strings.ToLower(day)]
		if !ok {
			return Template{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalidTemplate, day)
		}
		for _, w := range windows {
			cw, err := compileWindow(w)
			if err != nil {
				return Template{}, err
			}
			compiled[wd] = append(compiled[wd], cw)
		}
	}

	return Template{
		hours:       compiled,
		granularity: time.Duration(slotMinutes) * time.Minute,
		loc:         loc,
	}, nil
}

func compileWindow(w Window) (clockWindow, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return clockWindow{}, fmt.Errorf("%w: bad window start %q", ErrInvalidTemplate, w.Start)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return clockWindow{}, fmt.Errorf("%w: bad window end %q", ErrInvalidTemplate, w.End)
	}
	if start == end {
		return clockWindow{}, fmt.Errorf("%w: zero-length window %s-%s", ErrInvalidTemplate, w.Start, w.End)
	}
	return clockWindow{startMin: start, endMin: end, wraps: end < start}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Location returns the template's timezone.
func (t Template) Location() *time.Location {
	return t.loc
}

// Granularity returns the slot length.
func (t Template) Granularity() time.Duration {
	return t.granularity
}

// SlotsOn generates the ordered candidate slots that fall on the given
// calendar day in the template's timezone. An overnight window contributes
// its pre-midnight portion to its own day and its post-midnight portion to
// the following day. Around DST transitions slots keep their true
// granularity-length duration; wall-clock labels shift with the zone.
func (t Template) SlotsOn(year int, month time.Month, day int) []Interval {
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, t.loc)
	nextDay := time.Date(year, month, day+1, 0, 0, 0, 0, t.loc)
	prevDay := time.Date(year, month, day-1, 0, 0, 0, 0, t.loc)

	var slots []Interval

	// Spill-over from yesterday's overnight windows.
	for _, w := range t.hours[prevDay.Weekday()] {
		if !w.wraps {
			continue
		}
		end := t.wallClock(year, month, day, w.endMin)
		slots = t.chop(slots, Interval{Start: dayStart, End: end})
	}

	for _, w := range t.hours[dayStart.Weekday()] {
		start := t.wallClock(year, month, day, w.startMin)
		var end time.Time
		if w.wraps {
			end = nextDay // pre-midnight portion only
		} else {
			end = t.wallClock(year, month, day, w.endMin)
		}
		slots = t.chop(slots, Interval{Start: start, End: end})
	}

	SortIntervals(slots)
	return slots
}

// wallClock anchors a minutes-after-midnight clock reading to the given
// calendar day in the template's zone. On DST days time.Date resolves
// skipped or repeated wall-clock readings per the zone's rules, so a
// 09:00 window opens at local 09:00 regardless of the transition.
func (t Template) wallClock(year int, month time.Month, day, minutes int) time.Time {
	return time.Date(year, month, day, minutes/60, minutes%60, 0, 0, t.loc)
}

// chop splits a window into granularity-length slots, dropping any
// trailing remainder shorter than one slot.
func (t Template) chop(out []Interval, span Interval) []Interval {
	for cur := span.Start; !cur.Add(t.granularity).After(span.End); cur = cur.Add(t.granularity) {
		out = append(out, Interval{Start: cur, End: cur.Add(t.granularity)})
	}
	return out
}
