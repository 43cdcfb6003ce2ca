package schedule

import "sort"

// OpenSlots filters candidate slots down to those free of any busy
// interval. Busy intervals are merged into a disjoint sorted list once,
// after which each candidate costs a single binary search.
func OpenSlots(candidates, busy []Interval) []Interval {
	merged := MergeIntervals(busy)

	open := make([]Interval, 0, len(candidates))
	for _, slot := range candidates {
		if !overlapsMerged(slot, merged) {
			open = append(open, slot)
		}
	}
	return open
}

// MergeIntervals coalesces overlapping and touching intervals into a
// disjoint list sorted by start. The input is not modified.
func MergeIntervals(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}

	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	SortIntervals(sorted)

	merged := make([]Interval, 0, len(sorted))
	cur := sorted[0]
	for _, iv := range sorted[1:] {
		if iv.Start.After(cur.End) {
			merged = append(merged, cur)
			cur = iv
			continue
		}
		if iv.End.After(cur.End) {
			cur.End = iv.End
		}
	}
	return append(merged, cur)
}

// overlapsMerged reports whether slot intersects the disjoint sorted list.
func overlapsMerged(slot Interval, merged []Interval) bool {
	// Last interval starting before slot.End is the only one that can
	// still reach into the slot.
	idx := sort.Search(len(merged), func(i int) bool {
		return !merged[i].Start.Before(slot.End)
	})
	if idx == 0 {
		return false
	}
	return merged[idx-1].End.After(slot.Start)
}
