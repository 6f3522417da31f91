package optimizer

import (
	"slices"

	"github.com/hupe1980/vecseg/internal/segment"
)

// SegmentStats describes an immutable segment for merge decisions.
type SegmentStats struct {
	ID        uint64
	Kind      segment.Kind
	Points    int
	Live      int
	SizeBytes int64
}

// MergePolicy selects segments to merge.
type MergePolicy interface {
	// Pick returns the IDs of segments to merge into one, or nil.
	Pick(segments []SegmentStats) []uint64
}

// TieredMergePolicy merges at least Threshold indexed segments whose live
// points are below MaxSegmentPoints, oldest first, as long as the merged
// segment stays within MaxSegmentPoints. Indexed segments without live
// points are always merged away.
type TieredMergePolicy struct {
	Threshold        int
	MaxSegmentPoints int
}

func (p TieredMergePolicy) Pick(segments []SegmentStats) []uint64 {
	threshold := max(p.Threshold, 2)
	limit := p.MaxSegmentPoints
	if limit <= 0 {
		limit = 1 << 30
	}

	cands := make([]SegmentStats, 0, len(segments))
	for _, s := range segments {
		if s.Kind == segment.IndexedImmutable && s.Live < limit {
			cands = append(cands, s)
		}
	}
	slices.SortFunc(cands, func(a, b SegmentStats) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	var (
		picked []uint64
		total  int
		empty  []uint64
	)
	for _, s := range cands {
		if s.Live == 0 {
			empty = append(empty, s.ID)
			continue
		}
		if total+s.Live > limit {
			if len(picked) >= threshold {
				break
			}
			// Too big to join the current run; restart from here.
			picked, total = picked[:0], 0
			if s.Live > limit {
				continue
			}
		}
		picked = append(picked, s.ID)
		total += s.Live
	}
	if len(picked) >= threshold {
		picked = append(picked, empty...)
		slices.Sort(picked)
		return picked
	}
	if len(empty) > 0 {
		return empty
	}
	return nil
}
