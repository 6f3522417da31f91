package optimizer

import (
	"log/slog"
	"testing"

	"github.com/hupe1980/vecseg/internal/segment"
	"github.com/stretchr/testify/assert"
)

func newDiscardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func indexed(id uint64, live int) SegmentStats {
	return SegmentStats{ID: id, Kind: segment.IndexedImmutable, Points: live, Live: live}
}

func TestTieredMergePolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   TieredMergePolicy
		segments []SegmentStats
		want     []uint64
	}{
		{
			name:     "below threshold",
			policy:   TieredMergePolicy{Threshold: 3},
			segments: []SegmentStats{indexed(1, 10), indexed(2, 10)},
			want:     nil,
		},
		{
			name:     "oldest first",
			policy:   TieredMergePolicy{Threshold: 2},
			segments: []SegmentStats{indexed(3, 10), indexed(1, 10), indexed(2, 10)},
			want:     []uint64{1, 2, 3},
		},
		{
			name:   "plain segments are not merged",
			policy: TieredMergePolicy{Threshold: 2},
			segments: []SegmentStats{
				indexed(1, 10),
				{ID: 2, Kind: segment.PlainImmutable, Points: 10, Live: 10},
			},
			want: nil,
		},
		{
			name:     "large segments are skipped",
			policy:   TieredMergePolicy{Threshold: 2, MaxSegmentPoints: 100},
			segments: []SegmentStats{indexed(1, 500), indexed(2, 10), indexed(3, 10)},
			want:     []uint64{2, 3},
		},
		{
			name:     "merged size stays within the limit",
			policy:   TieredMergePolicy{Threshold: 2, MaxSegmentPoints: 100},
			segments: []SegmentStats{indexed(1, 40), indexed(2, 40), indexed(3, 40)},
			want:     []uint64{1, 2},
		},
		{
			name:     "empty segments are dropped",
			policy:   TieredMergePolicy{Threshold: 4},
			segments: []SegmentStats{indexed(1, 10), indexed(2, 0)},
			want:     []uint64{2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Pick(tt.segments))
		})
	}
}
