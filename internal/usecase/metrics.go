package usecase

import (
	"context"
	"sync/atomic"

	"github.com/example/hair-overlay/internal/render"
)

// MetricsSummary represents aggregated compositing insights.
type MetricsSummary struct {
	FramesTotal    int64            `json:"frames_total"`
	FramesOverlaid int64            `json:"frames_overlaid"`
	OverlayRate    float64          `json:"overlay_rate"`
	FramesByReason map[string]int64 `json:"frames_by_reason"`
	SnapshotsTotal int64            `json:"snapshots_total"`
}

type frameStats struct {
	total    atomic.Int64
	byReason map[render.Reason]*atomic.Int64
}

func newFrameStats() *frameStats {
	s := &frameStats{byReason: make(map[render.Reason]*atomic.Int64, len(render.Reasons))}
	for _, r := range render.Reasons {
		s.byReason[r] = &atomic.Int64{}
	}
	return s
}

func (s *frameStats) record(r render.Reason) {
	s.total.Add(1)
	if c, ok := s.byReason[r]; ok {
		c.Add(1)
	}
}

// GetMetricsSummary combines in-process frame counters with persisted snapshot totals.
func (uc *OverlayUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	snapshots, err := uc.repo.CountSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		FramesTotal:    uc.stats.total.Load(),
		FramesByReason: make(map[string]int64, len(render.Reasons)),
		SnapshotsTotal: snapshots,
	}
	for _, r := range render.Reasons {
		summary.FramesByReason[string(r)] = uc.stats.byReason[r].Load()
	}
	summary.FramesOverlaid = summary.FramesByReason[string(render.ReasonOverlaid)]

	if summary.FramesTotal > 0 {
		summary.OverlayRate = float64(summary.FramesOverlaid) / float64(summary.FramesTotal)
	}

	return summary, nil
}
