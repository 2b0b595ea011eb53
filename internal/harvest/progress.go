package harvest

import (
	"math"
	"time"

	"sortbox/internal/model"
)

// Progress is derived from the tranche set; it is never stored.
type Progress struct {
	TotalItems         int
	TotalFetched       int
	PercentComplete    int
	EstimatedRemaining time.Duration
	Running            int // tranche id currently running, 0 when idle
}

// ComputeProgress aggregates tranche counters. The ETA multiplies the
// remaining count by a fixed per-item cost; it does not measure throughput.
func ComputeProgress(tranches []model.Tranche, totalInboxCount int, secondsPerItem float64) Progress {
	p := Progress{TotalItems: totalInboxCount}
	for _, t := range tranches {
		p.TotalFetched += t.FetchedCount
		if t.Status == model.StatusRunning {
			p.Running = t.ID
		}
	}
	if totalInboxCount <= 0 {
		return p
	}
	p.PercentComplete = int(math.Round(100 * float64(p.TotalFetched) / float64(totalInboxCount)))
	remaining := totalInboxCount - p.TotalFetched
	if remaining > 0 {
		p.EstimatedRemaining = time.Duration(float64(remaining) * secondsPerItem * float64(time.Second))
	}
	return p
}
