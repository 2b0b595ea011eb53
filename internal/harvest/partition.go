package harvest

import "sortbox/internal/model"

// Partition splits [0,total) into consecutive capacity-bounded tranches with
// 1-based ids. The last tranche holds the remainder.
func Partition(total, capacity int) []model.Tranche {
	if total <= 0 || capacity <= 0 {
		return nil
	}
	n := (total + capacity - 1) / capacity
	out := make([]model.Tranche, 0, n)
	for i := 0; i < n; i++ {
		start := i * capacity
		size := capacity
		if start+size > total {
			size = total - start
		}
		out = append(out, model.Tranche{
			ID:           i + 1,
			StartIndex:   start,
			TotalToFetch: size,
			Status:       model.StatusPending,
		})
	}
	return out
}
