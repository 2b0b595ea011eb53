package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks a listing call the provider throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrItemSkipped marks a detail call that was throttled and backed off.
	ErrItemSkipped = errors.New("item skipped after rate limit")
	// ErrHarvestInFlight is returned by Start while another tranche runs.
	ErrHarvestInFlight = errors.New("a harvest is already running")
	// ErrTrancheDone is returned by Start for completed or cooling tranches.
	ErrTrancheDone = errors.New("tranche already harvested")
	// ErrTrancheNotFound is returned by Start for unknown tranche ids.
	ErrTrancheNotFound = errors.New("tranche not found")
	// ErrResetting is returned by Start while the store is being reset.
	ErrResetting = errors.New("store reset in progress")
)

// ProviderError is the failure shape every Provider reports.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err (or any error in its chain) is a
// provider throttling signal.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests
}
