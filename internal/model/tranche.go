package model

import "time"

// Status is the lifecycle state of a tranche.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCooldown  Status = "cooldown"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Done reports whether a tranche in this state may not be harvested again.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusCooldown
}

// Tranche is one fixed-size, independently resumable harvesting unit.
type Tranche struct {
	ID           int
	StartIndex   int
	TotalToFetch int
	FetchedCount int
	Status       Status

	// ContinuationToken addresses the next listing page; empty when the
	// harvest has not started or the listing is exhausted.
	ContinuationToken string
	// PageOffset counts refs of the page at ContinuationToken that were
	// already consumed before a mid-page stop.
	PageOffset int

	LastError     string
	CooldownUntil time.Time
	UpdatedAt     time.Time

	// Items is only populated by single-tranche reads.
	Items []EnrichedItem
}

// Remaining is the number of items still to fetch.
func (t Tranche) Remaining() int {
	if t.FetchedCount >= t.TotalToFetch {
		return 0
	}
	return t.TotalToFetch - t.FetchedCount
}

// Update is a partial tranche update. Nil fields are left untouched.
type Update struct {
	Status            *Status
	ContinuationToken *string
	PageOffset        *int
	LastError         *string
	CooldownUntil     *time.Time

	// AppendItems are appended after the stored items; FetchedCount follows.
	AppendItems []EnrichedItem
}

// Helpers for building updates inline.

func StatusPtr(s Status) *Status     { return &s }
func StringPtr(s string) *string     { return &s }
func IntPtr(n int) *int              { return &n }
func TimePtr(t time.Time) *time.Time { return &t }
