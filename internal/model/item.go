package model

import "time"

// EnrichedItem is one harvested message with its provider detail fields.
type EnrichedItem struct {
	ID          string
	ThreadID    string
	Snippet     string
	ReceivedAt  time.Time
	Subject     string
	Sender      string // raw From header
	SenderEmail string // normalized address

	Analysis  *Analysis
	Processed bool
}

// Analysis is the classifier verdict attached to an item after harvest.
type Analysis struct {
	Category        string   `json:"category"`
	Tags            []string `json:"tags"`
	SuggestedFolder string   `json:"suggestedFolder"`
	Summary         string   `json:"summary"`
	Sentiment       string   `json:"sentiment"`
}

// ItemRef is a bare listing entry before enrichment.
type ItemRef struct {
	ID       string
	ThreadID string
}

// Page is one listing response.
type Page struct {
	Refs       []ItemRef
	NextCursor string // empty when no further pages exist
}

// Profile is the mailbox summary reported by the provider.
type Profile struct {
	Address    string
	TotalCount int
}
