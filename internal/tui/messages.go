package tui

import (
	"time"

	"sortbox/internal/model"
)

// Async message types for Bubble Tea commands.

type authURLMsg string

type connectedMsg struct {
	session Session
	err     error
}

type tranchesLoadedMsg struct {
	tranches []model.Tranche
	total    int
	err      error
}

type itemsLoadedMsg struct {
	tranche *model.Tranche
	err     error
}

// storeChangedMsg is forwarded from the store's change listener.
type storeChangedMsg int

type harvestDoneMsg struct {
	trancheID int
	status    model.Status
	err       error
}

type actionResultMsg struct {
	action string // "classify", "file", "reset"
	detail string
	err    error
}

type bodyFetchedMsg struct {
	body string
	err  error
}

type tickMsg time.Time

type statusMsg string
