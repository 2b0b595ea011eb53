package tui

import (
	"context"

	"sortbox/internal/classify"
	"sortbox/internal/harvest"
)

// Session is a connected mailbox: the harvest source, the filing target and
// the body reader of the items view.
type Session interface {
	harvest.Provider
	classify.Filer
	Body(ctx context.Context, id string) (string, error)
	// WebURL is empty when the mailbox has no web view.
	WebURL(id string) string
	Close() error
}

// Connector opens a session. An interactive login sends the URL to visit as
// a string on uiEvents and reads the pasted code from userResponses.
type Connector func(ctx context.Context, uiEvents chan<- interface{}, userResponses <-chan string) (Session, error)
