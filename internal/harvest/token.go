package harvest

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Token is a run-scoped cancellation signal. It is advisory: in-flight
// provider calls finish, the next suspension point observes it.
type Token struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the signal. Safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
	})
}

func (t *Token) Cancelled() bool { return t.cancelled.Load() }

// Done is closed once Cancel has been called.
func (t *Token) Done() <-chan struct{} { return t.done }

// RunContext carries the state of one harvest invocation.
type RunContext struct {
	ID        string
	TrancheID int
	Token     *Token
}

func newRunContext(trancheID int) *RunContext {
	return &RunContext{
		ID:        uuid.NewString(),
		TrancheID: trancheID,
		Token:     NewToken(),
	}
}
