package harvest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/atomic"

	"sortbox/internal/model"
)

// stallingStore parks the next Get until release is closed.
type stallingStore struct {
	TrancheStore
	stall   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Get(ctx context.Context, id int) (*model.Tranche, error) {
	if s.stall.CompareAndSwap(true, false) {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.TrancheStore.Get(ctx, id)
}

func coolingHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, 30, testConfig())
	if err := h.store.Upsert(context.Background(), 1, model.Update{Status: model.StatusPtr(model.StatusCooldown)}); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestCooldownCompletes(t *testing.T) {
	h := coolingHarness(t)
	cd := h.sched.Cooldowns()

	cd.ArmFor(1, time.Minute)
	h.clock.Advance(59 * time.Second)
	if !cd.Armed(1) {
		t.Fatal("timer gone before it fired")
	}
	h.clock.Advance(time.Second)
	cd.Wait()
	if cd.Armed(1) {
		t.Fatal("fired timer still armed")
	}
	if st := h.tranche(1).Status; st != model.StatusCompleted {
		t.Fatalf("want completed, got %s", st)
	}
}

func TestCooldownHandleCancel(t *testing.T) {
	h := coolingHarness(t)
	cd := h.sched.Cooldowns()

	handle := cd.Arm(1)
	handle.Cancel()
	h.clock.Advance(time.Hour)
	cd.Wait()
	if st := h.tranche(1).Status; st != model.StatusCooldown {
		t.Fatalf("cancelled cooldown still transitioned: %s", st)
	}
}

func TestCooldownRearmReplaces(t *testing.T) {
	h := coolingHarness(t)
	cd := h.sched.Cooldowns()

	stale := cd.ArmFor(1, time.Second)
	cd.ArmFor(1, time.Minute)
	// Cancelling the replaced handle must not touch the live timer.
	stale.Cancel()
	h.clock.Advance(time.Second)
	if st := h.tranche(1).Status; st != model.StatusCooldown {
		t.Fatalf("replaced timer fired: %s", st)
	}
	h.clock.Advance(time.Minute)
	cd.Wait()
	if st := h.tranche(1).Status; st != model.StatusCompleted {
		t.Fatalf("want completed, got %s", st)
	}
}

func TestCooldownIgnoresOtherStatus(t *testing.T) {
	h := coolingHarness(t)
	cd := h.sched.Cooldowns()
	ctx := context.Background()

	cd.ArmFor(1, time.Second)
	if err := h.store.Upsert(ctx, 1, model.Update{Status: model.StatusPtr(model.StatusStopped)}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Second)
	cd.Wait()
	if st := h.tranche(1).Status; st != model.StatusStopped {
		t.Fatalf("expiry only completes cooling tranches, got %s", st)
	}
}

func TestCooldownCancelAll(t *testing.T) {
	h := coolingHarness(t)
	cd := h.sched.Cooldowns()

	cd.ArmFor(1, time.Second)
	cd.ArmFor(2, time.Second)
	cd.CancelAll()
	if cd.Armed(1) || cd.Armed(2) {
		t.Fatal("timers still armed")
	}
	h.clock.Advance(time.Minute)
	cd.Wait()
	if st := h.tranche(1).Status; st != model.StatusCooldown {
		t.Fatalf("cancelled timer fired: %s", st)
	}
}

func TestResetWaitsForFiringCooldown(t *testing.T) {
	h := coolingHarness(t)
	ss := &stallingStore{TrancheStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	sched := NewScheduler(ss, h.provider, testConfig(), discardLogger(), WithClock(h.clock))
	ctx := context.Background()

	sched.Cooldowns().ArmFor(1, time.Second)
	ss.stall.Store(true)
	fired := make(chan struct{})
	go func() {
		h.clock.Advance(time.Second)
		close(fired)
	}()
	<-ss.entered

	reset := make(chan error, 1)
	go func() { reset <- sched.Reset(ctx) }()
	select {
	case err := <-reset:
		t.Fatalf("Reset returned while a cooldown was completing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(ss.release)
	<-fired
	if err := <-reset; err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := sched.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if st := h.tranche(1).Status; st != model.StatusPending {
		t.Fatalf("stale cooldown wrote %s into the new tranche", st)
	}
}
