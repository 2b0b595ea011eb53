package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"sortbox/internal/model"
)

// Scheduler drives tranche harvests. At most one tranche runs at a time.
type Scheduler struct {
	store    TrancheStore
	provider Provider
	fetcher  *Fetcher
	cooldown *Cooldowns
	clock    Clock
	cfg      Config
	log      Logger

	inFlight atomic.Bool

	// gate is read-held by a run for its whole lifetime; Reset write-holds
	// it so no run can write while the store is cleared.
	gate sync.RWMutex

	mu        sync.Mutex
	run       *RunContext
	resetting bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler wires a scheduler over a store and a provider.
func NewScheduler(store TrancheStore, provider Provider, cfg Config, log Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		provider: provider,
		clock:    RealClock(),
		cfg:      cfg.withDefaults(),
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	s.fetcher = NewFetcher(provider, s.clock, s.cfg, log)
	s.cooldown = NewCooldowns(store, s.clock, s.cfg.Cooldown, log)
	return s
}

// Cooldowns exposes the cooldown timers.
func (s *Scheduler) Cooldowns() *Cooldowns { return s.cooldown }

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Running reports whether a harvest is in flight.
func (s *Scheduler) Running() bool { return s.inFlight.Load() }

// Prepare creates the tranche set from the provider's mailbox size unless
// one already exists. It returns the number of tranches in the store.
func (s *Scheduler) Prepare(ctx context.Context) (int, error) {
	existing, err := s.store.All(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return len(existing), nil
	}
	profile, err := s.provider.GetProfile(ctx)
	if err != nil {
		return 0, fmt.Errorf("get profile: %w", err)
	}
	tranches := Partition(profile.TotalCount, s.cfg.TrancheCapacity)
	if _, err := s.store.Initialize(ctx, profile.TotalCount, tranches); err != nil {
		return 0, err
	}
	s.log.Infof("mailbox %s: %d messages in %d tranches", profile.Address, profile.TotalCount, len(tranches))
	return len(tranches), nil
}

// Recover repairs state left by an interrupted process: running tranches
// become stopped and cooldowns are re-armed for their remaining time.
func (s *Scheduler) Recover(ctx context.Context) error {
	tranches, err := s.store.All(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, t := range tranches {
		switch t.Status {
		case model.StatusRunning:
			if s.inFlight.Load() {
				continue
			}
			if err := s.store.Upsert(ctx, t.ID, model.Update{Status: model.StatusPtr(model.StatusStopped)}); err != nil {
				return err
			}
			s.log.Warnf("tranche %d was running at shutdown, marked stopped", t.ID)
		case model.StatusCooldown:
			if s.cooldown.Armed(t.ID) {
				continue
			}
			remaining := t.CooldownUntil.Sub(now)
			if t.CooldownUntil.IsZero() {
				remaining = s.cfg.Cooldown
			}
			s.cooldown.ArmFor(t.ID, remaining)
		}
	}
	return nil
}

// CancelRequested reports whether the most recent run's cancellation
// signal is set. A new Start always begins with a clear signal.
func (s *Scheduler) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.run.Token.Cancelled()
}

// Stop requests cancellation of the running harvest. It is observed at the
// next suspension point.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil && s.inFlight.Load() {
		s.run.Token.Cancel()
		s.log.Infof("[%s] stop requested for tranche %d", s.run.ID, s.run.TrancheID)
	}
}

// Reset cancels the running harvest and every cooldown, waits for both to
// finish writing, then clears the store. Start is refused until it returns.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.resetting = true
	if s.run != nil && s.inFlight.Load() {
		s.run.Token.Cancel()
		s.log.Infof("[%s] reset requested, stopping tranche %d", s.run.ID, s.run.TrancheID)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.resetting = false
		s.mu.Unlock()
	}()

	s.gate.Lock()
	defer s.gate.Unlock()
	s.cooldown.CancelAll()
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.log.Infof("store reset")
	return nil
}

// DeleteTranche cancels the tranche's cooldown and removes it from the
// store. The running tranche cannot be deleted.
func (s *Scheduler) DeleteTranche(ctx context.Context, trancheID int) error {
	s.mu.Lock()
	busy := s.run != nil && s.run.TrancheID == trancheID && s.inFlight.Load()
	s.mu.Unlock()
	if busy {
		return fmt.Errorf("tranche %d: %w", trancheID, ErrHarvestInFlight)
	}
	t, err := s.store.Get(ctx, trancheID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("tranche %d: %w", trancheID, ErrTrancheNotFound)
	}
	s.cooldown.Cancel(trancheID)
	if err := s.store.DeleteTranche(ctx, trancheID); err != nil {
		return err
	}
	s.log.Infof("tranche %d deleted", trancheID)
	return nil
}

// Start harvests one tranche until it is complete, stopped or failed, and
// returns its final status. Refusals (ErrHarvestInFlight, ErrResetting,
// ErrTrancheDone, ErrTrancheNotFound) leave the store untouched. Provider
// failures other than throttling are returned alongside StatusError.
func (s *Scheduler) Start(ctx context.Context, trancheID int) (model.Status, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return "", ErrHarvestInFlight
	}
	defer s.inFlight.Store(false)
	s.gate.RLock()
	defer s.gate.RUnlock()

	t, err := s.store.Get(ctx, trancheID)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", fmt.Errorf("tranche %d: %w", trancheID, ErrTrancheNotFound)
	}
	if t.Status.Done() {
		return t.Status, fmt.Errorf("tranche %d is %s: %w", trancheID, t.Status, ErrTrancheDone)
	}

	rc := newRunContext(trancheID)
	s.mu.Lock()
	if s.resetting {
		s.mu.Unlock()
		return "", ErrResetting
	}
	s.run = rc
	s.mu.Unlock()
	err = s.store.Upsert(ctx, trancheID, model.Update{
		Status:    model.StatusPtr(model.StatusRunning),
		LastError: model.StringPtr(""),
	})
	if err != nil {
		return "", err
	}
	s.log.Infof("[%s] tranche %d started at %d/%d", rc.ID, trancheID, t.FetchedCount, t.TotalToFetch)

	status, runErr := s.harvest(ctx, rc, t)
	return status, s.finish(ctx, rc, status, runErr)
}

// finish persists the exit status of a run.
func (s *Scheduler) finish(ctx context.Context, rc *RunContext, status model.Status, runErr error) error {
	u := model.Update{Status: model.StatusPtr(status)}
	switch status {
	case model.StatusCooldown:
		until := s.clock.Now().Add(s.cfg.Cooldown)
		u.CooldownUntil = &until
	case model.StatusError:
		u.LastError = model.StringPtr(runErr.Error())
	}
	// The run's own ctx may be done; the exit status must still land.
	if err := s.store.Upsert(context.WithoutCancel(ctx), rc.TrancheID, u); err != nil {
		s.log.Errorf("[%s] persist status %s: %v", rc.ID, status, err)
		if runErr == nil {
			runErr = err
		}
		return runErr
	}

	switch status {
	case model.StatusCooldown:
		s.cooldown.Arm(rc.TrancheID)
		s.log.Infof("[%s] tranche %d fetched, cooling down for %s", rc.ID, rc.TrancheID, s.cfg.Cooldown)
	case model.StatusStopped:
		s.log.Infof("[%s] tranche %d stopped", rc.ID, rc.TrancheID)
	case model.StatusError:
		s.log.Errorf("[%s] tranche %d failed: %v", rc.ID, rc.TrancheID, runErr)
	}
	if status == model.StatusError {
		return runErr
	}
	return nil
}

func (s *Scheduler) cancelled(ctx context.Context, rc *RunContext) bool {
	return rc.Token.Cancelled() || ctx.Err() != nil
}

// harvest runs the page loop and decides the exit status.
func (s *Scheduler) harvest(ctx context.Context, rc *RunContext, t *model.Tranche) (model.Status, error) {
	fetched := t.FetchedCount
	cursor := t.ContinuationToken
	offset := t.PageOffset

	seen := make(map[string]struct{}, len(t.Items))
	for _, it := range t.Items {
		seen[it.ID] = struct{}{}
	}

	switch {
	case cursor == "" && fetched > 0 && offset == 0:
		// A previous run drained the listing before reaching the target.
		return model.StatusCooldown, nil
	case cursor == "" && t.StartIndex > 0:
		c, exhausted, err := s.seed(ctx, rc, t)
		if status, ok := s.exitStatus(ctx, rc, err); ok {
			return status, err
		}
		if exhausted {
			return model.StatusCooldown, nil
		}
		if c == "" {
			// Seek was interrupted before reaching the tranche window.
			return model.StatusStopped, nil
		}
		cursor = c
	}

	for fetched < t.TotalToFetch {
		if s.cancelled(ctx, rc) {
			return model.StatusStopped, nil
		}

		size := min(s.cfg.PageCapacity, t.TotalToFetch-fetched+offset)
		page, err := s.fetcher.ListPage(ctx, rc, size, cursor, s.cfg.Filter)
		if status, ok := s.exitStatus(ctx, rc, err); ok {
			return status, err
		}

		refs := page.Refs
		if offset > len(refs) {
			offset = len(refs)
		}
		refs = refs[offset:]

		var got []model.EnrichedItem
		consumed := offset
		interrupted := false
		for _, ref := range refs {
			if fetched+len(got) >= t.TotalToFetch {
				break
			}
			if s.cancelled(ctx, rc) {
				interrupted = true
				break
			}
			if _, dup := seen[ref.ID]; dup {
				consumed++
				continue
			}
			item, ok := s.fetchItem(ctx, rc, ref.ID)
			if !ok && s.cancelled(ctx, rc) {
				// Not counted: the resume fetches it again.
				interrupted = true
				break
			}
			consumed++
			if !ok {
				continue
			}
			seen[item.ID] = struct{}{}
			got = append(got, item)
		}

		u := model.Update{AppendItems: got}
		if interrupted {
			// Keep the page cursor; resume skips what was consumed.
			u.PageOffset = model.IntPtr(consumed)
		} else {
			cursor = page.NextCursor
			u.ContinuationToken = model.StringPtr(cursor)
			u.PageOffset = model.IntPtr(0)
		}
		if err := s.store.Upsert(context.WithoutCancel(ctx), rc.TrancheID, u); err != nil {
			return model.StatusError, fmt.Errorf("write page: %w", err)
		}
		fetched += len(got)
		offset = 0
		s.log.Debugf("[%s] tranche %d page done: %d/%d", rc.ID, rc.TrancheID, fetched, t.TotalToFetch)

		if interrupted {
			return model.StatusStopped, nil
		}
		if cursor == "" {
			s.log.Infof("[%s] tranche %d: listing exhausted at %d/%d", rc.ID, rc.TrancheID, fetched, t.TotalToFetch)
			break
		}
		if fetched >= t.TotalToFetch {
			break
		}
		sleep(ctx, s.clock, rc.Token, s.cfg.PageDelay)
	}
	return model.StatusCooldown, nil
}

// fetchItem details one ref, retrying throttled calls up to ItemRetries
// times. Other failures skip the item.
func (s *Scheduler) fetchItem(ctx context.Context, rc *RunContext, id string) (model.EnrichedItem, bool) {
	for attempt := 0; ; attempt++ {
		item, err := s.fetcher.GetItem(ctx, rc, id)
		if err == nil {
			return item, true
		}
		if errors.Is(err, ErrItemSkipped) && attempt < s.cfg.ItemRetries && !s.cancelled(ctx, rc) {
			continue
		}
		s.log.Warnf("[%s] skipping item %s: %v", rc.ID, id, err)
		return model.EnrichedItem{}, false
	}
}

// exitStatus maps a page-level error to an exit status. ok is false when the
// run may continue.
func (s *Scheduler) exitStatus(ctx context.Context, rc *RunContext, err error) (model.Status, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrRateLimited):
		// Protect the account: stop everything instead of retrying.
		rc.Token.Cancel()
		return model.StatusStopped, true
	case ctx.Err() != nil:
		return model.StatusStopped, true
	default:
		return model.StatusError, true
	}
}

// seed finds the listing cursor at the start of a fresh tranche window. It
// reuses the cursor the previous tranche ended on when that tranche is
// full, and otherwise pages through refs without fetching details.
func (s *Scheduler) seed(ctx context.Context, rc *RunContext, t *model.Tranche) (cursor string, exhausted bool, err error) {
	if prev, err := s.store.Get(ctx, t.ID-1); err == nil && prev != nil &&
		prev.StartIndex+prev.TotalToFetch == t.StartIndex &&
		prev.FetchedCount == prev.TotalToFetch && prev.ContinuationToken != "" {
		s.log.Debugf("[%s] tranche %d seeded from tranche %d", rc.ID, t.ID, prev.ID)
		return prev.ContinuationToken, false, s.store.Upsert(ctx, t.ID, model.Update{ContinuationToken: &prev.ContinuationToken})
	}

	s.log.Infof("[%s] tranche %d: seeking to index %d", rc.ID, t.ID, t.StartIndex)
	skipped := 0
	for skipped < t.StartIndex {
		if s.cancelled(ctx, rc) {
			return "", false, nil
		}
		size := min(s.cfg.PageCapacity, t.StartIndex-skipped)
		page, err := s.fetcher.ListPage(ctx, rc, size, cursor, s.cfg.Filter)
		if err != nil {
			return "", false, err
		}
		skipped += len(page.Refs)
		cursor = page.NextCursor
		if cursor == "" {
			return "", true, nil
		}
		if skipped < t.StartIndex {
			sleep(ctx, s.clock, rc.Token, s.cfg.PageDelay)
		}
	}
	if err := s.store.Upsert(ctx, t.ID, model.Update{ContinuationToken: &cursor}); err != nil {
		return "", false, err
	}
	return cursor, false, nil
}

// TimeUntilComplete returns how long a cooling tranche still has to rest.
func TimeUntilComplete(t model.Tranche, now time.Time) time.Duration {
	if t.Status != model.StatusCooldown || t.CooldownUntil.IsZero() {
		return 0
	}
	if d := t.CooldownUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}
