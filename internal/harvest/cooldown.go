package harvest

import (
	"context"
	"sync"
	"time"

	"sortbox/internal/model"
)

// Cooldowns owns the rest timers that move tranches from cooldown to
// completed. Each armed timer can be cancelled; a cancelled or replaced
// timer never writes to the store.
type Cooldowns struct {
	store    TrancheStore
	clock    Clock
	duration time.Duration
	log      Logger

	mu     sync.Mutex
	gen    uint64
	timers map[int]*cooldownEntry
	wg     sync.WaitGroup

	// writing is held by an expiring timer from its generation check until
	// its store write is done.
	writing sync.Mutex
}

type cooldownEntry struct {
	gen   uint64
	timer Timer
}

// CooldownHandle cancels one armed cooldown.
type CooldownHandle struct {
	c   *Cooldowns
	id  int
	gen uint64
}

// Cancel stops the timer if it is still the one armed for the tranche.
func (h CooldownHandle) Cancel() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if e, ok := h.c.timers[h.id]; ok && e.gen == h.gen {
		h.c.stopLocked(h.id)
	}
}

func NewCooldowns(store TrancheStore, clock Clock, duration time.Duration, log Logger) *Cooldowns {
	return &Cooldowns{
		store:    store,
		clock:    clock,
		duration: duration,
		log:      log,
		timers:   make(map[int]*cooldownEntry),
	}
}

// Duration is the configured rest interval.
func (c *Cooldowns) Duration() time.Duration { return c.duration }

// Arm starts the full cooldown for a tranche.
func (c *Cooldowns) Arm(trancheID int) CooldownHandle {
	return c.ArmFor(trancheID, c.duration)
}

// ArmFor starts a cooldown of d, replacing any timer already armed for the
// tranche. d <= 0 completes on the next timer tick.
func (c *Cooldowns) ArmFor(trancheID int, d time.Duration) CooldownHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked(trancheID)
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	t := c.clock.AfterFunc(d, func() {
		defer c.wg.Done()
		c.expire(trancheID, gen)
	})
	c.timers[trancheID] = &cooldownEntry{gen: gen, timer: t}
	return CooldownHandle{c: c, id: trancheID, gen: gen}
}

func (c *Cooldowns) expire(trancheID int, gen uint64) {
	c.writing.Lock()
	defer c.writing.Unlock()
	c.mu.Lock()
	e, ok := c.timers[trancheID]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.timers, trancheID)
	c.mu.Unlock()

	ctx := context.Background()
	tr, err := c.store.Get(ctx, trancheID)
	if err != nil {
		c.log.Errorf("cooldown: load tranche %d: %v", trancheID, err)
		return
	}
	if tr == nil || tr.Status != model.StatusCooldown {
		return
	}
	err = c.store.Upsert(ctx, trancheID, model.Update{
		Status:        model.StatusPtr(model.StatusCompleted),
		CooldownUntil: model.TimePtr(time.Time{}),
	})
	if err != nil {
		c.log.Errorf("cooldown: complete tranche %d: %v", trancheID, err)
		return
	}
	c.log.Infof("tranche %d cooldown elapsed, completed", trancheID)
}

// Cancel stops the timer armed for a tranche, if any.
func (c *Cooldowns) Cancel(trancheID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(trancheID)
}

// stopLocked cancels the timer for a tranche. c.mu must be held.
func (c *Cooldowns) stopLocked(trancheID int) {
	e, ok := c.timers[trancheID]
	if !ok {
		return
	}
	if e.timer.Stop() {
		c.wg.Done()
	}
	delete(c.timers, trancheID)
}

// CancelAll stops every armed timer and waits for any timer that already
// fired to finish its store write. Nothing it stopped writes afterwards.
func (c *Cooldowns) CancelAll() {
	c.mu.Lock()
	for id := range c.timers {
		c.stopLocked(id)
	}
	c.mu.Unlock()

	c.writing.Lock()
	c.writing.Unlock()
}

// Armed reports whether a timer is pending for the tranche.
func (c *Cooldowns) Armed(trancheID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[trancheID]
	return ok
}

// Wait blocks until every fired timer callback has returned. Cancelled
// timers are not waited for.
func (c *Cooldowns) Wait() {
	c.wg.Wait()
}
