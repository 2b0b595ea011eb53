package harvest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	golog "github.com/gologme/log"

	"sortbox/internal/model"
	"sortbox/internal/store"
)

var _ Logger = (*golog.Logger)(nil)

func discardLogger() *golog.Logger {
	return golog.New(io.Discard, "", 0)
}

// fakeClock advances only when the code under test sleeps or the test
// calls Advance. Timers fire synchronously inside Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// fakeProvider serves a mailbox of message ids m0000, m0001, ... with the
// cursor being the decimal index of the next ref.
type fakeProvider struct {
	mu        sync.Mutex
	size      int
	reported  int
	listCalls int
	getCalls  map[string]int

	listErr func(call int, cursor string) error
	itemErr func(id string, attempt int) error
	onItem  func(id string)
	block   chan struct{}
	entered chan struct{}
}

func newFakeProvider(size int) *fakeProvider {
	return &fakeProvider{size: size, reported: size, getCalls: make(map[string]int)}
}

func msgID(i int) string { return fmt.Sprintf("m%04d", i) }

func (p *fakeProvider) ListInboxPage(ctx context.Context, pageSize int, cursor, filter string) (model.Page, error) {
	p.mu.Lock()
	p.listCalls++
	call := p.listCalls
	listErr, block, entered := p.listErr, p.block, p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if listErr != nil {
		if err := listErr(call, cursor); err != nil {
			return model.Page{}, err
		}
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return model.Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	end := min(start+pageSize, p.size)
	var page model.Page
	for i := start; i < end; i++ {
		page.Refs = append(page.Refs, model.ItemRef{ID: msgID(i), ThreadID: "t" + msgID(i)})
	}
	if end < p.size {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (p *fakeProvider) GetItemDetail(ctx context.Context, id string) (model.EnrichedItem, error) {
	p.mu.Lock()
	p.getCalls[id]++
	attempt := p.getCalls[id]
	itemErr, onItem := p.itemErr, p.onItem
	p.mu.Unlock()

	if onItem != nil {
		onItem(id)
	}
	if itemErr != nil {
		if err := itemErr(id, attempt); err != nil {
			return model.EnrichedItem{}, err
		}
	}
	return model.EnrichedItem{
		ID:      id,
		Subject: "Subject " + id,
		Sender:  "Sender <s@example.com>",
	}, nil
}

func (p *fakeProvider) GetProfile(ctx context.Context) (model.Profile, error) {
	return model.Profile{Address: "me@example.com", TotalCount: p.reported}, nil
}

type harness struct {
	t        *testing.T
	store    *store.SQLiteStore
	provider *fakeProvider
	clock    *fakeClock
	sched    *Scheduler
}

func testConfig() Config {
	return Config{
		TrancheCapacity:  1000,
		PageCapacity:     100,
		ItemDelay:        200 * time.Millisecond,
		PageDelay:        2 * time.Second,
		RateLimitBackoff: 10 * time.Second,
		Cooldown:         30 * time.Second,
		ItemRetries:      1,
		SecondsPerItem:   0.25,
		Filter:           "in:inbox",
	}
}

func newHarness(t *testing.T, mailbox int, cfg Config) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "harvest.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{t: t, store: s, provider: newFakeProvider(mailbox), clock: newFakeClock()}
	h.sched = NewScheduler(s, h.provider, cfg, discardLogger(), WithClock(h.clock))
	if _, err := h.sched.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return h
}

func (h *harness) tranche(id int) *model.Tranche {
	h.t.Helper()
	tr, err := h.store.Get(context.Background(), id)
	if err != nil || tr == nil {
		h.t.Fatalf("Get(%d): %v %v", id, tr, err)
	}
	if tr.FetchedCount != len(tr.Items) {
		h.t.Fatalf("tranche %d: fetched=%d but %d items", id, tr.FetchedCount, len(tr.Items))
	}
	if tr.FetchedCount > tr.TotalToFetch {
		h.t.Fatalf("tranche %d overfilled: %d > %d", id, tr.FetchedCount, tr.TotalToFetch)
	}
	return tr
}

func (h *harness) start(id int) (model.Status, error) {
	return h.sched.Start(context.Background(), id)
}

func (h *harness) mustStart(id int, want model.Status) {
	h.t.Helper()
	got, err := h.start(id)
	if err != nil {
		h.t.Fatalf("Start(%d): %v", id, err)
	}
	if got != want {
		h.t.Fatalf("Start(%d) status want %s got %s", id, want, got)
	}
}

func assertItems(t *testing.T, items []model.EnrichedItem, from, to int) {
	t.Helper()
	if len(items) != to-from {
		t.Fatalf("want %d items, got %d", to-from, len(items))
	}
	for i, it := range items {
		if it.ID != msgID(from+i) {
			t.Fatalf("item %d want %s got %s", i, msgID(from+i), it.ID)
		}
	}
}
