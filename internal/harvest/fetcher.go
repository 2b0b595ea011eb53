package harvest

import (
	"context"
	"fmt"

	"sortbox/internal/model"
)

// Fetcher issues exactly one provider call per request and applies the
// throttling rules around it.
type Fetcher struct {
	provider Provider
	clock    Clock
	cfg      Config
	log      Logger
}

func NewFetcher(p Provider, clock Clock, cfg Config, log Logger) *Fetcher {
	return &Fetcher{provider: p, clock: clock, cfg: cfg, log: log}
}

func (f *Fetcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, f.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// ListPage lists one page. A throttled listing returns an error matching
// ErrRateLimited without any backoff; the caller decides to stop.
func (f *Fetcher) ListPage(ctx context.Context, rc *RunContext, size int, cursor, filter string) (model.Page, error) {
	cctx, cancel := f.callContext(ctx)
	defer cancel()

	page, err := f.provider.ListInboxPage(cctx, size, cursor, filter)
	if err != nil {
		if IsRateLimited(err) {
			f.log.Warnf("[%s] listing throttled at cursor %q: %v", rc.ID, cursor, err)
			return model.Page{}, fmt.Errorf("list page: %w: %v", ErrRateLimited, err)
		}
		return model.Page{}, fmt.Errorf("list page: %w", err)
	}
	return page, nil
}

// GetItem fetches one item detail, then waits ItemDelay unless the run was
// cancelled. A throttled call waits RateLimitBackoff and returns an error
// matching ErrItemSkipped.
func (f *Fetcher) GetItem(ctx context.Context, rc *RunContext, id string) (model.EnrichedItem, error) {
	cctx, cancel := f.callContext(ctx)
	item, err := f.provider.GetItemDetail(cctx, id)
	cancel()

	if err != nil && IsRateLimited(err) {
		f.log.Warnf("[%s] item %s throttled, backing off %s", rc.ID, id, f.cfg.RateLimitBackoff)
		sleep(ctx, f.clock, rc.Token, f.cfg.RateLimitBackoff)
		return model.EnrichedItem{}, fmt.Errorf("get item %s: %w", id, ErrItemSkipped)
	}

	sleep(ctx, f.clock, rc.Token, f.cfg.ItemDelay)
	if err != nil {
		return model.EnrichedItem{}, fmt.Errorf("get item %s: %w", id, err)
	}
	if item.ID == "" {
		item.ID = id
	}
	return item, nil
}
