package harvest

import (
	"context"

	"sortbox/internal/model"
)

// Provider is the remote mailbox the harvester reads from.
type Provider interface {
	ListInboxPage(ctx context.Context, pageSize int, cursor, filter string) (model.Page, error)
	GetItemDetail(ctx context.Context, id string) (model.EnrichedItem, error)
	GetProfile(ctx context.Context) (model.Profile, error)
}

// TrancheStore declares the persistence the scheduler and cooldown timers
// need. store.SQLiteStore is the durable implementation.
type TrancheStore interface {
	Get(ctx context.Context, id int) (*model.Tranche, error)
	Upsert(ctx context.Context, id int, u model.Update) error
	All(ctx context.Context) ([]model.Tranche, error)
	Initialize(ctx context.Context, totalInboxCount int, tranches []model.Tranche) (bool, error)
	TotalInboxCount(ctx context.Context) (int, error)
	DeleteTranche(ctx context.Context, id int) error
	Reset(ctx context.Context) error
}

// Logger is the leveled logger used across the harvester. *log.Logger from
// github.com/gologme/log satisfies it.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
