package storage

import (
	"context"
	"errors"
	"time"

	"sorelay/internal/domain"
)

// Config configures storage. Driver "sqlite" (or "sqlite3") is the only
// backend; empty defaults to sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

var ErrUnknownDriver = errors.New("unknown storage driver")

// Store is the persistence API used by the pipeline.
//
// InsertIfNew is the single linearization point of the relay: the unique
// (account_id, text) constraint decides "is this new" atomically. A false
// created result is the normal dedup outcome, not an error; any non-nil
// error means the store was unavailable and the operation may be retried.
type Store interface {
	Registrations(ctx context.Context) ([]domain.Registration, error)
	Register(ctx context.Context, reg domain.Registration) error

	PushTarget(ctx context.Context, accountID domain.AccountID) (domain.PushTarget, bool, error)
	SetPushTarget(ctx context.Context, t domain.PushTarget) error

	InsertIfNew(ctx context.Context, accountID domain.AccountID, text string) (n domain.Notification, created bool, err error)
	RecentNotifications(ctx context.Context, accountID domain.AccountID, limit int) ([]domain.Notification, error)

	Close() error
}
