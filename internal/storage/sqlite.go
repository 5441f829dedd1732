package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"sorelay/internal/domain"
	"sorelay/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = 5 * time.Second

// Open builds a Store for the configured driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if path == "" {
		path = "sorelay.db"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds())

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Single writer connection keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("storage: sqlite ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Registrations(ctx context.Context) ([]domain.Registration, error) {
	var regs []domain.Registration
	err := s.db.SelectContext(ctx, &regs,
		`SELECT account_id, access_token FROM registrations ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return regs, nil
}

func (s *sqliteStore) Register(ctx context.Context, reg domain.Registration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations (account_id, access_token) VALUES (?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET access_token = excluded.access_token`,
		reg.AccountID, reg.AccessToken)
	if err != nil {
		return fmt.Errorf("register account %d: %w", reg.AccountID, err)
	}
	return nil
}

func (s *sqliteStore) PushTarget(ctx context.Context, accountID domain.AccountID) (domain.PushTarget, bool, error) {
	var t domain.PushTarget
	err := s.db.GetContext(ctx, &t,
		`SELECT account_id, channel, target FROM push_targets WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PushTarget{}, false, nil
	}
	if err != nil {
		return domain.PushTarget{}, false, fmt.Errorf("load push target %d: %w", accountID, err)
	}
	return t, true, nil
}

func (s *sqliteStore) SetPushTarget(ctx context.Context, t domain.PushTarget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_targets (account_id, channel, target) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET channel = excluded.channel, target = excluded.target`,
		t.AccountID, t.Channel, t.Target)
	if err != nil {
		return fmt.Errorf("set push target %d: %w", t.AccountID, err)
	}
	return nil
}

func (s *sqliteStore) InsertIfNew(ctx context.Context, accountID domain.AccountID, text string) (domain.Notification, bool, error) {
	var (
		id        int64
		createdMS int64
	)
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO notifications (account_id, text, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (account_id, text) DO NOTHING
		 RETURNING id, created_at`,
		accountID, text, s.now().UnixMilli()).Scan(&id, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the row already exists. Not an error.
		return domain.Notification{}, false, nil
	}
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	return domain.Notification{
		ID:        id,
		AccountID: accountID,
		Text:      text,
		CreatedAt: time.UnixMilli(createdMS).UTC(),
	}, true, nil
}

type notificationRow struct {
	ID        int64  `db:"id"`
	AccountID int64  `db:"account_id"`
	Text      string `db:"text"`
	CreatedAt int64  `db:"created_at"`
}

func (s *sqliteStore) RecentNotifications(ctx context.Context, accountID domain.AccountID, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, account_id, text, created_at FROM notifications
		 WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications %d: %w", accountID, err)
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Notification{
			ID:        r.ID,
			AccountID: domain.AccountID(r.AccountID),
			Text:      r.Text,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
