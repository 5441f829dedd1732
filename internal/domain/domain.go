// Package domain holds the small set of types shared across the relay
// pipeline. Nothing here does I/O.
package domain

import "time"

// AccountID identifies a Stack Exchange network account (not a per-site
// user id). It is the unit of registration, polling and fan-out.
type AccountID int64

// AccessToken is the per-account OAuth token used for API reads.
type AccessToken string

// Registration is a watched account as persisted by the store.
type Registration struct {
	AccountID   AccountID   `db:"account_id"`
	AccessToken AccessToken `db:"access_token"`
}

// Candidate is a notification that has been built but not yet persisted.
// (AccountID, Text) is the dedup key; Text must be deterministic for a
// given source item.
type Candidate struct {
	AccountID AccountID
	Text      string
}

// Notification is a persisted, deduplicated notification. Immutable once
// created; the id is assigned by the store.
type Notification struct {
	ID        int64     `db:"id" json:"id"`
	AccountID AccountID `db:"account_id" json:"account_id"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Push channels supported by the delivery service.
const (
	ChannelPushover = "pushover"
	ChannelTelegram = "telegram"
)

// PushTarget is an optional per-account forwarding destination: a Pushover
// user key or a Telegram chat id, depending on Channel.
type PushTarget struct {
	AccountID AccountID `db:"account_id"`
	Channel   string    `db:"channel"`
	Target    string    `db:"target"`
}
