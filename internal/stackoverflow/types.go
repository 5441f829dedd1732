package stackoverflow

import "sorelay/internal/domain"

// wrapper is the common envelope of every Stack Exchange API response.
// Error fields and success fields are mutually exclusive; errorID != 0
// marks the error shape.
type wrapper[T any] struct {
	Items   []T  `json:"items"`
	Backoff int  `json:"backoff"`
	HasMore bool `json:"has_more"`

	QuotaMax       int `json:"quota_max"`
	QuotaRemaining int `json:"quota_remaining"`

	ErrorID      int    `json:"error_id"`
	ErrorName    string `json:"error_name"`
	ErrorMessage string `json:"error_message"`
}

// Item is one unread notification as returned by /me/notifications/unread.
// It is the strict intermediate representation: anything the API sends that
// doesn't fit this shape is rejected at the client boundary. Items are
// ephemeral; they live for one poll cycle only.
type Item struct {
	Body             string `json:"body"`
	CreationDate     int64  `json:"creation_date"`
	IsUnread         bool   `json:"is_unread"`
	NotificationType string `json:"notification_type"`
	PostID           int64  `json:"post_id,omitempty"`
}

// User is the subset of /me the relay needs during registration.
type User struct {
	AccountID domain.AccountID `json:"account_id"`
	UserID    int64            `json:"user_id"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Expires     int64  `json:"expires,omitempty"`
}
