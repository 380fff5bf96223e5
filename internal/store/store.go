// Package store defines the storage contracts the daemon consumes. The
// schema belongs to the web application; the daemon only reads it, apart
// from session housekeeping.
package store

import (
	"context"
	"time"

	"github.com/alfredjeanlab/notifyd/internal/model"
)

// SessionStore looks up and expires web sessions. Lookups return
// sql.ErrNoRows when no row matches.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*model.Session, error)
	LatestSession(ctx context.Context, username, userAgent string) (*model.Session, error)
	DeleteSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// RecipientDirectory resolves usernames to notification recipients
// (contacts). It returns sql.ErrNoRows when the username has no contact.
type RecipientDirectory interface {
	RecipientIDByUsername(ctx context.Context, username string) (int64, error)
}

// HistoryStore reads the append-only notification history.
type HistoryStore interface {
	// LatestSentNotificationID returns the highest id of sent notification
	// rows, or 0 when there are none.
	LatestSentNotificationID(ctx context.Context) (int64, error)
	// SentNotificationsAfter returns sent notification rows with id > cursor,
	// ordered ascending by id, joined with incident and object tags.
	SentNotificationsAfter(ctx context.Context, cursor int64) ([]*model.Notification, error)
}

// Store is everything the daemon needs from the database.
type Store interface {
	SessionStore
	RecipientDirectory
	HistoryStore

	Close() error
}
