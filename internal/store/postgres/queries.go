package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/notifyd/internal/model"
)

// sessionColumns is the column list used for SELECT statements on web_session.
const sessionColumns = `id, username, user_agent, authenticated_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryGetSession(ctx context.Context, db executor, token string) (*model.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM web_session WHERE id = $1`, token)
	return scanSession(row)
}

func queryLatestSession(ctx context.Context, db executor, username, userAgent string) (*model.Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM web_session
		WHERE username = $1 AND user_agent = $2
		ORDER BY authenticated_at DESC
		LIMIT 1`,
		username, userAgent,
	)
	return scanSession(row)
}

func queryDeleteSessionsBefore(ctx context.Context, db executor, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM web_session WHERE authenticated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryRecipientIDByUsername(ctx context.Context, db executor, username string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM contact WHERE username = $1 AND deleted = false`,
		username,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func queryLatestSentNotificationID(ctx context.Context, db executor) (int64, error) {
	var id sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM incident_history
		WHERE type = $1 AND notification_state = $2`,
		model.HistoryTypeNotified, model.NotificationSent,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func querySentNotificationsAfter(ctx context.Context, db executor, cursor int64) ([]*model.Notification, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT h.id, h.incident_id, h.event_id, h.contact_id, h.time, i.severity, i.object_id
		FROM incident_history h
		JOIN incident i ON i.id = h.incident_id
		JOIN object o ON o.id = i.object_id
		WHERE h.id > $1 AND h.type = $2 AND h.notification_state = $3
		ORDER BY h.id ASC`,
		cursor, model.HistoryTypeNotified, model.NotificationSent,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		result    []*model.Notification
		objectIDs []string
		seen      = make(map[string]bool)
	)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
		if !seen[n.ObjectID] {
			seen[n.ObjectID] = true
			objectIDs = append(objectIDs, n.ObjectID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	tags, err := queryObjectTags(ctx, db, objectIDs)
	if err != nil {
		return nil, fmt.Errorf("load object tags: %w", err)
	}
	for _, n := range result {
		n.Tags = tags[n.ObjectID]
	}
	return result, nil
}

// queryObjectTags returns the id tags of the given objects keyed by object id.
func queryObjectTags(ctx context.Context, db executor, objectIDs []string) (map[string]map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT object_id, tag, value FROM object_id_tag WHERE object_id = ANY($1)`,
		pq.Array(objectIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[string]map[string]string, len(objectIDs))
	for rows.Next() {
		var objectID, tag, value string
		if err := rows.Scan(&objectID, &tag, &value); err != nil {
			return nil, err
		}
		if tags[objectID] == nil {
			tags[objectID] = make(map[string]string)
		}
		tags[objectID][tag] = value
	}
	return tags, rows.Err()
}
