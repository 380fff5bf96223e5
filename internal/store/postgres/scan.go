package postgres

import (
	"database/sql"

	"github.com/alfredjeanlab/notifyd/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanSession scans a single row into a model.Session.
// The row must contain columns in the order defined by sessionColumns.
func scanSession(row scannable) (*model.Session, error) {
	var (
		s         model.Session
		userAgent sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Username, &userAgent, &s.AuthenticatedAt); err != nil {
		return nil, err
	}
	s.UserAgent = userAgent.String
	return &s, nil
}

// scanNotification scans one history row joined with its incident.
func scanNotification(row scannable) (*model.Notification, error) {
	var (
		n         model.Notification
		eventID   sql.NullInt64
		contactID sql.NullInt64
		severity  sql.NullString
	)
	err := row.Scan(
		&n.ID,
		&n.IncidentID,
		&eventID,
		&contactID,
		&n.Time,
		&severity,
		&n.ObjectID,
	)
	if err != nil {
		return nil, err
	}
	n.EventID = eventID.Int64
	n.ContactID = contactID.Int64
	n.Severity = severity.String
	return &n, nil
}
