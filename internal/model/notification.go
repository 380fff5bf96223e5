package model

import "time"

// Notification history constants.
const (
	HistoryTypeNotified = "notified"
	NotificationSent    = "sent"
)

// Notification is a sent notification-history row joined with its incident
// and the incident's object.
type Notification struct {
	ID         int64
	IncidentID int64
	EventID    int64 // 0 when the row has no source event
	ContactID  int64 // 0 when the contact is NULL
	Time       time.Time
	Severity   string
	ObjectID   string
	Tags       map[string]string // object id tags, e.g. host and service
}

// Host returns the object's host tag.
func (n *Notification) Host() string { return n.Tags["host"] }

// Service returns the object's service tag.
func (n *Notification) Service() string { return n.Tags["service"] }

// Message builds a human-readable subject from the object tags. The second
// return value is false when the object carries no identifying tags.
func (n *Notification) Message() (string, bool) {
	host, service := n.Host(), n.Service()
	switch {
	case host != "" && service != "":
		return service + " on " + host, true
	case host != "":
		return host, true
	default:
		return "", false
	}
}

// Payload builds the stream payload for n with its time normalized to UTC.
func (n *Notification) Payload() (NotificationPayload, bool) {
	msg, ok := n.Message()
	if !ok {
		return NotificationPayload{}, false
	}
	return NotificationPayload{
		IncidentID: n.IncidentID,
		EventID:    n.EventID,
		Host:       n.Host(),
		Service:    n.Service(),
		Message:    msg,
		Time:       n.Time.UTC(),
		Severity:   n.Severity,
	}, true
}
