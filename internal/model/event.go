package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// EventIncidentNotification is the stream event name for a sent incident notification.
const EventIncidentNotification = "icinga2.notification"

// DefaultRetryInterval is the reconnect hint sent with every event frame.
const DefaultRetryInterval = 3 * time.Second

// keepaliveFrame is a comment-only frame that carries no event.
var keepaliveFrame = []byte(":\n\n")

// NotificationPayload is the data pushed to the browser for one incident notification.
type NotificationPayload struct {
	IncidentID int64     `json:"incident_id"`
	EventID    int64     `json:"event_id,omitempty"`
	Host       string    `json:"host"`
	Service    string    `json:"service,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
	Severity   string    `json:"severity"`
}

// Event is an immutable notification bound for a single recipient.
type Event struct {
	identifier    string
	recipientID   int64
	payload       any
	createdAt     time.Time
	retryInterval time.Duration
}

// NewEvent returns an Event created now with the default retry interval.
func NewEvent(identifier string, recipientID int64, payload any) Event {
	return Event{
		identifier:    identifier,
		recipientID:   recipientID,
		payload:       payload,
		createdAt:     time.Now().UTC(),
		retryInterval: DefaultRetryInterval,
	}
}

// WithRetryInterval returns a copy of e carrying the given reconnect hint.
func (e Event) WithRetryInterval(d time.Duration) Event {
	e.retryInterval = d
	return e
}

func (e Event) Identifier() string           { return e.identifier }
func (e Event) RecipientID() int64           { return e.recipientID }
func (e Event) Payload() any                 { return e.payload }
func (e Event) CreatedAt() time.Time         { return e.createdAt }
func (e Event) RetryInterval() time.Duration { return e.retryInterval }

// frameData is the JSON body of the data line.
type frameData struct {
	Time    string `json:"time"`
	Payload any    `json:"payload"`
}

// Frame encodes the event as one stream frame:
//
//	event: <identifier>
//	data: {"time":...,"payload":...}
//	retry: <milliseconds>
//	<blank line>
func (e Event) Frame() ([]byte, error) {
	data, err := json.Marshal(frameData{
		Time:    e.createdAt.Format(time.RFC3339),
		Payload: e.payload,
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(e.identifier)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\nretry: ")
	buf.WriteString(strconv.FormatInt(e.retryInterval.Milliseconds(), 10))
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// MarshalJSON encodes the event for the NATS mirror.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event       string    `json:"event"`
		RecipientID int64     `json:"recipient_id"`
		CreatedAt   time.Time `json:"created_at"`
		Payload     any       `json:"payload"`
	}{e.identifier, e.recipientID, e.createdAt, e.payload})
}

// KeepaliveFrame returns the comment-only keepalive frame.
func KeepaliveFrame() []byte {
	return keepaliveFrame
}
