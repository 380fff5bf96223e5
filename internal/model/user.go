package model

import "time"

// User is the identity a connection authenticated as. Both fields are
// resolved before a User is ever attached to a Connection.
type User struct {
	Username    string
	RecipientID int64
}

// Session is a row of the web application's session table.
type Session struct {
	ID              string
	Username        string
	UserAgent       string
	AuthenticatedAt time.Time
}
