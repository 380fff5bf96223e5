package model

// Output is the write side of an open stream. Write reports whether the
// frame was accepted; a closed or backed-up peer yields false, never a panic.
type Output interface {
	Write(frame []byte) bool
	Close()
}

// AuthState is the authentication state of a Connection: either
// Unauthenticated or Authenticated.
type AuthState interface {
	authState()
}

// Unauthenticated is the state of every connection until its request
// passes authentication and recipient matching.
type Unauthenticated struct{}

// Authenticated carries the validated session and resolved identity.
type Authenticated struct {
	SessionID string
	UserAgent string
	User      User
}

func (Unauthenticated) authState() {}
func (Authenticated) authState()   {}

// Connection is the state of one accepted socket. It is owned by the
// reactor goroutine and is not safe for concurrent use.
type Connection struct {
	id      string
	seq     uint64
	address Address
	state   AuthState
	output  Output
}

// NewConnection returns an unauthenticated connection for the peer at addr.
// seq orders connections by accept time.
func NewConnection(id string, seq uint64, addr Address) *Connection {
	return &Connection{
		id:      id,
		seq:     seq,
		address: addr,
		state:   Unauthenticated{},
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Seq() uint64      { return c.seq }
func (c *Connection) Address() Address { return c.address }
func (c *Connection) State() AuthState { return c.state }
func (c *Connection) Output() Output   { return c.output }

// Authenticate moves the connection into the authenticated state.
func (c *Connection) Authenticate(a Authenticated) {
	c.state = a
}

// Identity returns the resolved user, if any.
func (c *Connection) Identity() (User, bool) {
	a, ok := c.state.(Authenticated)
	if !ok {
		return User{}, false
	}
	return a.User, true
}

// RecipientID returns the recipient this connection is matched to.
func (c *Connection) RecipientID() (int64, bool) {
	u, ok := c.Identity()
	return u.RecipientID, ok
}

// SessionID returns the validated session id, or "" when unauthenticated.
func (c *Connection) SessionID() string {
	if a, ok := c.state.(Authenticated); ok {
		return a.SessionID
	}
	return ""
}

// BrowserInstance identifies the browser holding this connection. Streams
// from the same browser share it.
func (c *Connection) BrowserInstance() string {
	if a, ok := c.state.(Authenticated); ok {
		return a.UserAgent
	}
	return ""
}

// Attach sets the stream output, closing any previous one.
func (c *Connection) Attach(out Output) {
	if c.output != nil && c.output != out {
		c.output.Close()
	}
	c.output = out
}

// Detach closes out if it is still the connection's current output.
func (c *Connection) Detach(out Output) {
	if c.output == nil || c.output != out {
		return
	}
	c.output.Close()
	c.output = nil
}

// Close closes the output and drops the identity.
func (c *Connection) Close() {
	if c.output != nil {
		c.output.Close()
		c.output = nil
	}
	c.state = Unauthenticated{}
}

// SendEvent writes the event's frame and reports whether it was accepted.
func (c *Connection) SendEvent(e Event) bool {
	if c.output == nil {
		return false
	}
	frame, err := e.Frame()
	if err != nil {
		return false
	}
	return c.output.Write(frame)
}

// Keepalive writes a comment-only frame.
func (c *Connection) Keepalive() bool {
	if c.output == nil {
		return false
	}
	return c.output.Write(KeepaliveFrame())
}
