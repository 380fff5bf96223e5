package server

import (
	"sort"

	"github.com/alfredjeanlab/notifyd/internal/model"
)

// live reports whether c is matched to a recipient and has an open stream.
func live(c *model.Connection) bool {
	if _, ok := c.RecipientID(); !ok {
		return false
	}
	return c.Output() != nil
}

// MatchedConnections groups the live connections by recipient id. Each
// group is ordered by accept time, oldest first. Connections that have not
// been matched to a recipient are never included.
func (s *Server) MatchedConnections() map[int64][]*model.Connection {
	matched := make(map[int64][]*model.Connection)
	for _, t := range s.byAddr {
		if !live(t.conn) {
			continue
		}
		id, _ := t.conn.RecipientID()
		matched[id] = append(matched[id], t.conn)
	}
	for _, conns := range matched {
		sort.Slice(conns, func(i, j int) bool { return conns[i].Seq() < conns[j].Seq() })
	}
	return matched
}

// ConnectionsFor returns the live connections of one recipient, oldest first.
func (s *Server) ConnectionsFor(recipientID int64) []*model.Connection {
	var conns []*model.Connection
	for _, t := range s.byAddr {
		if id, ok := t.conn.RecipientID(); ok && id == recipientID && live(t.conn) {
			conns = append(conns, t.conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Seq() < conns[j].Seq() })
	return conns
}

// Tracked returns the number of sockets currently tracked, authenticated or not.
func (s *Server) Tracked() int {
	return len(s.byAddr)
}

// keepaliveAll writes a comment frame to every open stream.
func (s *Server) keepaliveAll() {
	for key, t := range s.byAddr {
		if t.conn.Output() == nil {
			continue
		}
		if !t.conn.Keepalive() {
			s.logger.Debug("keepalive not accepted", "peer", key, "conn", t.conn.ID())
		}
	}
}
