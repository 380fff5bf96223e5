// Package storetest provides an in-memory store.Store for tests of the
// packages that consume the collaborator contracts.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/notifyd/internal/model"
	"github.com/alfredjeanlab/notifyd/internal/store"
)

// Memory is a store.Store backed by maps. It is safe for concurrent use so
// tests can seed it while a reactor goroutine reads from it.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	contacts map[string]int64
	history  []*model.Notification

	historyErr error
	sessionErr error

	polls  int
	closed int
}

var _ store.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]model.Session),
		contacts: make(map[string]int64),
	}
}

// AddSession stores s under its ID.
func (m *Memory) AddSession(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// AddContact maps username to a recipient id.
func (m *Memory) AddContact(username string, recipientID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[username] = recipientID
}

// AddNotification appends sent history rows.
func (m *Memory) AddNotification(ns ...*model.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, ns...)
	sort.Slice(m.history, func(i, j int) bool { return m.history[i].ID < m.history[j].ID })
}

// FailHistory makes history queries return err until called with nil.
func (m *Memory) FailHistory(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyErr = err
}

// FailSessions makes session queries and deletes return err until called with nil.
func (m *Memory) FailSessions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionErr = err
}

// Polls returns the number of SentNotificationsAfter calls.
func (m *Memory) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Closed returns the number of Close calls.
func (m *Memory) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SessionCount returns the number of stored sessions.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) GetSession(_ context.Context, token string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	s, ok := m.sessions[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func (m *Memory) LatestSession(_ context.Context, username, userAgent string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	var latest *model.Session
	for _, s := range m.sessions {
		if s.Username != username || s.UserAgent != userAgent {
			continue
		}
		if latest == nil || s.AuthenticatedAt.After(latest.AuthenticatedAt) {
			latest = &s
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	return latest, nil
}

func (m *Memory) DeleteSessionsOlderThan(_ context.Context, age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return 0, m.sessionErr
	}
	cutoff := time.Now().Add(-age)
	var n int64
	for id, s := range m.sessions {
		if s.AuthenticatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecipientIDByUsername(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.contacts[username]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return id, nil
}

func (m *Memory) LatestSentNotificationID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return 0, m.historyErr
	}
	if len(m.history) == 0 {
		return 0, nil
	}
	return m.history[len(m.history)-1].ID, nil
}

func (m *Memory) SentNotificationsAfter(_ context.Context, cursor int64) ([]*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	var out []*model.Notification
	for _, n := range m.history {
		if n.ID > cursor {
			c := *n
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}
