package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/alfredjeanlab/notifyd/internal/metrics"
	"github.com/alfredjeanlab/notifyd/internal/model"
)

// streamRequest is what authentication needs from an HTTP request, copied
// out on the handler goroutine.
type streamRequest struct {
	remoteAddr string
	cookie     string
	hasCookie  bool
	userAgents []string
	protocol   string
}

// sessionToken escapes a cookie value the way the web application does
// before storing it as a session id (htmlspecialchars with ENT_QUOTES).
var sessionToken = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// authenticate matches the request to its tracked connection, validates the
// session and resolves the recipient. On success out becomes the
// connection's output and the status is 200. Failed authentication and
// unknown recipients yield 204 so the browser stops reconnecting.
func (s *Server) authenticate(ctx context.Context, in streamRequest, out *stream) (*model.Connection, int) {
	conn, ok := s.lookup(in.remoteAddr)
	if !ok {
		s.logger.Warn("stream request from untracked connection", "peer", in.remoteAddr)
		s.metrics.AuthOutcome(metrics.AuthTransportUnknown)
		return nil, http.StatusInternalServerError
	}
	log := s.logger.With("peer", conn.Address().String(), "conn", conn.ID())
	if in.protocol != "" {
		log.Debug("client protocol version", "version", in.protocol)
	}

	reject := func(outcome, msg string, args ...any) (*model.Connection, int) {
		log.Warn(msg, args...)
		s.metrics.AuthOutcome(outcome)
		conn.Close()
		s.updateGauges()
		return conn, http.StatusNoContent
	}
	fail := func(op string, err error) (*model.Connection, int) {
		log.Error("authentication lookup failed", "op", op, "error", err)
		s.metrics.AuthOutcome(metrics.AuthStoreError)
		return conn, http.StatusInternalServerError
	}

	token := sessionToken.Replace(strings.TrimSpace(in.cookie))
	if !in.hasCookie || token == "" {
		return reject(metrics.AuthNoCookie, "authentication failed: no session cookie",
			"cookie", s.cfg.SessionCookie)
	}
	if len(in.userAgents) != 1 {
		return reject(metrics.AuthBadUserAgent, "authentication failed: expected exactly one user agent",
			"count", len(in.userAgents))
	}
	userAgent := in.userAgents[0]

	session, err := s.store.GetSession(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return reject(metrics.AuthUnknownSession, "authentication failed: unknown session")
	}
	if err != nil {
		return fail("get session", err)
	}
	if session.UserAgent != userAgent {
		return reject(metrics.AuthAgentMismatch, "authentication failed: user agent does not match session",
			"user", session.Username)
	}

	latest, err := s.store.LatestSession(ctx, session.Username, userAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return reject(metrics.AuthStaleSession, "authentication failed: no current session",
			"user", session.Username)
	}
	if err != nil {
		return fail("latest session", err)
	}
	if latest.ID != session.ID {
		return reject(metrics.AuthStaleSession, "authentication failed: session superseded",
			"user", session.Username)
	}

	recipientID, err := s.store.RecipientIDByUsername(ctx, session.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return reject(metrics.AuthNoRecipient, "no recipient for user", "user", session.Username)
	}
	if err != nil {
		return fail("recipient", err)
	}
	if ctx.Err() != nil {
		return conn, http.StatusInternalServerError
	}

	conn.Authenticate(model.Authenticated{
		SessionID: session.ID,
		UserAgent: userAgent,
		User:      model.User{Username: session.Username, RecipientID: recipientID},
	})
	conn.Attach(out)
	s.metrics.AuthOutcome(metrics.AuthAccepted)
	s.updateGauges()
	log.Info("stream opened", "user", session.Username, "recipient", recipientID)

	delay := s.InitialKeepalive
	if delay == 0 {
		delay = DefaultInitialKeepalive
	}
	s.reactor.After(delay, func() {
		if conn.Output() == out {
			conn.Keepalive()
		}
	})
	return conn, http.StatusOK
}
