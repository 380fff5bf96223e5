// Package server accepts stream connections, authenticates them against the
// web application's sessions and keeps the registry of which recipient is
// reachable over which connection.
//
// Apart from Addr, every method must be called on the reactor goroutine.
// HTTP handlers and transport callbacks run on their own goroutines and
// hand their work to the reactor with Post.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alfredjeanlab/notifyd/internal/config"
	"github.com/alfredjeanlab/notifyd/internal/idgen"
	"github.com/alfredjeanlab/notifyd/internal/loop"
	"github.com/alfredjeanlab/notifyd/internal/metrics"
	"github.com/alfredjeanlab/notifyd/internal/model"
	"github.com/alfredjeanlab/notifyd/internal/store"
)

// DefaultInitialKeepalive is how long after the stream headers the first
// keepalive frame is written.
const DefaultInitialKeepalive = 500 * time.Millisecond

// Store is the part of the storage layer the server authenticates against.
type Store interface {
	store.SessionStore
	store.RecipientDirectory
}

// tracked pairs a Connection with the transport it was accepted on, so a
// late close of an earlier socket from the same address is recognised.
type tracked struct {
	conn *model.Connection
	nc   net.Conn
}

// Server owns the listening socket and the connection registry.
type Server struct {
	cfg     *config.Config
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	// InitialKeepalive overrides DefaultInitialKeepalive when non-zero.
	InitialKeepalive time.Duration

	reactor    loop.Reactor
	httpSrv    *http.Server
	keepalive  loop.Timer
	generation uint64
	seq        uint64
	byAddr     map[string]*tracked

	addrMu sync.Mutex
	addr   net.Addr
}

// New returns an unloaded Server. m may be nil.
func New(cfg *config.Config, st Store, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		metrics: m,
		byAddr:  make(map[string]*tracked),
	}
}

// Load binds the listener and starts serving on r. Loading an already loaded
// server is a no-op unless r differs from the reactor it was loaded with,
// in which case the server reloads onto r.
func (s *Server) Load(r loop.Reactor) error {
	if s.httpSrv != nil {
		if s.reactor == r {
			return nil
		}
		s.logger.Info("reactor changed, reloading server")
		s.Unload()
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}

	s.generation++
	gen := s.generation
	s.reactor = r

	router := chi.NewRouter()
	router.Use(recoverer(s.logger), requestLogger(s.logger))
	router.Get(s.cfg.StreamPath, func(w http.ResponseWriter, req *http.Request) {
		s.handleStream(r, w, req)
	})

	hs := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		ConnState: func(nc net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				r.Post(func() { s.accept(gen, nc) })
			case http.StateClosed, http.StateHijacked:
				r.Post(func() { s.release(gen, nc) })
			}
		},
	}
	s.httpSrv = hs

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stream server stopped", "error", err)
		}
	}()

	s.keepalive = r.Every(s.cfg.KeepaliveInterval.Duration, s.keepaliveAll)

	s.logger.Info("listening for stream connections",
		"addr", ln.Addr().String(), "path", s.cfg.StreamPath)
	return nil
}

// Unload closes the listener and every tracked connection. Calling it on
// an unloaded server does nothing.
func (s *Server) Unload() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Close(); err != nil {
			s.logger.Warn("closing stream server", "error", err)
		}
		s.httpSrv = nil
	}
	for key, t := range s.byAddr {
		t.conn.Close()
		delete(s.byAddr, key)
	}
	// Transport callbacks still queued for the old listener become no-ops.
	s.generation++
	s.reactor = nil

	s.addrMu.Lock()
	s.addr = nil
	s.addrMu.Unlock()

	s.updateGauges()
}

// Reload unloads and loads again on r.
func (s *Server) Reload(r loop.Reactor) error {
	s.Unload()
	return s.Load(r)
}

// Addr returns the bound listener address, or nil when unloaded. It is
// safe to call from any goroutine.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// accept tracks a socket reported new by the transport.
func (s *Server) accept(gen uint64, nc net.Conn) {
	if gen != s.generation {
		return
	}
	raw := nc.RemoteAddr().String()
	addr, err := model.ParseAddress(raw)
	if err != nil {
		s.logger.Warn("dropping connection with unparseable address", "peer", raw, "error", err)
		nc.Close()
		return
	}

	s.seq++
	conn := model.NewConnection(idgen.MustConnectionID(s.seq), s.seq, addr)
	key := addr.String()
	if prev, ok := s.byAddr[key]; ok {
		prev.conn.Close()
	}
	s.byAddr[key] = &tracked{conn: conn, nc: nc}
	s.logger.Debug("connection accepted", "peer", key, "conn", conn.ID())
	s.updateGauges()
}

// release forgets a socket the transport reported closed, whichever side
// closed it.
func (s *Server) release(gen uint64, nc net.Conn) {
	if gen != s.generation {
		return
	}
	addr, err := model.ParseAddress(nc.RemoteAddr().String())
	if err != nil {
		return
	}
	key := addr.String()
	t, ok := s.byAddr[key]
	if !ok || t.nc != nc {
		return
	}
	t.conn.Close()
	delete(s.byAddr, key)
	s.logger.Debug("connection closed", "peer", key, "conn", t.conn.ID())
	s.updateGauges()
}

// lookup recovers the Connection an HTTP request arrived on.
func (s *Server) lookup(remoteAddr string) (*model.Connection, bool) {
	addr, err := model.ParseAddress(remoteAddr)
	if err != nil {
		return nil, false
	}
	t, ok := s.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return t.conn, true
}

func (s *Server) updateGauges() {
	s.metrics.SetConnections(len(s.byAddr))
	matched := 0
	for _, t := range s.byAddr {
		if live(t.conn) {
			matched++
		}
	}
	s.metrics.SetMatched(matched)
}
