package server

import (
	"net/http"

	"github.com/alfredjeanlab/notifyd/internal/loop"
	"github.com/alfredjeanlab/notifyd/internal/model"
)

// streamBuffer is the number of frames a stream holds before writes to it
// are refused.
const streamBuffer = 64

// stream is the model.Output of one open event stream. Write and Close run
// on the reactor; the HTTP handler drains frames on its own goroutine.
type stream struct {
	frames chan []byte
	done   chan struct{}
	closed bool
}

func newStream() *stream {
	return &stream{
		frames: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
	}
}

var _ model.Output = (*stream)(nil)

// Write queues frame without blocking. A full buffer or closed stream
// refuses it.
func (o *stream) Write(frame []byte) bool {
	if o.closed {
		return false
	}
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

func (o *stream) Close() {
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// handleStream serves the event stream endpoint. Authentication runs on
// the reactor; this goroutine then copies frames to the client until the
// stream or the request ends.
func (s *Server) handleStream(r loop.Reactor, w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		plain(w, http.StatusInternalServerError)
		return
	}

	in := streamRequest{
		remoteAddr: req.RemoteAddr,
		userAgents: req.Header.Values("User-Agent"),
		protocol:   req.Header.Get(s.cfg.ProtocolHeader),
	}
	if c, err := req.Cookie(s.cfg.SessionCookie); err == nil {
		in.cookie, in.hasCookie = c.Value, true
	}

	out := newStream()
	results := make(chan int, 1)
	// conn is only touched on the reactor. The deferred Post below runs
	// after the authentication task, so it sees whatever that task set.
	var conn *model.Connection
	r.Post(func() {
		var status int
		conn, status = s.authenticate(req.Context(), in, out)
		results <- status
	})
	defer r.Post(func() {
		if conn != nil {
			conn.Detach(out)
			s.updateGauges()
		}
	})

	var status int
	select {
	case status = <-results:
	case <-req.Context().Done():
		return
	case <-r.Done():
		plain(w, http.StatusInternalServerError)
		return
	}
	if status != http.StatusOK {
		plain(w, status)
		return
	}

	h := w.Header()
	h.Set("Connection", "keep-alive")
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame := <-out.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-out.done:
			return
		case <-req.Context().Done():
			return
		}
	}
}

// plain ends a response with an empty text/plain body.
func plain(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
}
