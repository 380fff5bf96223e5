// Package daemon wires the server and sender together and drives the
// polling loop that turns sent notification history rows into events.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alfredjeanlab/notifyd/internal/config"
	"github.com/alfredjeanlab/notifyd/internal/events"
	"github.com/alfredjeanlab/notifyd/internal/loop"
	"github.com/alfredjeanlab/notifyd/internal/metrics"
	"github.com/alfredjeanlab/notifyd/internal/sender"
	"github.com/alfredjeanlab/notifyd/internal/server"
	"github.com/alfredjeanlab/notifyd/internal/store"
)

// Signals that reload and stop the daemon.
var (
	reloadSignals   = []os.Signal{syscall.SIGHUP}
	shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
)

// ErrNotLoaded is reported by Healthy while the daemon is between loads.
var ErrNotLoaded = errors.New("daemon not loaded")

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Publisher mirrors raised events. Nil means no mirror.
	Publisher events.Publisher
	// OpenStore opens the storage connection on every load.
	OpenStore func(ctx context.Context) (store.Store, error)
}

// cursor is the highest history row id already processed. It lives for the
// whole process and survives reloads.
type cursor struct {
	id  int64
	set bool
}

// Daemon owns the process lifecycle. Apart from Run, Reload, Shutdown and
// Healthy, its methods run on the current reactor.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	openStore func(ctx context.Context) (store.Store, error)

	// ctx carries values for storage calls but is never cancelled, so an
	// in-flight query always completes.
	ctx     context.Context
	started time.Time

	mu      sync.Mutex
	reactor *loop.Loop
	loaded  atomic.Bool
	// stopping is set by a shutdown signal before it is forwarded, so a
	// signal that lands between two reactors still stops the daemon.
	stopping atomic.Bool

	bus        *events.Bus
	server     *server.Server
	sender     *sender.Sender
	store      store.Store
	timers     []loop.Timer
	next       loop.Timer
	generation uint64
	cancelled  bool
	exiting    bool
	err        error

	cursor cursor
}

// New returns a Daemon ready to Run.
func New(opts Options) *Daemon {
	pub := opts.Publisher
	if pub == nil {
		pub = &events.NoopPublisher{}
	}
	return &Daemon{
		cfg:       opts.Config,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		publisher: pub,
		openStore: opts.OpenStore,
		bus:       events.NewBus(),
	}
}

// Run loads the daemon and serves until it shuts down, either through a
// shutdown signal, a fatal storage error or cancellation of ctx. Each reload
// runs on a fresh reactor. The returned error is nil for a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = context.WithoutCancel(ctx)
	d.started = time.Now()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, append(append([]os.Signal{}, reloadSignals...), shutdownSignals...)...)
	defer signal.Stop(sigs)
	quit := make(chan struct{})
	defer close(quit)
	go d.forwardSignals(sigs, quit)

	for {
		l := loop.New()
		d.mu.Lock()
		d.reactor = l
		d.mu.Unlock()

		l.Post(func() {
			if err := d.load(); err != nil {
				d.fail(err)
			}
		})
		stop := context.AfterFunc(ctx, func() { l.Post(d.cancel) })
		l.Run()
		stop()

		if d.exiting {
			return d.err
		}
		if d.stopping.Load() {
			d.exiting = true
			d.logger.Info("shutting down", "manual", true, "uptime", d.uptime())
			return d.err
		}
		if ctx.Err() != nil {
			d.logger.Info("shutting down", "manual", false, "uptime", d.uptime())
			return d.err
		}
	}
}

// Reload asks the running daemon to reload. It is safe to call from any goroutine.
func (d *Daemon) Reload() {
	d.post(d.reload)
}

// Shutdown asks the running daemon to stop. It is safe to call from any goroutine.
func (d *Daemon) Shutdown() {
	d.post(func() { d.shutdown(true) })
}

// Healthy reports whether the daemon is loaded and serving.
func (d *Daemon) Healthy() error {
	if !d.loaded.Load() {
		return ErrNotLoaded
	}
	return nil
}

// forwardSignals hands every signal to the current reactor. The
// registration outlives reloads, so no signal falls back to its default
// action while the daemon is between loads.
func (d *Daemon) forwardSignals(sigs <-chan os.Signal, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case sig := <-sigs:
			if slices.Contains(shutdownSignals, sig) {
				d.stopping.Store(true)
				d.post(func() {
					d.logger.Info("received signal", "signal", sig.String())
					d.shutdown(true)
				})
				continue
			}
			d.post(func() {
				d.logger.Info("received signal", "signal", sig.String())
				d.reload()
			})
		}
	}
}

func (d *Daemon) post(fn func()) {
	d.mu.Lock()
	l := d.reactor
	d.mu.Unlock()
	if l != nil {
		l.Post(fn)
	}
}

// load acquires everything an unloaded daemon releases: storage, the
// server and the sender. It then schedules housekeeping and
// the first polling iteration.
func (d *Daemon) load() error {
	r := d.reactor
	d.generation++
	gen := d.generation

	if d.stopping.Load() {
		d.shutdown(true)
		return nil
	}

	st, err := d.openStore(d.ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.server = server.New(d.cfg, st, d.logger.With("component", "server"), d.metrics)
	d.sender = sender.New(d.server, d.logger.With("component", "sender"), d.metrics)
	d.sender.Load(d.bus)
	if err := d.server.Load(r); err != nil {
		return err
	}

	d.cancelled = false
	if !d.housekeeping() {
		return nil
	}
	d.timers = append(d.timers, r.Every(d.cfg.HousekeepingInterval.Duration, func() { d.housekeeping() }))
	r.Post(func() { d.processNotifications(gen) })

	d.loaded.Store(true)
	d.logger.Info("daemon loaded", "generation", gen)
	return nil
}

// unload releases what load acquired and stops the reactor. Calling it
// again releases nothing further.
func (d *Daemon) unload() {
	d.loaded.Store(false)
	d.cancelled = true
	d.generation++

	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	if d.next != nil {
		d.next.Stop()
		d.next = nil
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", "error", err)
		}
		d.store = nil
	}
	if d.sender != nil {
		d.sender.Unload()
		d.sender = nil
	}
	if d.server != nil {
		d.server.Unload()
		d.server = nil
	}
	if d.reactor != nil {
		d.reactor.Stop()
	}
}

// reload unloads; Run then loads again on a fresh reactor. The cursor is
// kept.
func (d *Daemon) reload() {
	if d.exiting {
		return
	}
	d.logger.Info("reloading")
	d.unload()
}

func (d *Daemon) shutdown(manual bool) {
	if d.exiting {
		return
	}
	d.unload()
	d.exiting = true
	d.logger.Info("shutting down", "manual", manual, "uptime", d.uptime())
}

// fail records err as the exit error and shuts down.
func (d *Daemon) fail(err error) {
	d.logger.Error("daemon failed", "error", err)
	if d.err == nil {
		d.err = err
	}
	d.shutdown(false)
}

// cancel sets the cancellation flag; the next iteration boundary shuts down.
func (d *Daemon) cancel() {
	d.cancelled = true
	if !d.loaded.Load() && !d.exiting {
		d.shutdown(false)
	}
}

func (d *Daemon) uptime() string {
	return time.Since(d.started).Round(time.Second).String()
}

// storageError applies the poll error policy to err and reports whether
// the daemon keeps running.
func (d *Daemon) storageError(op string, err error) bool {
	d.metrics.StorageError(op)
	if d.cfg.PollErrorPolicy == config.PolicyExit {
		d.fail(fmt.Errorf("%s: %w", op, err))
		return false
	}
	d.logger.Error("storage error, retrying", "op", op, "error", err)
	return true
}

// housekeeping deletes stale session rows. It reports false when a storage
// error stopped the daemon.
func (d *Daemon) housekeeping() bool {
	n, err := d.store.DeleteSessionsOlderThan(d.ctx, d.cfg.SessionMaxAge.Duration)
	if err != nil {
		return d.storageError("housekeeping", err)
	}
	d.metrics.SessionsCollected(n)
	if n > 0 {
		d.logger.Info("removed stale sessions", "count", n)
	}
	return true
}
