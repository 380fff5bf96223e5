package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alfredjeanlab/notifyd/internal/config"
	"github.com/alfredjeanlab/notifyd/internal/loop"
	"github.com/alfredjeanlab/notifyd/internal/model"
	"github.com/alfredjeanlab/notifyd/internal/store"
	"github.com/alfredjeanlab/notifyd/internal/store/storetest"
)

// recordingPublisher captures mirrored events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event.(model.Event))
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() ([]string, []model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...), append([]model.Event(nil), p.events...)
}

// countingStore counts opens and cursor initialisations.
type countingStore struct {
	*storetest.Memory
	mu      sync.Mutex
	latests int
}

func (s *countingStore) LatestSentNotificationID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	s.latests++
	s.mu.Unlock()
	return s.Memory.LatestSentNotificationID(ctx)
}

func (s *countingStore) latestCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latests
}

// replayingStore returns every row regardless of the cursor.
type replayingStore struct {
	*storetest.Memory
}

func (s replayingStore) SentNotificationsAfter(ctx context.Context, _ int64) ([]*model.Notification, error) {
	return s.Memory.SentNotificationsAfter(ctx, 0)
}

func tagged(id, contactID int64) *model.Notification {
	return &model.Notification{
		ID:         id,
		IncidentID: id * 10,
		EventID:    id * 100,
		ContactID:  contactID,
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
		Severity:   "crit",
		ObjectID:   "obj",
		Tags:       map[string]string{"host": "web01", "service": "http"},
	}
}

func untagged(id, contactID int64) *model.Notification {
	n := tagged(id, contactID)
	n.Tags = nil
	return n
}

func testConfig(configure func(*config.Config)) *config.Config {
	cfg := config.Defaults()
	cfg.DatabaseURL = "postgres://test"
	cfg.ListenPort = 0
	cfg.TickInterval = config.Duration{Duration: 10 * time.Millisecond}
	if configure != nil {
		configure(cfg)
	}
	return cfg
}

type harness struct {
	d     *Daemon
	pub   *recordingPublisher
	mu    sync.Mutex
	opens int
}

func (h *harness) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func newHarness(st store.Store, configure func(*config.Config)) *harness {
	h := &harness{pub: &recordingPublisher{}}
	h.d = New(Options{
		Config:    testConfig(configure),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Publisher: h.pub,
		OpenStore: func(context.Context) (store.Store, error) {
			h.mu.Lock()
			h.opens++
			h.mu.Unlock()
			return st, nil
		},
	})
	return h
}

// start runs the daemon and returns a cancel func and the Run result channel.
func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-result:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel, result
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// directDaemon returns a Daemon whose polling step can be driven from the
// test goroutine without a reactor.
func directDaemon(st store.Store, configure func(*config.Config)) (*Daemon, *recordingPublisher) {
	h := newHarness(st, configure)
	h.d.ctx = context.Background()
	h.d.store = st
	return h.d, h.pub
}

func TestNextDelay(t *testing.T) {
	tick := 3 * time.Second
	for _, tc := range []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 3 * time.Second},
		{800 * time.Millisecond, 2200 * time.Millisecond},
		{2999 * time.Millisecond, time.Millisecond},
		{3 * time.Second, 0},
		{3500 * time.Millisecond, 0},
	} {
		if got := nextDelay(tc.elapsed, tick); got != tc.want {
			t.Errorf("nextDelay(%v) = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
}

func TestPollOnce_FirstRunDoesNotReplay(t *testing.T) {
	mem := storetest.NewMemory()
	mem.AddNotification(tagged(5, 1), tagged(9, 1), tagged(12, 2))
	d, pub := directDaemon(mem, nil)

	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if d.cursor.id != 12 || !d.cursor.set {
		t.Errorf("cursor = %+v, want 12", d.cursor)
	}
	if _, evs := pub.snapshot(); len(evs) != 0 {
		t.Errorf("raised %d events on first run, want 0", len(evs))
	}
}

func TestPollOnce_EmptyHistory(t *testing.T) {
	d, _ := directDaemon(storetest.NewMemory(), nil)
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if !d.cursor.set || d.cursor.id != 0 {
		t.Errorf("cursor = %+v, want set at 0", d.cursor)
	}
}

func TestPollOnce_RaisesNewRowsInOrder(t *testing.T) {
	mem := storetest.NewMemory()
	mem.AddNotification(tagged(5, 1))
	d, pub := directDaemon(mem, nil)
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	var seen []model.Event
	d.bus.Subscribe(func(e model.Event) { seen = append(seen, e) })

	mem.AddNotification(tagged(13, 7), untagged(14, 7), tagged(15, 8))
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if d.cursor.id != 15 {
		t.Errorf("cursor = %d, want 15", d.cursor.id)
	}
	if len(seen) != 2 {
		t.Fatalf("raised %d events, want 2", len(seen))
	}
	if seen[0].RecipientID() != 7 || seen[1].RecipientID() != 8 {
		t.Errorf("recipients = %d, %d; want 7, 8", seen[0].RecipientID(), seen[1].RecipientID())
	}
	p, ok := seen[0].Payload().(model.NotificationPayload)
	if !ok {
		t.Fatalf("payload type %T", seen[0].Payload())
	}
	if p.IncidentID != 130 || p.EventID != 1300 || p.Message != "http on web01" || p.Severity != "crit" {
		t.Errorf("payload = %+v", p)
	}
	if p.Time.Location() != time.UTC || p.Time.Hour() != 11 {
		t.Errorf("payload time = %v, want UTC 11:00", p.Time)
	}
	if seen[0].Identifier() != model.EventIncidentNotification || seen[0].RetryInterval() != 3*time.Second {
		t.Errorf("event = %s retry %v", seen[0].Identifier(), seen[0].RetryInterval())
	}

	topics, _ := pub.snapshot()
	if len(topics) != 2 || topics[0] != "notifyd.notification.7" || topics[1] != "notifyd.notification.8" {
		t.Errorf("mirrored topics = %v", topics)
	}
}

func TestPollOnce_UntaggedRowsAdvanceCursor(t *testing.T) {
	mem := storetest.NewMemory()
	d, pub := directDaemon(mem, nil)
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	mem.AddNotification(untagged(1, 1), untagged(2, 1), tagged(3, 0))
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if d.cursor.id != 3 {
		t.Errorf("cursor = %d, want 3", d.cursor.id)
	}
	if _, evs := pub.snapshot(); len(evs) != 0 {
		t.Errorf("raised %d events for untagged or contactless rows", len(evs))
	}
}

func TestPollOnce_CursorMonotonic(t *testing.T) {
	mem := storetest.NewMemory()
	mem.AddNotification(tagged(3, 1))
	d, pub := directDaemon(replayingStore{mem}, nil)

	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	mem.AddNotification(tagged(4, 1), tagged(6, 1))

	last := d.cursor.id
	for i := 0; i < 3; i++ {
		if err := d.pollOnce(); err != nil {
			t.Fatalf("pollOnce %d: %v", i, err)
		}
		if d.cursor.id < last {
			t.Fatalf("cursor went back from %d to %d", last, d.cursor.id)
		}
		last = d.cursor.id
	}

	if _, evs := pub.snapshot(); len(evs) != 2 {
		t.Errorf("raised %d events, want each new row exactly once (2)", len(evs))
	}
	if last != 6 {
		t.Errorf("cursor = %d, want 6", last)
	}
}

func TestPollOnce_ErrorKeepsCursor(t *testing.T) {
	mem := storetest.NewMemory()
	mem.AddNotification(tagged(5, 1))
	d, pub := directDaemon(mem, nil)
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	mem.AddNotification(tagged(6, 1))
	mem.FailHistory(errors.New("connection reset"))
	if err := d.pollOnce(); err == nil {
		t.Fatal("expected error")
	}
	if d.cursor.id != 5 {
		t.Errorf("cursor = %d after error, want 5", d.cursor.id)
	}

	mem.FailHistory(nil)
	if err := d.pollOnce(); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if _, evs := pub.snapshot(); len(evs) != 1 {
		t.Errorf("raised %d events after recovery, want 1", len(evs))
	}
}

func TestStorageError_Policy(t *testing.T) {
	cause := errors.New("database is gone")
	for _, tc := range []struct {
		policy   string
		wantKeep bool
	}{
		{config.PolicySkip, true},
		{config.PolicyExit, false},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			d, _ := directDaemon(storetest.NewMemory(), func(c *config.Config) { c.PollErrorPolicy = tc.policy })
			if got := d.storageError("poll notifications", cause); got != tc.wantKeep {
				t.Fatalf("storageError() = %v, want %v", got, tc.wantKeep)
			}
			if tc.wantKeep {
				if d.err != nil || d.exiting {
					t.Errorf("skip policy stopped the daemon: err=%v", d.err)
				}
				return
			}
			if !errors.Is(d.err, cause) || !d.exiting {
				t.Errorf("exit policy: err=%v exiting=%v", d.err, d.exiting)
			}
		})
	}
}

func TestUnload_Idempotent(t *testing.T) {
	mem := storetest.NewMemory()
	d, _ := directDaemon(mem, nil)
	d.reactor = loop.New()

	d.unload()
	d.unload()

	if mem.Closed() != 1 {
		t.Errorf("store closed %d times, want 1", mem.Closed())
	}
	if !d.cancelled || d.store != nil || d.server != nil || d.sender != nil {
		t.Error("unload left resources behind")
	}
	select {
	case <-d.reactor.Done():
		t.Error("Done closed without Run")
	default:
	}
}

func TestRun_CancelShutsDown(t *testing.T) {
	mem := storetest.NewMemory()
	h := newHarness(mem, nil)
	cancel, result := h.start(t)

	eventually(t, "load", func() bool { return h.d.Healthy() == nil })
	eventually(t, "two polls", func() bool { return mem.Polls() >= 2 })
	cancel()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if mem.Closed() != 1 {
		t.Errorf("store closed %d times, want 1", mem.Closed())
	}
	if h.d.Healthy() == nil {
		t.Error("Healthy() = nil after shutdown")
	}
}

func TestRun_RaisesNotifications(t *testing.T) {
	mem := storetest.NewMemory()
	mem.AddNotification(tagged(5, 3))
	h := newHarness(mem, nil)
	h.start(t)

	eventually(t, "first poll", func() bool { return mem.Polls() >= 1 })
	mem.AddNotification(tagged(6, 3))

	eventually(t, "mirrored event", func() bool {
		_, evs := h.pub.snapshot()
		return len(evs) == 1
	})
	topics, _ := h.pub.snapshot()
	if topics[0] != "notifyd.notification.3" {
		t.Errorf("topic = %q", topics[0])
	}
}

func TestRun_ExitPolicyReturnsError(t *testing.T) {
	cause := errors.New("relation does not exist")
	mem := storetest.NewMemory()
	mem.FailHistory(cause)
	h := newHarness(mem, func(c *config.Config) { c.PollErrorPolicy = config.PolicyExit })
	_, result := h.start(t)

	err := waitResult(t, result)
	if !errors.Is(err, cause) {
		t.Fatalf("Run() = %v, want %v", err, cause)
	}
}

func TestRun_SkipPolicyKeepsPolling(t *testing.T) {
	mem := storetest.NewMemory()
	mem.FailHistory(errors.New("timeout"))
	h := newHarness(mem, nil)
	cancel, result := h.start(t)

	eventually(t, "load", func() bool { return h.d.Healthy() == nil })
	// Several ticks fail while the cursor cannot be initialised.
	time.Sleep(50 * time.Millisecond)
	if err := h.d.Healthy(); err != nil {
		t.Fatalf("Healthy() = %v after failed polls", err)
	}
	mem.FailHistory(nil)
	eventually(t, "recovered polls", func() bool { return mem.Polls() >= 2 })

	cancel()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRun_OpenStoreError(t *testing.T) {
	cause := errors.New("password authentication failed")
	d := New(Options{
		Config:    testConfig(nil),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OpenStore: func(context.Context) (store.Store, error) { return nil, cause },
	})

	err := d.Run(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("Run() = %v, want %v", err, cause)
	}
}

func TestRun_Housekeeping(t *testing.T) {
	mem := storetest.NewMemory()
	now := time.Now()
	mem.AddSession(model.Session{ID: "old", Username: "a", AuthenticatedAt: now.Add(-48 * time.Hour)})
	mem.AddSession(model.Session{ID: "fresh", Username: "b", AuthenticatedAt: now.Add(-time.Hour)})
	h := newHarness(mem, nil)
	h.start(t)

	eventually(t, "load", func() bool { return h.d.Healthy() == nil })
	if n := mem.SessionCount(); n != 1 {
		t.Errorf("sessions = %d after housekeeping, want 1", n)
	}
}

func TestRun_HousekeepingExitPolicy(t *testing.T) {
	cause := errors.New("permission denied for table web_session")
	mem := storetest.NewMemory()
	mem.FailSessions(cause)
	h := newHarness(mem, func(c *config.Config) { c.PollErrorPolicy = config.PolicyExit })
	_, result := h.start(t)

	if err := waitResult(t, result); !errors.Is(err, cause) {
		t.Fatalf("Run() = %v, want %v", err, cause)
	}
}

func TestRun_ReloadKeepsCursor(t *testing.T) {
	mem := &countingStore{Memory: storetest.NewMemory()}
	mem.AddNotification(tagged(5, 3))
	h := newHarness(mem, nil)
	h.start(t)

	eventually(t, "first poll", func() bool { return mem.Polls() >= 1 })
	h.d.Reload()
	eventually(t, "second load", func() bool { return h.openCount() == 2 && h.d.Healthy() == nil })

	polls := mem.Polls()
	eventually(t, "poll after reload", func() bool { return mem.Polls() > polls })
	if n := mem.latestCalls(); n != 1 {
		t.Errorf("cursor initialised %d times, want once", n)
	}
	if mem.Closed() != 1 {
		t.Errorf("store closed %d times by reload, want 1", mem.Closed())
	}
}

func TestRun_Signals(t *testing.T) {
	mem := storetest.NewMemory()
	h := newHarness(mem, nil)
	_, result := h.start(t)

	eventually(t, "load", func() bool { return h.d.Healthy() == nil })
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}
	eventually(t, "reload", func() bool { return h.openCount() == 2 && h.d.Healthy() == nil })

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRun_ReloadStorm(t *testing.T) {
	mem := storetest.NewMemory()
	h := newHarness(mem, nil)
	_, result := h.start(t)

	eventually(t, "load", func() bool { return h.d.Healthy() == nil })
	for i := 0; i < 500; i++ {
		if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
			t.Fatalf("kill: %v", err)
		}
		time.Sleep(50 * time.Microsecond)
	}
	eventually(t, "reload", func() bool { return h.openCount() > 1 && h.d.Healthy() == nil })

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRun_ShutdownSignalBeforeLoad(t *testing.T) {
	h := newHarness(storetest.NewMemory(), nil)
	h.d.stopping.Store(true)
	_, result := h.start(t)

	if err := waitResult(t, result); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if n := h.openCount(); n != 0 {
		t.Errorf("store opened %d times, want 0", n)
	}
}
