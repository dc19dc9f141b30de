package spawner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/events"
)

func TestManagerSpawnAndStop(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHDuringStartup = Static(true)
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	m := NewManager(h.deps)
	ctx := context.Background()
	id := Identity{Owner: "alice", Name: "lab"}

	s, err := m.Spawn(ctx, id)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitFor(t, "running", func() bool { return s.Phase() == PhaseRunning })

	if _, err := m.Spawn(ctx, id); !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected ErrSessionActive, got %v", err)
	}

	ids, err := m.ListPublished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("expected %v published, got %v", id, ids)
	}

	if err := m.StopSession(ctx, id); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	waitFor(t, "session removed", func() bool {
		_, ok := m.Get(id)
		return !ok
	})

	st, found, _ := h.store.Load(ctx, id)
	if !found {
		t.Fatal("expected state saved")
	}
	if st.Active || len(st.ConnectionInfo) != 0 {
		t.Errorf("expected inactive state without connection info, got %+v", st)
	}
	if len(st.Events[events.LatestGroup]) == 0 {
		t.Error("events must survive the stop")
	}

	ids, _ = m.ListPublished(ctx)
	if len(ids) != 0 {
		t.Errorf("expected nothing published, got %v", ids)
	}

	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Active || snap.Ready || len(snap.Events) == 0 {
		t.Errorf("unexpected snapshot of stopped session %+v", snap)
	}
}

func TestManagerRespawnArchivesEvents(t *testing.T) {
	h := newHarness(t)
	h.remote.StartInfo = map[string]any{"service": "10.1.1.1:9000"}
	m := NewManager(h.deps)
	ctx := context.Background()
	id := Identity{Owner: "carol"}

	s, err := m.Spawn(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool { return s.Phase() == PhaseRunning })
	_ = m.StopSession(ctx, id)
	waitFor(t, "session removed", func() bool {
		_, ok := m.Get(id)
		return !ok
	})

	s, err = m.Spawn(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running again", func() bool { return s.Phase() == PhaseRunning })

	groups := s.State().Events
	if len(groups) != 2 {
		t.Fatalf("expected archived and latest group, got %d", len(groups))
	}
	if len(groups[events.LatestGroup]) != 1 {
		t.Errorf("expected fresh latest group, got %+v", groups[events.LatestGroup])
	}
}

func TestManagerFailedStartStops(t *testing.T) {
	h := newHarness(t)
	h.remote.StartErr = &RemoteCallError{StatusCode: 500, Reason: "boom"}
	m := NewManager(h.deps)
	ctx := context.Background()
	id := Identity{Owner: "dave"}

	if _, err := m.Spawn(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session removed", func() bool {
		_, ok := m.Get(id)
		return !ok
	})
	if _, _, stops := h.remote.Calls(); stops != 1 {
		t.Errorf("expected remote stop after failed start, got %d", stops)
	}
	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if failedEvents(snap.Events) != 1 {
		t.Errorf("expected one failure event, got %+v", snap.Events)
	}
}

func TestManagerCancel(t *testing.T) {
	h := newHarness(t)
	h.remote.Block = make(chan struct{})
	h.remote.Entered = make(chan struct{}, 1)
	m := NewManager(h.deps)
	ctx := context.Background()
	id := Identity{Owner: "erin", Name: "gpu"}

	if _, err := m.Spawn(ctx, id); err != nil {
		t.Fatal(err)
	}
	<-h.remote.Entered
	if err := m.CancelSession(ctx, id); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	waitFor(t, "session removed", func() bool {
		_, ok := m.Get(id)
		return !ok
	})
	if _, _, stops := h.remote.Calls(); stops != 1 {
		t.Errorf("expected 1 remote stop, got %d", stops)
	}
	if err := m.CancelSession(ctx, id); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestManagerRestoreAndPoll(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.RecreateAtStart = Static(true)
	hooked := make(chan struct{}, 4)
	h.deps.Hooks.PostStopHook = func(*Session) error {
		hooked <- struct{}{}
		return nil
	}
	ctx := context.Background()
	alive := Identity{Owner: "frank"}
	_ = h.store.Save(ctx, alive, State{
		ConnectionInfo: map[string]any{"service": "10.0.0.5:8888"},
		Port:           41000,
		Active:         true,
	})
	_ = h.store.Save(ctx, Identity{Owner: "gone"}, State{Port: 41001})

	m := NewManager(h.deps)
	n, err := m.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored session, got %d", n)
	}

	m.PollAll(ctx)
	s, ok := m.Get(alive)
	if !ok {
		t.Fatal("restored session missing")
	}
	if s.Phase() != PhaseRunning || !s.TunnelActive() {
		t.Errorf("expected running with tunnel, got %s", s.Phase())
	}
	if n := h.ssh.Count("forward "); n != 1 {
		t.Errorf("expected tunnel recreated once, got %d", n)
	}

	h.remote.mu.Lock()
	h.remote.PollStatus = Status{Running: false}
	h.remote.mu.Unlock()
	m.PollAll(ctx)
	waitFor(t, "session removed", func() bool {
		_, ok := m.Get(alive)
		return !ok
	})
	select {
	case <-hooked:
	case <-time.After(time.Second):
		t.Fatal("post stop hook not run")
	}
	select {
	case <-hooked:
		t.Error("post stop hook ran twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerLookup(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.deps)
	ctx := context.Background()
	_ = h.store.Save(ctx, Identity{Owner: "old"}, State{})

	if _, err := m.Lookup(ctx, Identity{Owner: "nobody"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	var ase *AlreadyStoppingError
	if _, err := m.Lookup(ctx, Identity{Owner: "old"}); !errors.As(err, &ase) {
		t.Errorf("expected AlreadyStoppingError, got %v", err)
	}
	if _, err := m.Snapshot(ctx, Identity{Owner: "nobody"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

// listingPublisher reports only the endpoints in names as existing.
type listingPublisher struct {
	*countingPublisher
	names []string
}

func (p *listingPublisher) List(ctx context.Context) ([]string, error) {
	return p.names, nil
}

func TestManagerListPublished(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHDuringStartup = Func(func(ctx context.Context, s *Session) (bool, error) {
		return s.ID().Owner != "direct", nil
	})
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	var next atomic.Int32
	h.deps.Options.AllocatePort = func() (int, error) { return testPort + int(next.Add(1)), nil }
	lister := &listingPublisher{countingPublisher: h.pub}
	h.deps.Publisher = lister
	m := NewManager(h.deps)
	ctx := context.Background()

	published := Identity{Owner: "alice", Name: "lab"}
	deleted := Identity{Owner: "bob", Name: "lab"}
	direct := Identity{Owner: "direct"}
	for _, id := range []Identity{published, deleted, direct} {
		s, err := m.Spawn(ctx, id)
		if err != nil {
			t.Fatalf("Spawn %v: %v", id, err)
		}
		waitFor(t, "running", func() bool { return s.Phase() == PhaseRunning })
	}
	alice, _ := m.Get(published)
	bob, _ := m.Get(deleted)
	if alice.PublishedName() == "" || bob.PublishedName() == "" {
		t.Fatalf("expected published endpoints, got %q and %q", alice.PublishedName(), bob.PublishedName())
	}
	if d, _ := m.Get(direct); d.PublishedName() != "" {
		t.Errorf("directly reachable server should not publish, got %q", d.PublishedName())
	}
	// bob's endpoint was removed behind our back.
	lister.names = []string{alice.PublishedName()}

	ids, err := m.ListPublished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != published {
		t.Errorf("expected only %v, got %v", published, ids)
	}
}

func TestManagerSpawnWithOptions(t *testing.T) {
	h := newHarness(t)
	h.deps.Options.NameTemplate = "jupyter-{userid}-{servername}"
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	m := NewManager(h.deps)
	ctx := context.Background()
	id := Identity{Owner: "alice", Name: "lab"}

	s, err := m.SpawnWith(ctx, id, SpawnOptions{UserID: 42, UserOptions: map[string]any{"system": "hpc"}})
	if err != nil {
		t.Fatalf("SpawnWith: %v", err)
	}
	waitFor(t, "running", func() bool { return s.Phase() == PhaseRunning })

	if s.EndpointName() != "jupyter-42-lab" {
		t.Errorf("endpoint name = %q", s.EndpointName())
	}
	if v, ok := s.Attribute("system"); !ok || v != "hpc" {
		t.Errorf("system attribute = %v, %v", v, ok)
	}
	if req := s.request(); req.UserOptions["system"] != "hpc" {
		t.Errorf("remote request user options = %v", req.UserOptions)
	}
	st, found, _ := h.store.Load(ctx, id)
	if !found || st.UserID != 42 || st.UserOptions["system"] != "hpc" {
		t.Errorf("spawn options not persisted: %+v", st)
	}
}
