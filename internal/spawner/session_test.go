package spawner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/endpoint"
	"github.com/gluk-w/claworc/forwarder/internal/events"
	"github.com/gluk-w/claworc/forwarder/internal/sshforward"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

const testPort = 40000

type countingPublisher struct {
	mu          sync.Mutex
	published   map[string]int
	publishes   int
	unpublishes int
	fail        error
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{published: make(map[string]int)}
}

func (p *countingPublisher) Publish(_ context.Context, req endpoint.Request) (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes++
	if p.fail != nil {
		return "", 0, p.fail
	}
	p.published[req.Name] = req.Port
	return req.Name, req.Port, nil
}

func (p *countingPublisher) Unpublish(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublishes++
	if _, ok := p.published[name]; !ok {
		return apierrors.NewNotFound(corev1.Resource("services"), name)
	}
	delete(p.published, name)
	return nil
}

func (p *countingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishes, p.unpublishes
}

type harness struct {
	remote *FakeRemote
	ssh    *sshforward.FakeSSH
	pub    *countingPublisher
	store  *MemoryStore
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		remote: NewFakeRemote(),
		ssh:    sshforward.NewFakeSSH(),
		pub:    newCountingPublisher(),
		store:  NewMemoryStore(),
	}
	h.deps = Deps{
		Remote:    h.remote,
		Driver:    sshforward.NewDriver(h.ssh),
		Publisher: h.pub,
		Store:     h.store,
		Hooks: Hooks{
			SSHNode: Static("login1"),
		},
		Options: Options{
			PublicAPIURL: "http://hub:8081/hub/api/",
			EventWait:    10 * time.Millisecond,
			AllocatePort: func() (int, error) { return testPort, nil },
		},
	}
	return h
}

func (h *harness) session() *Session {
	return NewSession(Identity{Owner: "alice", Name: "lab"}, h.deps)
}

func failedEvents(list []events.Event) int {
	n := 0
	for _, e := range list {
		if e.Failed {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartForwardsDuringStartup(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHDuringStartup = Static(true)
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	s := h.session()

	url, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "http://jupyter-alice--lab:40000" {
		t.Errorf("unexpected url %s", url)
	}
	if s.Phase() != PhaseRunning {
		t.Errorf("expected running, got %s", s.Phase())
	}
	if n := h.ssh.Count("forward "); n != 1 {
		t.Errorf("expected 1 forward, got %d", n)
	}
	if pubs, _ := h.pub.counts(); pubs != 1 {
		t.Errorf("expected 1 publish, got %d", pubs)
	}
	snap := s.Snapshot()
	if !snap.Active || !snap.Ready {
		t.Errorf("expected active and ready, got %+v", snap)
	}
	if !s.TunnelActive() {
		t.Error("expected tunnel active")
	}
}

func TestStartDirectAddress(t *testing.T) {
	h := newHarness(t)
	h.remote.StartInfo = map[string]any{"service": "http://10.1.2.3:9000"}
	s := h.session()

	url, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "http://10.1.2.3:9000" {
		t.Errorf("unexpected url %s", url)
	}
	if s.LocalPort() != 9000 {
		t.Errorf("expected port from remote response, got %d", s.LocalPort())
	}
	if len(h.ssh.Calls) != 0 {
		t.Errorf("expected no ssh calls, got %v", h.ssh.Calls)
	}
	if s.Phase() != PhaseRunning {
		t.Errorf("expected running, got %s", s.Phase())
	}
}

func TestDelayedConnectionInfo(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	url, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "http://jupyter-alice--lab:40000" {
		t.Errorf("unexpected url %s", url)
	}
	if s.Phase() != PhaseStarting {
		t.Fatalf("expected to wait in starting, got %s", s.Phase())
	}
	if len(h.ssh.Calls) != 0 {
		t.Fatalf("no tunnel expected before the callback, got %v", h.ssh.Calls)
	}

	err = s.ReportConnectionInfo(ctx, map[string]any{
		"service":  "10.0.0.7:8888",
		"ssh_node": "batch1",
	})
	if err != nil {
		t.Fatalf("ReportConnectionInfo: %v", err)
	}
	if n := h.ssh.Count("forward "); n != 1 {
		t.Errorf("expected exactly 1 forward, got %d", n)
	}
	if pubs, _ := h.pub.counts(); pubs != 1 {
		t.Errorf("expected exactly 1 publish, got %d", pubs)
	}
	if s.Phase() != PhaseRunning {
		t.Errorf("expected running, got %s", s.Phase())
	}
	if got := h.ssh.Forwards("/tmp/control_batch1"); len(got) != 1 {
		t.Errorf("expected forward through node from callback, got %v", got)
	}

	st, found, _ := h.store.Load(ctx, s.ID())
	if !found || st.ConnectionInfo["service"] != "10.0.0.7:8888" {
		t.Errorf("connection info not persisted: %+v", st)
	}
}

func TestConnectionInfoRejected(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	var mce *MalformedCallbackError
	if err := s.ReportConnectionInfo(ctx, nil); !errors.As(err, &mce) {
		t.Errorf("expected MalformedCallbackError, got %v", err)
	}

	_ = s.Stop(ctx, StopOptions{})
	var ase *AlreadyStoppingError
	if err := s.ReportConnectionInfo(ctx, map[string]any{"service": "x:1"}); !errors.As(err, &ase) {
		t.Errorf("expected AlreadyStoppingError, got %v", err)
	}
}

func TestConnectionInfoTunnelFailureStops(t *testing.T) {
	h := newHarness(t)
	h.ssh.ConnectFails = true
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	err := s.ReportConnectionInfo(ctx, map[string]any{"service": "10.0.0.7:8888"})
	var te *TunnelError
	if !errors.As(err, &te) {
		t.Fatalf("expected TunnelError, got %v", err)
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
	latest := s.Snapshot().Events
	if failedEvents(latest) != 1 || !strings.Contains(latest[len(latest)-1].HTMLMessage, "Could not setup tunnel") {
		t.Errorf("expected one tunnel failure event, got %+v", latest)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHDuringStartup = Static(true)
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop(ctx, StopOptions{Event: Static(DefaultStopEvent())})
		}()
	}
	wg.Wait()
	<-s.Done()

	if _, _, stops := h.remote.Calls(); stops != 1 {
		t.Errorf("expected 1 remote stop, got %d", stops)
	}
	if n := h.ssh.Count("cancel "); n != 1 {
		t.Errorf("expected 1 forward cancel, got %d", n)
	}
	if _, unpubs := h.pub.counts(); unpubs != 1 {
		t.Errorf("expected 1 unpublish, got %d", unpubs)
	}
	if n := failedEvents(s.Snapshot().Events); n != 1 {
		t.Errorf("expected 1 terminal event, got %d", n)
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
	if s.TunnelActive() {
		t.Error("tunnel should be down")
	}
}

func TestStopToleratesMissingEndpoint(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.connInfo["service"] = "10.0.0.5:8888"
	s.mu.Unlock()

	h.remote.StopErr = &RemoteCallError{StatusCode: 502, Reason: "bad gateway"}
	err := s.Stop(ctx, StopOptions{Event: Static(DefaultStopEvent())})
	var rce *RemoteCallError
	if !errors.As(err, &rce) || rce.StatusCode != 502 {
		t.Errorf("expected remote stop error, got %v", err)
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("teardown must complete, got %s", s.Phase())
	}
	if n := failedEvents(s.Snapshot().Events); n != 1 {
		t.Errorf("stop event must be recorded regardless of remote outcome, got %d", n)
	}
}

func TestStartRejectedWhileStopping(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	_ = s.Stop(ctx, StopOptions{})
	_, err := s.Start(ctx)
	var ase *AlreadyStoppingError
	if !errors.As(err, &ase) {
		t.Fatalf("expected AlreadyStoppingError, got %v", err)
	}
	if starts, _, _ := h.remote.Calls(); starts != 0 {
		t.Errorf("remote start must not be called, got %d", starts)
	}
}

func TestCancelDuringPendingStart(t *testing.T) {
	h := newHarness(t)
	h.remote.Block = make(chan struct{})
	h.remote.Entered = make(chan struct{}, 1)
	s := h.session()
	ctx := context.Background()

	result := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		result <- err
	}()
	<-h.remote.Entered

	if err := s.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected start to be interrupted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start was not interrupted")
	}

	latest := s.Snapshot().Events
	if len(latest) != 2 {
		t.Fatalf("expected cancelling and stop events, got %+v", latest)
	}
	if latest[0].Progress != 99 || latest[0].Failed {
		t.Errorf("expected cancelling event first, got %+v", latest[0])
	}
	if !latest[1].Failed {
		t.Errorf("expected terminal stop event, got %+v", latest[1])
	}

	// The outpost reports the cancel once more after its own cleanup.
	late := events.Event{
		Failed:      true,
		Progress:    100,
		HTMLMessage: "<details><summary>" + events.Stamp(time.Now()) + ": " + UserCancelMessage,
	}
	if err := s.ReportFailure(ctx, late); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if _, _, stops := h.remote.Calls(); stops != 1 {
		t.Errorf("expected a single remote stop, got %d", stops)
	}
	if n := failedEvents(s.Snapshot().Events); n != 1 {
		t.Errorf("expected 1 terminal event, got %d", n)
	}
}

func TestCancelAfterRemoteStartReturnedDoesNotInterrupt(t *testing.T) {
	h := newHarness(t)
	h.remote.StartInfo = map[string]any{"service": "10.9.9.9:8000"}
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s.cancelStart()
	if s.Phase() != PhaseRunning {
		t.Errorf("cancel after return must be a no-op, got %s", s.Phase())
	}
}

func TestStartFailureRacingCancel(t *testing.T) {
	h := newHarness(t)
	h.deps.Options.EventWait = 40 * time.Millisecond
	h.remote.StartErr = &RemoteCallError{StatusCode: 503, Reason: "outpost unavailable"}
	h.remote.Entered = make(chan struct{}, 1)
	s := h.session()
	ctx := context.Background()

	result := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		result <- err
	}()
	<-h.remote.Entered
	if err := s.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	err := <-result
	var rce *RemoteCallError
	if !errors.As(err, &rce) {
		t.Fatalf("expected RemoteCallError, got %v", err)
	}

	if n := failedEvents(s.Snapshot().Events); n != 1 {
		t.Errorf("expected exactly 1 terminal event, got %d: %+v", n, s.Snapshot().Events)
	}
}

func TestStartFailureRecordsEvent(t *testing.T) {
	h := newHarness(t)
	h.remote.StartErr = &RemoteCallError{StatusCode: 503, Reason: "line one\nline two"}
	s := h.session()

	start := time.Now()
	_, err := s.Start(context.Background())
	var rce *RemoteCallError
	if !errors.As(err, &rce) || rce.StatusCode != 503 {
		t.Fatalf("expected RemoteCallError 503, got %v", err)
	}
	if time.Since(start) < 5*h.deps.Options.EventWait {
		t.Errorf("expected failed start to wait for a concurrent cancel")
	}

	latest := s.Snapshot().Events
	if len(latest) != 1 || !latest[0].Failed {
		t.Fatalf("expected one failure event, got %+v", latest)
	}
	msg := latest[0].HTMLMessage
	if !strings.Contains(msg, "JupyterLab start failed (503).") || !strings.Contains(msg, "line one<br>line two") {
		t.Errorf("unexpected failure message %q", msg)
	}
	if _, ok := events.Time(latest[0]); !ok {
		t.Error("failure event must carry a timestamp")
	}
}

func TestRemoteForwardBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.CreateRemoteForward = Static(true)
	h.deps.Hooks.SSHRemoteNode = Static("hubgw")
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.ssh.RemoteRunning("hubgw") {
		t.Error("expected remote forward on hubgw")
	}

	_ = s.Stop(ctx, StopOptions{})
	if h.ssh.RemoteRunning("hubgw") {
		t.Error("expected remote forward stopped")
	}
}

func TestRemoteForwardFailureAbortsStart(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.CreateRemoteForward = Static(true)
	h.deps.Hooks.SSHRemoteNode = Static("hubgw")
	h.ssh.RemoteStartCode = 1
	s := h.session()

	_, err := s.Start(context.Background())
	var te *TunnelError
	if !errors.As(err, &te) {
		t.Fatalf("expected TunnelError, got %v", err)
	}
	if starts, _, _ := h.remote.Calls(); starts != 0 {
		t.Errorf("no remote call expected, got %d", starts)
	}
	latest := s.Snapshot().Events
	if failedEvents(latest) != 1 || !strings.Contains(latest[0].HTMLMessage, "(419)") {
		t.Errorf("expected tunnel failure event, got %+v", latest)
	}
}

func restoredSession(t *testing.T, h *harness) *Session {
	t.Helper()
	s := newSession(Identity{Owner: "bob"}, h.deps.normalize())
	s.restore(State{
		ConnectionInfo: map[string]any{"service": "10.0.0.5:8888", "ssh_node": "login2"},
		Port:           testPort,
		Active:         true,
	})
	return s
}

func TestPollAfterRestartRecreatesTunnel(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.RecreateAtStart = Static(true)
	s := restoredSession(t, h)
	ctx := context.Background()

	st, err := s.Poll(ctx)
	if err != nil || !st.Running {
		t.Fatalf("Poll: %+v %v", st, err)
	}
	if n := h.ssh.Count("forward "); n != 1 {
		t.Errorf("expected forward recreated once, got %d", n)
	}
	if pubs, _ := h.pub.counts(); pubs != 0 {
		t.Errorf("endpoint must not be republished, got %d", pubs)
	}

	if _, err := s.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.ssh.Count("forward "); n != 1 {
		t.Errorf("restart handling must run once, got %d forwards", n)
	}
}

func TestPollAfterRestartTunnelFailureStops(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.RecreateAtStart = Static(true)
	var hooked int
	var mu sync.Mutex
	h.deps.Hooks.PostStopHook = func(*Session) error {
		mu.Lock()
		defer mu.Unlock()
		hooked++
		return nil
	}
	h.ssh.ConnectFails = true
	s := restoredSession(t, h)

	st, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Running {
		t.Error("expected not running")
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
	s.runPostStopHook()
	mu.Lock()
	defer mu.Unlock()
	if hooked != 1 {
		t.Errorf("expected post stop hook once, got %d", hooked)
	}
}

func TestPollAfterRestartServerGone(t *testing.T) {
	h := newHarness(t)
	h.remote.PollStatus = Status{Running: false, ExitCode: 1}
	s := restoredSession(t, h)

	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
	if n := h.ssh.Count("forward "); n != 0 {
		t.Errorf("no tunnel expected, got %d", n)
	}
}

func TestReportEvent(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	err := s.ReportEvent(ctx, events.Event{Progress: 40, HTMLMessage: "<details><summary>Pulling image</summary>busy</details>"})
	if err != nil {
		t.Fatalf("ReportEvent: %v", err)
	}
	if err := s.ReportEvent(ctx, events.Event{Progress: 50, Message: "Scheduled"}); err != nil {
		t.Fatal(err)
	}

	latest := s.Snapshot().Events
	if len(latest) != 2 {
		t.Fatalf("expected 2 events, got %d", len(latest))
	}
	first := latest[0].HTMLMessage
	if !strings.HasPrefix(first, "<details><summary>") || !strings.Contains(first, ": Pulling image</summary>") {
		t.Errorf("expected stamped summary, got %q", first)
	}
	if _, ok := events.Time(events.Event{HTMLMessage: first}); !ok {
		t.Errorf("stamp not parseable in %q", first)
	}
	if latest[1].HTMLMessage != "Scheduled" {
		t.Errorf("expected message copied to html_message, got %q", latest[1].HTMLMessage)
	}
}

func TestReportEventFiltered(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.FilterEvent = func(_ *Session, e events.Event) (events.Event, error) {
		if e.Progress < 10 {
			return events.Event{}, nil
		}
		return e, nil
	}
	s := h.session()

	err := s.ReportEvent(context.Background(), events.Event{Progress: 5, Message: "noise"})
	var mce *MalformedCallbackError
	if !errors.As(err, &mce) {
		t.Errorf("expected MalformedCallbackError, got %v", err)
	}
	if len(s.Snapshot().Events) != 0 {
		t.Error("filtered event must not be recorded")
	}
}

func TestReportEventWhileStopping(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()
	_ = s.Stop(ctx, StopOptions{})

	err := s.ReportEvent(ctx, events.Event{Progress: 50, Message: "late"})
	var ase *AlreadyStoppingError
	if !errors.As(err, &ase) {
		t.Errorf("expected AlreadyStoppingError, got %v", err)
	}
}

func TestReportFailureStops(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()
	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	err := s.ReportEvent(ctx, events.Event{Failed: true, Progress: 100, HTMLMessage: "Out of memory"})
	if err != nil {
		t.Fatalf("ReportEvent: %v", err)
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
	latest := s.Snapshot().Events
	if latest[len(latest)-1].HTMLMessage != "Out of memory" {
		t.Errorf("expected raw failure as terminal event, got %+v", latest)
	}
}

func TestReportFailureUserCancel(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	ctx := context.Background()

	payload := events.Event{Failed: true, HTMLMessage: "<details><summary>whenever: " + UserCancelMessage}
	if err := s.ReportFailure(ctx, payload); err != nil {
		t.Fatal(err)
	}
	latest := s.Snapshot().Events
	if len(latest) != 1 {
		t.Fatalf("expected 1 event, got %+v", latest)
	}
	msg := latest[0].HTMLMessage
	if strings.Contains(msg, "whenever") || !strings.HasSuffix(msg, UserCancelMessage) {
		t.Errorf("expected freshly stamped cancel event, got %q", msg)
	}
	if _, ok := events.Time(events.Event{HTMLMessage: msg}); !ok {
		t.Errorf("expected stamp in %q", msg)
	}
}

func TestPostStopHookRunsOnce(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.deps.Hooks.PostStopHook = func(*Session) error {
		calls++
		return errors.New("ignored")
	}
	s := h.session()
	s.runPostStopHook()
	s.runPostStopHook()
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestEnv(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	s.setLocalPort(40123)

	env := s.Env()
	want := map[string]string{
		"JUPYTERHUB_API_URL":         "http://hub:8081/hub/api",
		"JUPYTERHUB_ACTIVITY_URL":    "http://hub:8081/hub/api/users/alice/activity",
		"JUPYTERHUB_SETUPTUNNEL_URL": "http://hub:8081/hub/api/users/setuptunnel/alice/lab",
		"JUPYTERHUB_EVENTS_URL":      "http://hub:8081/hub/api/users/progress/events/alice/lab",
		"JUPYTERHUB_SERVICE_URL":     "http://0.0.0.0:40123/user/alice/lab/",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestStatePrunesOldEvents(t *testing.T) {
	h := newHarness(t)
	s := h.session()
	old := time.Now().Add(-25 * time.Hour)
	s.log.Restore(map[string][]events.Event{
		"old-attempt":      {{Timestamp: old, Failed: true}},
		events.LatestGroup: {{Timestamp: time.Now(), Progress: 10}},
	})

	st := s.State()
	if _, ok := st.Events["old-attempt"]; ok {
		t.Error("expected stale group pruned")
	}
	if len(st.Events[events.LatestGroup]) != 1 {
		t.Error("expected latest group kept")
	}
}

func TestLocalTargetOverrides(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHForwardOptions = Static(map[string]string{"ServerAliveInterval": "30"})
	s := h.session()

	target, err := s.localTarget(context.Background(), map[string]any{
		"ssh_node":            "override",
		"ssh_port":            float64(2222),
		"ssh_forward_options": map[string]any{"ConnectTimeout": 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if target.Host != "override" || target.Port != 2222 || target.User != DefaultSSHUsername {
		t.Errorf("unexpected target %+v", target)
	}
	if target.Options["ServerAliveInterval"] != "30" || target.Options["ConnectTimeout"] != "5" {
		t.Errorf("unexpected options %v", target.Options)
	}

	h.deps.Hooks.SSHNode = Func(func(context.Context, *Session) (string, error) { return "from-func", nil })
	s = h.session()
	target, _ = s.localTarget(context.Background(), map[string]any{"ssh_node": "ignored"})
	if target.Host != "from-func" {
		t.Errorf("function hook must win, got %s", target.Host)
	}
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseIdle, PhaseStarting, true},
		{PhaseStarting, PhaseRunning, true},
		{PhaseStarting, PhaseStopping, true},
		{PhaseRunning, PhaseStopping, true},
		{PhaseStopping, PhaseStopped, true},
		{PhaseRunning, PhaseStopped, true},
		{PhaseStopped, PhaseStarting, false},
		{PhaseStopping, PhaseRunning, false},
		{PhaseRunning, PhaseStarting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

// gatedPublisher holds every Publish until gate is closed.
type gatedPublisher struct {
	*countingPublisher
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPublisher) Publish(ctx context.Context, req endpoint.Request) (string, int, error) {
	p.entered <- struct{}{}
	<-p.gate
	return p.countingPublisher.Publish(ctx, req)
}

func TestStopDuringPublishRemovesEndpoint(t *testing.T) {
	h := newHarness(t)
	pub := &gatedPublisher{countingPublisher: h.pub, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h.deps.Publisher = pub
	s := h.session()
	ctx := context.Background()

	if _, err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		errc <- s.ReportConnectionInfo(ctx, map[string]any{"service": "10.0.0.7:8888"})
	}()
	<-pub.entered

	if err := s.Stop(ctx, StopOptions{Event: Static(DefaultStopEvent())}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-s.Done()
	close(pub.gate)

	var ase *AlreadyStoppingError
	if err := <-errc; !errors.As(err, &ase) {
		t.Fatalf("expected AlreadyStoppingError, got %v", err)
	}
	h.pub.mu.Lock()
	left := len(h.pub.published)
	h.pub.mu.Unlock()
	if left != 0 {
		t.Errorf("%d endpoint(s) still published after stop", left)
	}
	if got := h.ssh.Forwards("/tmp/control_login1"); len(got) != 0 {
		t.Errorf("forward still open after stop: %v", got)
	}
	if s.PublishedName() != "" || s.TunnelActive() {
		t.Errorf("session still holds endpoint %q or tunnel %v", s.PublishedName(), s.TunnelActive())
	}
	if s.Phase() != PhaseStopped {
		t.Errorf("expected stopped, got %s", s.Phase())
	}
}

func TestStopDuringStartupPublishRemovesEndpoint(t *testing.T) {
	h := newHarness(t)
	h.deps.Hooks.SSHDuringStartup = Static(true)
	h.remote.StartInfo = map[string]any{"service": "10.0.0.5:8888"}
	pub := &gatedPublisher{countingPublisher: h.pub, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h.deps.Publisher = pub
	s := h.session()
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		errc <- err
	}()
	<-pub.entered

	_ = s.Stop(ctx, StopOptions{Event: Static(DefaultStopEvent())})
	<-s.Done()
	close(pub.gate)

	var ase *AlreadyStoppingError
	if err := <-errc; !errors.As(err, &ase) {
		t.Fatalf("expected AlreadyStoppingError, got %v", err)
	}
	h.pub.mu.Lock()
	left := len(h.pub.published)
	h.pub.mu.Unlock()
	if left != 0 {
		t.Errorf("%d endpoint(s) still published after stop", left)
	}
	if n := failedEvents(s.Snapshot().Events); n != 1 {
		t.Errorf("expected only the stop event, got %d failed events", n)
	}
}
