package spawner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/endpoint"
	"github.com/gluk-w/claworc/forwarder/internal/events"
	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"github.com/gluk-w/claworc/forwarder/internal/sshforward"
)

// UserCancelMessage ends the failure payload an outpost pushes when the user
// pressed the cancel button on the progress page.
const UserCancelMessage = "Start cancelled by user.</summary>You clicked the cancel button.</details>"

// DefaultEventWait is the polling interval of progress consumers.
const DefaultEventWait = time.Second

// Options are process-wide settings shared by every session.
type Options struct {
	// PublicAPIURL is the hub API address handed to remote servers.
	PublicAPIURL string
	InternalSSL  bool
	// NameTemplate derives the endpoint name, see endpoint.Name.
	NameTemplate string
	// EventWait is how often progress consumers poll. A failed start waits
	// up to five of these for a concurrent cancel to record its event.
	EventWait time.Duration
	// AllocatePort picks the local port of a new session.
	AllocatePort func() (int, error)
	// DNSName turns an endpoint name into the host the hub dials. Unset
	// uses the bare name.
	DNSName func(name string) string
	// Namespace is the hub's namespace, rendered into {hubnamespace}.
	Namespace string
}

// SpawnOptions are the per-start inputs the hub hands over with a spawn.
type SpawnOptions struct {
	UserID int64 `json:"user_id"`
	// UserOptions are the choices made on the spawn form. They are passed
	// to the outpost and their "system" entry selects the site system.
	UserOptions map[string]any `json:"user_options"`
}

// Deps are the collaborators a session drives.
type Deps struct {
	Remote    Remote
	Driver    *sshforward.Driver
	Publisher endpoint.Publisher
	Store     Store
	Hooks     Hooks
	Options   Options
}

func (d Deps) normalize() *Deps {
	if d.Driver == nil {
		d.Driver = sshforward.NewDriver(nil)
	}
	if d.Publisher == nil {
		d.Publisher = endpoint.FuncPublisher{}
	}
	if d.Options.EventWait <= 0 {
		d.Options.EventWait = DefaultEventWait
	}
	if d.Options.AllocatePort == nil {
		d.Options.AllocatePort = randomPort
	}
	d.Hooks = d.Hooks.withDefaults()
	return &d
}

// StopOptions controls a Stop call.
type StopOptions struct {
	// Cancel interrupts a pending start and the supervising task.
	Cancel bool
	// Event is appended once the remote stop returned, whatever its outcome.
	// It is resolved at that point so it carries a current timestamp.
	Event Hook[events.Event]
}

// Snapshot is the progress view of a session, read atomically.
type Snapshot struct {
	Events []events.Event `json:"events"`
	Active bool           `json:"active"`
	Ready  bool           `json:"ready"`
}

// Session is one remotely started singleuser server.
type Session struct {
	id           Identity
	deps         *Deps
	endpointName string
	log          *events.Log

	// saveMu orders state saves so a late save cannot overwrite the final
	// one.
	saveMu sync.Mutex

	mu                 sync.Mutex
	phase              Phase
	userID             int64
	userOptions        map[string]any
	startInfo          map[string]any
	publishedName      string
	connInfo           map[string]any
	localPort          int
	url                string
	tunnelActive       bool
	remoteTunnelActive bool

	stopRequested       bool
	stopCompleted       bool
	cancelRequested     bool
	cancelEventRecorded bool
	failureRecorded     bool
	postStopHooked      bool
	restored            bool

	startPending bool
	startCancel  context.CancelFunc
	superCancel  context.CancelFunc
	stopped      chan struct{}
}

// NewSession creates an idle session.
func NewSession(id Identity, deps Deps) *Session {
	return newSession(id, deps.normalize())
}

func newSession(id Identity, deps *Deps) *Session {
	s := &Session{
		id:          id,
		deps:        deps,
		log:         events.NewLog(),
		phase:       PhaseIdle,
		userOptions: make(map[string]any),
		connInfo:    make(map[string]any),
		stopped:     make(chan struct{}),
	}
	s.endpointName = s.renderName()
	return s
}

// renderName derives the endpoint name. s.mu must be held or s unshared.
func (s *Session) renderName() string {
	return endpoint.Name(s.deps.Options.NameTemplate, endpoint.Properties{
		Owner:     s.id.Owner,
		Server:    s.id.Name,
		UserID:    s.userID,
		Namespace: s.deps.Options.Namespace,
	})
}

// applySpawnOptions sets the hub's start inputs on a session that is not
// shared yet.
func (s *Session) applySpawnOptions(opts SpawnOptions) {
	s.userID = opts.UserID
	s.userOptions = copyInfo(opts.UserOptions)
	s.endpointName = s.renderName()
}

// ID returns the session identity.
func (s *Session) ID() Identity { return s.id }

// EndpointName is the name the session is published under.
func (s *Session) EndpointName() string { return s.endpointName }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LocalPort returns the hub-side port of the session.
func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

// URL returns the address the server is expected at, once known.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// TunnelActive reports whether a local forward is established.
func (s *Session) TunnelActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnelActive
}

// ConnectionInfo returns a copy of the connection info.
func (s *Session) ConnectionInfo() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInfo(s.connInfo)
}

// UserOptions returns a copy of the options the start was requested with.
func (s *Session) UserOptions() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInfo(s.userOptions)
}

// Attribute returns key from the connection info, else from the outpost's
// start response, else from the user options.
func (s *Session) Attribute(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range []map[string]any{s.connInfo, s.startInfo, s.userOptions} {
		if v, ok := src[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// PublishedName is the endpoint name returned by the publisher, empty while
// nothing is published.
func (s *Session) PublishedName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishedName
}

// Done is closed once Stop completed.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

func (s *Session) name() string {
	return logutil.SanitizeForLog(s.id.String())
}

// setPhaseLocked moves to phase to. s.mu must be held.
func (s *Session) setPhaseLocked(to Phase) error {
	if s.phase == to {
		return nil
	}
	if !CanTransition(s.phase, to) {
		return &TransitionError{From: s.phase, To: to}
	}
	log.Printf("[spawner] %s: %s -> %s", s.name(), s.phase, to)
	s.phase = to
	return nil
}

// record appends e to the event log. Only the first failure event of a
// lifecycle is kept, so a racing cancel and start failure show one outcome.
func (s *Session) record(e events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Failed {
		if s.failureRecorded {
			log.Printf("[spawner] %s: terminal event already recorded, dropping %q", s.name(), logutil.SanitizeForLog(e.HTMLMessage))
			return false
		}
		s.failureRecorded = true
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.log.Append(e)
	return true
}

// Snapshot returns events, active and ready as one consistent view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Events: s.log.Latest(),
		Active: s.phase.Active(),
		Ready:  s.phase == PhaseRunning,
	}
}

// State returns the persisted form of the session with old events pruned.
func (s *Session) State() State {
	if removed := s.log.Prune(time.Now()); len(removed) > 0 {
		log.Printf("[events] %s: pruned %d event groups", s.name(), len(removed))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ConnectionInfo: copyInfo(s.connInfo),
		Port:           s.localPort,
		Events:         s.log.Groups(),
		Active:         s.phase.Active(),
		URL:            s.url,
		UserID:         s.userID,
		UserOptions:    copyInfo(s.userOptions),
		PublishedName:  s.publishedName,
	}
}

func (s *Session) persist(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	done := s.stopCompleted
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.deps.Store.Save(ctx, s.id, s.State()); err != nil {
		return fmt.Errorf("save state for %s: %w", s.id, err)
	}
	return nil
}

// persistFinal saves the state of a stopped session: events are kept, the
// connection info is dropped.
func (s *Session) persistFinal(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	st := s.State()
	st.ConnectionInfo = nil
	st.Active = false
	st.URL = ""
	st.PublishedName = ""
	if err := s.deps.Store.Save(ctx, s.id, st); err != nil {
		return fmt.Errorf("save state for %s: %w", s.id, err)
	}
	return nil
}

// restore loads st into an idle session and marks it as re-attached after a
// process restart.
func (s *Session) restore(st State) {
	s.log.Restore(st.Events)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ConnectionInfo != nil {
		s.connInfo = copyInfo(st.ConnectionInfo)
	}
	s.localPort = st.Port
	s.url = st.URL
	s.userID = st.UserID
	if st.UserOptions != nil {
		s.userOptions = copyInfo(st.UserOptions)
	}
	s.publishedName = st.PublishedName
	s.endpointName = s.renderName()
	s.restored = true
	if st.Active {
		s.phase = PhaseRunning
		s.tunnelActive = len(s.connInfo) > 0
	}
}

func (s *Session) proto() string {
	if s.deps.Options.InternalSSL {
		return "https://"
	}
	return "http://"
}

// Env returns the environment handed to the remote server.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	port := s.localPort
	s.mu.Unlock()
	return s.env(port)
}

func (s *Session) env(port int) map[string]string {
	api := strings.TrimRight(s.deps.Options.PublicAPIURL, "/")
	owner := url.PathEscape(s.id.Owner)
	suffix := owner
	if s.id.Name != "" {
		suffix += "/" + url.PathEscape(s.id.Name)
	}
	return map[string]string{
		"JUPYTERHUB_API_URL":         api,
		"JUPYTERHUB_ACTIVITY_URL":    fmt.Sprintf("%s/users/%s/activity", api, owner),
		"JUPYTERHUB_SETUPTUNNEL_URL": fmt.Sprintf("%s/users/setuptunnel/%s", api, suffix),
		"JUPYTERHUB_EVENTS_URL":      fmt.Sprintf("%s/users/progress/events/%s", api, suffix),
		"JUPYTERHUB_SERVICE_URL":     fmt.Sprintf("%s0.0.0.0:%d/user/%s/%s/", s.proto(), port, s.id.Owner, s.id.Name),
	}
}

func (s *Session) request() Request {
	s.mu.Lock()
	port := s.localPort
	info := copyInfo(s.connInfo)
	opts := copyInfo(s.userOptions)
	s.mu.Unlock()
	return Request{Identity: s.id, Port: port, Env: s.env(port), ConnectionInfo: info, UserOptions: opts}
}

// Start launches the server remotely and returns the URL it is expected at.
// ctx is the supervising context; cancelling it, Cancel or Stop with
// Cancel set interrupts the start while the remote call is pending.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return "", &AlreadyStoppingError{Session: s.id.String()}
	}
	if err := s.setPhaseLocked(PhaseStarting); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.localPort == 0 {
		port, err := s.deps.Options.AllocatePort()
		if err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("allocate port: %w", err)
		}
		s.localPort = port
	}
	startCtx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.startPending = true
	s.mu.Unlock()
	defer cancel()

	if err := s.persist(ctx); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}

	remoteForward, err := s.deps.Hooks.CreateRemoteForward.Resolve(startCtx, s)
	if err != nil {
		return "", s.failStart(ctx, err)
	}
	if remoteForward {
		if err := s.ensureRemoteForward(startCtx); err != nil {
			return "", s.failStart(ctx, err)
		}
	}

	info, err := s.deps.Remote.Start(startCtx, s.request())
	s.mu.Lock()
	s.startPending = false
	stopping := s.stopRequested
	s.mu.Unlock()
	if err != nil {
		return "", s.failStart(ctx, remoteError("start", err))
	}
	if stopping {
		log.Printf("[spawner] %s: remote start returned after stop was requested", s.name())
		return "", &AlreadyStoppingError{Session: s.id.String()}
	}
	s.mu.Lock()
	s.startInfo = copyInfo(info)
	s.mu.Unlock()

	duringStartup, err := s.deps.Hooks.SSHDuringStartup.Resolve(ctx, s)
	if err != nil {
		return "", s.failStart(ctx, err)
	}
	service, _ := fromInfo[string](info, "service")

	var target string
	switch {
	case duringStartup:
		// The outpost told us where the server is; forward and publish now.
		s.mu.Lock()
		s.connInfo = copyInfo(info)
		s.mu.Unlock()
		name, port, err := s.establish(ctx, true)
		var stopping *AlreadyStoppingError
		if errors.As(err, &stopping) {
			return "", err
		}
		if err != nil {
			return "", s.failStart(ctx, err)
		}
		target = endpoint.Address(s.deps.Options.InternalSSL, s.host(name), port)
		s.setLocalPort(port)
		if err := s.markRunning(target); err != nil {
			return "", err
		}

	case service != "":
		// Directly reachable.
		host, port, err := sshforward.ParseServiceAddress(service)
		if err != nil {
			return "", s.failStart(ctx, remoteError("start", err))
		}
		target = endpoint.Address(s.deps.Options.InternalSSL, host, port)
		s.setLocalPort(port)
		if err := s.markRunning(target); err != nil {
			return "", err
		}

	default:
		// Address not known yet. The server calls ReportConnectionInfo once
		// it runs, which sets up the tunnel.
		target = endpoint.Address(s.deps.Options.InternalSSL, s.host(s.endpointName), s.LocalPort())
		s.mu.Lock()
		if s.phase != PhaseRunning {
			s.url = target
		}
		s.mu.Unlock()
	}

	if err := s.persist(ctx); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}
	log.Printf("[spawner] %s: expect server at %s", s.name(), logutil.SanitizeForLog(target))
	return target, nil
}

func (s *Session) host(name string) string {
	if s.deps.Options.DNSName != nil {
		return s.deps.Options.DNSName(name)
	}
	return name
}

func (s *Session) setLocalPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localPort = port
}

// markRunning moves the session to Running and records the ready event.
func (s *Session) markRunning(target string) error {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return &AlreadyStoppingError{Session: s.id.String()}
	}
	was := s.phase
	if err := s.setPhaseLocked(PhaseRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	s.url = target
	s.mu.Unlock()

	if was != PhaseRunning {
		now := time.Now()
		s.record(events.Event{
			Timestamp:   now,
			Ready:       true,
			Progress:    100,
			HTMLMessage: events.Detail(now, "JupyterLab is ready", target),
		})
	}
	return nil
}

// failStart records the failure event unless a cancel is already handling the
// outcome, then gives a racing cancel a short window to record its event.
func (s *Session) failStart(ctx context.Context, err error) error {
	s.mu.Lock()
	s.startPending = false
	cancelled := s.cancelRequested
	s.mu.Unlock()

	log.Printf("[spawner] %s: start failed: %v", s.name(), err)
	if cancelled {
		return err
	}

	code, summary, detail := describeFailure(err)
	now := time.Now()
	s.record(events.Event{
		Timestamp: now,
		Failed:    true,
		Progress:  100,
		HTMLMessage: events.Detail(now,
			strings.TrimSpace(fmt.Sprintf("JupyterLab start failed (%d). %s", code, summary)),
			strings.ReplaceAll(detail, "\n", "<br>")),
	})

	wait := s.deps.Options.EventWait
	deadline := time.Now().Add(5 * wait)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		seen := s.cancelEventRecorded
		s.mu.Unlock()
		if seen {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(2 * wait):
		}
	}
	return err
}

func describeFailure(err error) (int, string, string) {
	var rce *RemoteCallError
	var te *TunnelError
	var ee *EndpointError
	switch {
	case errors.As(err, &te):
		return 419, te.Error(), te.Err.Error()
	case errors.As(err, &ee):
		return 419, ee.Error(), ee.Err.Error()
	case errors.As(err, &rce):
		code := rce.StatusCode
		if code == 0 {
			code = 500
		}
		detail := rce.Reason
		if detail == "" && rce.Err != nil {
			detail = rce.Err.Error()
		}
		return code, "", detail
	default:
		return 500, "", err.Error()
	}
}

// establish runs the forward and, if publish is set, the endpoint. It returns
// the published name and port. A Stop that arrives while either step is in
// flight may already have torn down; establish then removes what it created
// itself and returns AlreadyStoppingError.
func (s *Session) establish(ctx context.Context, publish bool) (string, int, error) {
	s.mu.Lock()
	if s.stopCompleted {
		s.mu.Unlock()
		return "", 0, &AlreadyStoppingError{Session: s.id.String()}
	}
	info := copyInfo(s.connInfo)
	port := s.localPort
	s.mu.Unlock()

	if err := s.forward(ctx, info, port); err != nil {
		return "", 0, &TunnelError{Session: s.id.String(), Err: err}
	}
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		s.rollback(ctx, info, port, "")
		return "", 0, &AlreadyStoppingError{Session: s.id.String()}
	}
	s.tunnelActive = true
	s.mu.Unlock()

	if !publish {
		return "", 0, nil
	}
	labels, err := s.deps.Hooks.ExtraLabels.Resolve(ctx, s)
	if err != nil {
		return "", 0, &EndpointError{Session: s.id.String(), Op: "publish", Err: err}
	}
	name, pubPort, err := s.deps.Publisher.Publish(ctx, endpoint.Request{
		Name:           s.endpointName,
		Port:           port,
		ExtraLabels:    labels,
		ConnectionInfo: info,
	})
	if err != nil {
		return "", 0, &EndpointError{Session: s.id.String(), Op: "publish", Err: err}
	}
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		s.rollback(ctx, info, port, name)
		return "", 0, &AlreadyStoppingError{Session: s.id.String()}
	}
	s.publishedName = name
	s.mu.Unlock()
	return name, pubPort, nil
}

// rollback removes a forward, and the endpoint if published is set, that
// establish created after Stop was requested.
func (s *Session) rollback(ctx context.Context, info map[string]any, port int, published string) {
	ctx = context.WithoutCancel(ctx)
	log.Printf("[spawner] %s: stop requested during tunnel setup, rolling back", s.name())
	s.removeForward(ctx, info, port)
	if published != "" {
		s.unpublish(ctx, published)
	}
}

func (s *Session) forward(ctx context.Context, info map[string]any, port int) error {
	if fn := s.deps.Hooks.CustomForward; fn != nil {
		return fn(ctx, s, info)
	}
	service, _ := fromInfo[string](info, "service")
	if service == "" {
		return errors.New("connection info has no service address")
	}
	host, remotePort, err := sshforward.ParseServiceAddress(service)
	if err != nil {
		return err
	}
	target, err := s.localTarget(ctx, info)
	if err != nil {
		return err
	}
	return s.deps.Driver.EnsureForward(ctx, target, sshforward.Binding{
		LocalPort:  port,
		RemoteHost: host,
		RemotePort: remotePort,
	})
}

func (s *Session) localTarget(ctx context.Context, info map[string]any) (sshforward.Target, error) {
	h := s.deps.Hooks
	t := sshforward.Target{ControlPrefix: sshforward.ControlPrefixLocal}
	var err error
	if t.Host, err = h.SSHNode.resolveInfo(ctx, s, info, "ssh_node"); err != nil {
		return t, fmt.Errorf("resolve ssh node: %w", err)
	}
	if t.Port, err = h.SSHPort.resolveInfo(ctx, s, info, "ssh_port"); err != nil {
		return t, fmt.Errorf("resolve ssh port: %w", err)
	}
	if t.User, err = h.SSHUsername.resolveInfo(ctx, s, info, "ssh_username"); err != nil {
		return t, fmt.Errorf("resolve ssh username: %w", err)
	}
	if t.IdentityFile, err = h.SSHKey.resolveInfo(ctx, s, info, "ssh_key"); err != nil {
		return t, fmt.Errorf("resolve ssh key: %w", err)
	}
	opts, err := h.SSHForwardOptions.Resolve(ctx, s)
	if err != nil {
		return t, fmt.Errorf("resolve ssh forward options: %w", err)
	}
	t.Options = mergeOptions(opts, info)
	return t, nil
}

func (s *Session) remoteTarget(ctx context.Context, info map[string]any) (sshforward.Target, error) {
	h := s.deps.Hooks
	remote, _ := fromInfo[map[string]any](info, "remote")
	t := sshforward.Target{ControlPrefix: sshforward.ControlPrefixRemote}
	var err error
	if t.Host, err = h.SSHRemoteNode.resolveInfo(ctx, s, remote, "ssh_node"); err != nil {
		return t, fmt.Errorf("resolve remote ssh node: %w", err)
	}
	if t.Port, err = h.SSHRemotePort.resolveInfo(ctx, s, remote, "ssh_port"); err != nil {
		return t, fmt.Errorf("resolve remote ssh port: %w", err)
	}
	if t.User, err = h.SSHRemoteUsername.resolveInfo(ctx, s, remote, "ssh_username"); err != nil {
		return t, fmt.Errorf("resolve remote ssh username: %w", err)
	}
	if t.IdentityFile, err = h.SSHRemoteKey.resolveInfo(ctx, s, remote, "ssh_key"); err != nil {
		return t, fmt.Errorf("resolve remote ssh key: %w", err)
	}
	opts, err := h.SSHForwardRemoteOptions.Resolve(ctx, s)
	if err != nil {
		return t, fmt.Errorf("resolve remote ssh forward options: %w", err)
	}
	t.Options = mergeOptions(opts, remote)
	return t, nil
}

// mergeOptions layers info["ssh_forward_options"] over the configured
// options.
func mergeOptions(opts map[string]string, info map[string]any) map[string]string {
	merged := make(map[string]string, len(opts))
	for k, v := range opts {
		merged[k] = v
	}
	if extra, ok := fromInfo[map[string]string](info, "ssh_forward_options"); ok {
		for k, v := range extra {
			merged[k] = v
		}
	}
	return merged
}

func (s *Session) ensureRemoteForward(ctx context.Context) error {
	target, err := s.remoteTarget(ctx, s.ConnectionInfo())
	if err != nil {
		return &TunnelError{Session: s.id.String(), Err: err}
	}
	if err := s.deps.Driver.EnsureRemoteForward(ctx, target); err != nil {
		return &TunnelError{Session: s.id.String(), Err: err}
	}
	s.mu.Lock()
	s.remoteTunnelActive = true
	s.mu.Unlock()
	return nil
}

// teardown removes forward, endpoint and remote forward. Every step is
// best-effort.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	info := copyInfo(s.connInfo)
	port := s.localPort
	remote := s.remoteTunnelActive
	s.mu.Unlock()

	if len(info) > 0 {
		s.removeForward(ctx, info, port)
		s.unpublish(ctx, s.endpointName)
	}

	if remote {
		target, err := s.remoteTarget(ctx, info)
		if err != nil {
			log.Printf("[spawner] %s: could not stop remote forward: %v", s.name(), err)
		} else {
			s.deps.Driver.RemoveRemoteForward(ctx, target)
		}
	}

	s.mu.Lock()
	s.tunnelActive = false
	s.remoteTunnelActive = false
	s.publishedName = ""
	s.mu.Unlock()
}

func (s *Session) removeForward(ctx context.Context, info map[string]any, port int) {
	if fn := s.deps.Hooks.CustomForwardRemove; fn != nil {
		if err := fn(ctx, s, info); err != nil {
			log.Printf("[spawner] %s: could not cancel port forwarding: %v", s.name(), err)
		}
		return
	}
	service, _ := fromInfo[string](info, "service")
	if service == "" {
		return
	}
	host, remotePort, err := sshforward.ParseServiceAddress(service)
	if err == nil {
		var target sshforward.Target
		target, err = s.localTarget(ctx, info)
		if err == nil {
			s.deps.Driver.RemoveForward(ctx, target, sshforward.Binding{
				LocalPort:  port,
				RemoteHost: host,
				RemotePort: remotePort,
			})
		}
	}
	if err != nil {
		log.Printf("[spawner] %s: could not cancel port forwarding: %v", s.name(), err)
	}
}

func (s *Session) unpublish(ctx context.Context, name string) {
	if err := s.deps.Publisher.Unpublish(ctx, name); err != nil && !endpoint.IsNotFound(err) {
		log.Printf("[spawner] %s: could not delete endpoint: %v", s.name(), err)
	}
}

// Stop stops the remote server and tears down tunnel and endpoint. Only the
// first call has any effect; later calls return nil immediately.
func (s *Session) Stop(ctx context.Context, opts StopOptions) error {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	if err := s.setPhaseLocked(PhaseStopping); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}
	s.mu.Unlock()

	if opts.Cancel {
		s.cancelStart()
	}

	var stopErr error
	if err := s.deps.Remote.Stop(ctx, s.request()); err != nil {
		stopErr = remoteError("stop", err)
		log.Printf("[spawner] %s: %v", s.name(), stopErr)
	}
	if opts.Event.IsSet() {
		e, err := opts.Event.Resolve(ctx, s)
		if err != nil {
			log.Printf("[spawner] %s: resolve stop event: %v", s.name(), err)
		} else if !e.IsZero() {
			s.record(e)
		}
	}

	if opts.Cancel {
		s.mu.Lock()
		cancel := s.superCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	s.mu.Lock()
	needsTeardown := len(s.connInfo) > 0 || s.remoteTunnelActive
	s.mu.Unlock()
	if needsTeardown {
		s.teardown(context.WithoutCancel(ctx))
	}

	s.mu.Lock()
	s.stopCompleted = true
	if err := s.setPhaseLocked(PhaseStopped); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}
	close(s.stopped)
	s.mu.Unlock()
	return stopErr
}

// cancelStart interrupts Start while its remote call is still pending.
func (s *Session) cancelStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startPending && s.startCancel != nil {
		log.Printf("[spawner] %s: cancelling pending start", s.name())
		s.startCancel()
	}
}

// Cancel aborts a start: it records the cancelling event and stops with the
// stop event.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return nil
	}
	s.cancelRequested = true
	s.mu.Unlock()

	e, err := s.deps.Hooks.CancellingEvent.Resolve(ctx, s)
	if err != nil {
		log.Printf("[spawner] %s: resolve cancelling event: %v", s.name(), err)
	} else if !e.IsZero() {
		s.record(e)
	}
	s.mu.Lock()
	s.cancelEventRecorded = true
	s.mu.Unlock()

	return s.Stop(ctx, StopOptions{Cancel: true, Event: s.deps.Hooks.StopEvent})
}

// Poll checks the remote server. On the first poll after a process restart a
// server that is gone is stopped, and with RecreateAtStart the forward is
// re-created; failing that the session is stopped too.
func (s *Session) Poll(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.stopCompleted {
		s.mu.Unlock()
		return Status{}, nil
	}
	s.mu.Unlock()

	st, err := s.deps.Remote.Poll(ctx, s.request())
	if err != nil {
		return st, remoteError("poll", err)
	}

	s.mu.Lock()
	restored := s.restored
	s.restored = false
	hasInfo := len(s.connInfo) > 0
	s.mu.Unlock()
	if !restored {
		return st, nil
	}

	if !st.Running {
		log.Printf("[spawner] %s: server gone after restart, stopping", s.name())
		s.stopAfterRestart(ctx)
		return st, nil
	}

	recreate, err := s.deps.Hooks.RecreateAtStart.Resolve(ctx, s)
	if err != nil {
		log.Printf("[spawner] %s: resolve recreate at start: %v", s.name(), err)
		return st, nil
	}
	if recreate && hasInfo {
		if _, _, err := s.establish(ctx, false); err != nil {
			log.Printf("[spawner] %s: could not recreate ssh tunnel after restart, stopping: %v", s.name(), err)
			s.stopAfterRestart(ctx)
			return Status{Running: false}, nil
		}
		log.Printf("[spawner] %s: ssh tunnel recreated", s.name())
	}
	return st, nil
}

func (s *Session) stopAfterRestart(ctx context.Context) {
	if err := s.Stop(ctx, StopOptions{Cancel: true}); err != nil {
		log.Printf("[spawner] %s: stop: %v", s.name(), err)
	}
	s.runPostStopHook()
}

// runPostStopHook runs the post-stop hook at most once per session.
func (s *Session) runPostStopHook() {
	s.mu.Lock()
	if s.postStopHooked {
		s.mu.Unlock()
		return
	}
	s.postStopHooked = true
	s.mu.Unlock()

	if hook := s.deps.Hooks.PostStopHook; hook != nil {
		if err := hook(s); err != nil {
			log.Printf("[spawner] %s: post stop hook failed: %v", s.name(), err)
		}
	}
}

// ReportEvent appends a progress event pushed by the remote side. Failure
// events are handed to ReportFailure.
func (s *Session) ReportEvent(ctx context.Context, e events.Event) error {
	if e.Failed {
		return s.ReportFailure(ctx, e)
	}

	s.mu.Lock()
	stopping := s.stopRequested
	s.mu.Unlock()
	if stopping {
		return &AlreadyStoppingError{Session: s.id.String()}
	}

	if filter := s.deps.Hooks.FilterEvent; filter != nil {
		filtered, err := filter(s, e)
		if err != nil {
			log.Printf("[spawner] %s: could not filter event: %v", s.name(), err)
			filtered = events.Event{}
		}
		e = filtered
	}
	if e.IsZero() {
		return &MalformedCallbackError{Reason: "event is empty"}
	}

	now := time.Now()
	e.Timestamp = now
	const prefix = "<details><summary>"
	msg := e.HTMLMessage
	if msg == "" {
		msg = e.Message
	}
	if strings.HasPrefix(msg, prefix) {
		e.HTMLMessage = prefix + events.Stamp(now) + ": " + strings.TrimPrefix(msg, prefix)
	} else if e.HTMLMessage == "" {
		e.HTMLMessage = e.Message
	}

	log.Printf("[spawner] %s: event %q", s.name(), logutil.SanitizeForLog(e.HTMLMessage))
	s.record(e)
	return nil
}

// ReportFailure stops the session with e as the terminal event. A payload
// ending in UserCancelMessage is a cancel from the progress page and is
// replaced with a freshly stamped cancel event.
func (s *Session) ReportFailure(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	e.Failed = true
	var stopEvent Hook[events.Event]
	if strings.HasSuffix(e.HTMLMessage, UserCancelMessage) {
		log.Printf("[spawner] %s: start cancelled by user", s.name())
		s.mu.Lock()
		s.cancelRequested = true
		s.mu.Unlock()
		stopEvent = Func(func(context.Context, *Session) (events.Event, error) {
			now := time.Now()
			return events.Event{
				Timestamp:   now,
				Failed:      true,
				Progress:    100,
				HTMLMessage: "<details><summary>" + events.Stamp(now) + ": " + UserCancelMessage,
			}, nil
		})
	} else {
		log.Printf("[spawner] %s: failure reported: %q", s.name(), logutil.SanitizeForLog(e.HTMLMessage))
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		stopEvent = Static(e)
	}
	return s.Stop(ctx, StopOptions{Cancel: true, Event: stopEvent})
}

// ReportConnectionInfo merges the late address of the server into the
// connection info, persists it and sets up tunnel and endpoint. On failure
// the session is stopped.
func (s *Session) ReportConnectionInfo(ctx context.Context, info map[string]any) error {
	if len(info) == 0 {
		return &MalformedCallbackError{Reason: "connection info is empty"}
	}

	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return &AlreadyStoppingError{Session: s.id.String()}
	}
	for k, v := range info {
		s.connInfo[k] = v
	}
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return err
	}

	name, port, err := s.establish(ctx, true)
	var stopping *AlreadyStoppingError
	if errors.As(err, &stopping) {
		return err
	}
	if err != nil {
		now := time.Now()
		failed := events.Event{
			Timestamp:   now,
			Failed:      true,
			Progress:    100,
			HTMLMessage: events.Detail(now, "Could not setup tunnel", err.Error()),
		}
		log.Printf("[spawner] %s: could not setup tunnel: %v", s.name(), err)
		if stopErr := s.Stop(ctx, StopOptions{Cancel: true, Event: Static(failed)}); stopErr != nil {
			log.Printf("[spawner] %s: stop: %v", s.name(), stopErr)
		}
		return err
	}

	s.setLocalPort(port)
	target := endpoint.Address(s.deps.Options.InternalSSL, s.host(name), port)
	if err := s.markRunning(target); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}
	return nil
}

func copyInfo(info map[string]any) map[string]any {
	out := make(map[string]any, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}

func randomPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
