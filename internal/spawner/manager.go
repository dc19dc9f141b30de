package spawner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/gluk-w/claworc/forwarder/internal/endpoint"
	"github.com/gluk-w/claworc/forwarder/internal/events"
	"github.com/google/uuid"
)

// Manager owns every session of this process.
type Manager struct {
	deps *Deps

	mu       sync.Mutex
	sessions map[Identity]*Session
	starts   sync.WaitGroup
}

// NewManager creates a Manager. Unset deps get their defaults.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps.normalize(),
		sessions: make(map[Identity]*Session),
	}
}

// Get returns the live session for id.
func (m *Manager) Get(id Identity) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Lookup returns the live session for id. A session that only exists in the
// store is reported as stopping; an identity never seen as ErrUnknownSession.
func (m *Manager) Lookup(ctx context.Context, id Identity) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}
	if m.deps.Store != nil {
		if _, found, err := m.deps.Store.Load(ctx, id); err != nil {
			return nil, err
		} else if found {
			return nil, &AlreadyStoppingError{Session: id.String()}
		}
	}
	return nil, ErrUnknownSession
}

// Snapshot returns the progress view of id, also for stopped sessions whose
// events are still stored.
func (m *Manager) Snapshot(ctx context.Context, id Identity) (Snapshot, error) {
	if s, ok := m.Get(id); ok {
		return s.Snapshot(), nil
	}
	if m.deps.Store == nil {
		return Snapshot{}, ErrUnknownSession
	}
	st, found, err := m.deps.Store.Load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, ErrUnknownSession
	}
	latest := st.Events[events.LatestGroup]
	if latest == nil {
		latest = []events.Event{}
	}
	return Snapshot{Events: latest}, nil
}

// Spawn starts id without spawn options, see SpawnWith.
func (m *Manager) Spawn(ctx context.Context, id Identity) (*Session, error) {
	return m.SpawnWith(ctx, id, SpawnOptions{})
}

// SpawnWith starts id in the background and returns its session. The
// previous attempt's events are archived and kept until pruned.
func (m *Manager) SpawnWith(ctx context.Context, id Identity, opts SpawnOptions) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := newSession(id, m.deps)
	s.applySpawnOptions(opts)
	m.sessions[id] = s
	m.mu.Unlock()

	if m.deps.Store != nil {
		st, found, err := m.deps.Store.Load(ctx, id)
		if err != nil {
			log.Printf("[spawner] %s: load state: %v", s.name(), err)
		} else if found {
			s.log.Restore(st.Events)
			s.log.Archive(uuid.NewString())
			s.setLocalPort(st.Port)
		}
	}

	superCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.superCancel = cancel
	s.mu.Unlock()

	m.starts.Add(1)
	go func() {
		defer m.starts.Done()
		defer cancel()
		target, err := s.Start(superCtx)
		if err != nil {
			log.Printf("[spawner] %s: start: %v", s.name(), err)
			if stopErr := s.Stop(context.Background(), StopOptions{}); stopErr != nil {
				log.Printf("[spawner] %s: stop after failed start: %v", s.name(), stopErr)
			}
			return
		}
		log.Printf("[spawner] %s: started, url %s", s.name(), target)
	}()
	m.watch(s)
	return s, nil
}

// watch finalizes s once it stopped.
func (m *Manager) watch(s *Session) {
	go func() {
		<-s.Done()
		m.finalize(s)
	}()
}

// finalize runs the post-stop hook, saves the inactive state and forgets s.
func (m *Manager) finalize(s *Session) {
	s.runPostStopHook()

	if err := s.persistFinal(context.Background()); err != nil {
		log.Printf("[spawner] %s: %v", s.name(), err)
	}

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	log.Printf("[spawner] %s: session closed", s.name())
}

// StopSession stops id with the configured stop event.
func (m *Manager) StopSession(ctx context.Context, id Identity) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Stop(ctx, StopOptions{Event: m.deps.Hooks.StopEvent})
}

// CancelSession cancels a starting session.
func (m *Manager) CancelSession(ctx context.Context, id Identity) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Cancel(ctx)
}

// Sessions returns the live sessions ordered by identity.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].id.Owner != list[j].id.Owner {
			return list[i].id.Owner < list[j].id.Owner
		}
		return list[i].id.Name < list[j].id.Name
	})
	return list
}

// PollAll polls every running session. Sessions whose server is gone are
// stopped.
func (m *Manager) PollAll(ctx context.Context) {
	for _, s := range m.Sessions() {
		if s.Phase() != PhaseRunning {
			continue
		}
		st, err := s.Poll(ctx)
		if err != nil {
			log.Printf("[spawner] %s: poll: %v", s.name(), err)
			continue
		}
		if !st.Running && s.Phase() == PhaseRunning {
			log.Printf("[spawner] %s: server no longer running (exit code %d)", s.name(), st.ExitCode)
			if err := s.Stop(ctx, StopOptions{Event: m.deps.Hooks.StopEvent}); err != nil {
				log.Printf("[spawner] %s: stop: %v", s.name(), err)
			}
		}
	}
}

// PruneAll persists every live session, which prunes its event log.
func (m *Manager) PruneAll(ctx context.Context) {
	for _, s := range m.Sessions() {
		if err := s.persist(ctx); err != nil {
			log.Printf("[spawner] %s: %v", s.name(), err)
		}
	}
}

// Restore re-attaches to the sessions that were active when the previous
// process exited. Each is checked by its first poll.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	ids, err := m.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	restored := 0
	for _, id := range ids {
		st, found, err := m.deps.Store.Load(ctx, id)
		if err != nil {
			log.Printf("[spawner] %s: load state: %v", id, err)
			continue
		}
		if !found {
			continue
		}
		s := newSession(id, m.deps)
		s.restore(st)

		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		m.watch(s)
		restored++
		log.Printf("[spawner] %s: restored (port %d)", s.name(), st.Port)
	}
	return restored, nil
}

// ListPublished returns the sessions that currently hold an endpoint. When
// the publisher can list its endpoints, a session only counts if its endpoint
// still exists there.
func (m *Manager) ListPublished(ctx context.Context) ([]Identity, error) {
	var exists map[string]bool
	if lister, ok := m.deps.Publisher.(endpoint.Lister); ok {
		names, err := lister.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list endpoints: %w", err)
		}
		exists = make(map[string]bool, len(names))
		for _, name := range names {
			exists[name] = true
		}
	}
	ids := []Identity{}
	for _, s := range m.Sessions() {
		name := s.PublishedName()
		if name == "" || !s.Phase().Active() {
			continue
		}
		if exists != nil && !exists[name] {
			continue
		}
		ids = append(ids, s.id)
	}
	return ids, nil
}

// Shutdown waits up to ctx for background starts to return, then saves every
// live session. Sessions are not stopped; the next process restores them.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.starts.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("starts still pending: %w", ctx.Err())
	}
	for _, s := range m.Sessions() {
		if perr := s.persist(context.WithoutCancel(ctx)); perr != nil {
			log.Printf("[spawner] %s: %v", s.name(), perr)
		}
	}
	return err
}
