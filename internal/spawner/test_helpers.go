package spawner

import (
	"context"
	"sort"
	"sync"

	"github.com/gluk-w/claworc/forwarder/internal/events"
)

// FakeRemote is an in-memory Remote for tests.
type FakeRemote struct {
	mu sync.Mutex

	// StartInfo is returned by Start.
	StartInfo map[string]any
	StartErr  error
	// Block makes Start wait until it is closed or ctx is done.
	Block chan struct{}
	// Entered receives a value each time Start begins, if non-nil.
	Entered chan struct{}

	PollStatus Status
	PollErr    error
	StopErr    error

	starts int
	polls  int
	stops  int
}

// NewFakeRemote returns a FakeRemote whose server is running.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{PollStatus: Status{Running: true}}
}

func (f *FakeRemote) Start(ctx context.Context, req Request) (map[string]any, error) {
	f.mu.Lock()
	f.starts++
	block, entered := f.Block, f.Entered
	info, err := f.StartInfo, f.StartErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return copyInfo(info), nil
}

func (f *FakeRemote) Poll(ctx context.Context, req Request) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.PollStatus, f.PollErr
}

func (f *FakeRemote) Stop(ctx context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.StopErr
}

// Calls returns how often Start, Poll and Stop were called.
func (f *FakeRemote) Calls() (starts, polls, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.polls, f.stops
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[Identity]State
	saves  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[Identity]State)}
}

func (m *MemoryStore) Load(ctx context.Context, id Identity) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return cloneState(st), ok, nil
}

func (m *MemoryStore) Save(ctx context.Context, id Identity, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = cloneState(st)
	m.saves++
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []Identity
	for id, st := range m.states {
		if st.Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Owner != ids[j].Owner {
			return ids[i].Owner < ids[j].Owner
		}
		return ids[i].Name < ids[j].Name
	})
	return ids, nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func cloneState(st State) State {
	out := st
	if st.ConnectionInfo != nil {
		out.ConnectionInfo = copyInfo(st.ConnectionInfo)
	}
	if st.UserOptions != nil {
		out.UserOptions = copyInfo(st.UserOptions)
	}
	if st.Events != nil {
		out.Events = make(map[string][]events.Event, len(st.Events))
		for k, v := range st.Events {
			out.Events[k] = append([]events.Event(nil), v...)
		}
	}
	return out
}
