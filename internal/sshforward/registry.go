package sshforward

import (
	"sort"
	"sync"
	"time"
)

// ControlState is the last known state of a multiplexed control connection.
type ControlState struct {
	ControlPath string    `json:"control_path"`
	Host        string    `json:"host"`
	Alive       bool      `json:"alive"`
	LastCheck   time.Time `json:"last_check"`
	LastError   string    `json:"last_error,omitempty"`
	Connects    int       `json:"connects"`
}

// ControlRegistry tracks the ssh control connections of this process, keyed by
// control path. The connections themselves belong to ssh; the registry only
// records what the last check observed so concurrent sessions share one view.
type ControlRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ControlState
}

// NewControlRegistry creates an empty registry.
func NewControlRegistry() *ControlRegistry {
	return &ControlRegistry{conns: make(map[string]*ControlState)}
}

func (r *ControlRegistry) observe(t Target, alive bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := t.ControlPath()
	st, ok := r.conns[path]
	if !ok {
		st = &ControlState{ControlPath: path, Host: t.Host}
		r.conns[path] = st
	}
	st.Alive = alive
	st.LastCheck = time.Now()
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}

func (r *ControlRegistry) connected(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.conns[t.ControlPath()]; ok {
		st.Connects++
	}
}

// Get returns the state recorded for the control path of t.
func (r *ControlRegistry) Get(t Target) (ControlState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.conns[t.ControlPath()]
	if !ok {
		return ControlState{}, false
	}
	return *st, true
}

// Snapshot returns all recorded control connections sorted by path.
func (r *ControlRegistry) Snapshot() []ControlState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ControlState, 0, len(r.conns))
	for _, st := range r.conns {
		result = append(result, *st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ControlPath < result[j].ControlPath })
	return result
}
