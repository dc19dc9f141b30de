package events

import (
	"log"
	"sort"
	"sync"
	"time"
)

// LatestGroup is the id of the group receiving new events.
const LatestGroup = "latest"

// Log is an append-only, per-session record of progress events. Events are
// organised in groups: the current start attempt writes to LatestGroup and
// earlier attempts are archived under their own ids until pruned.
type Log struct {
	mu     sync.RWMutex
	groups map[string][]Event
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{groups: make(map[string][]Event)}
}

// Append adds an event to the latest group. No dedup, no reordering.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups[LatestGroup] = append(l.groups[LatestGroup], e)
}

// Latest returns a copy of the latest group.
func (l *Log) Latest() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	latest := l.groups[LatestGroup]
	result := make([]Event, len(latest))
	copy(result, latest)
	return result
}

// Archive moves the latest group under id and starts a fresh latest group.
// An empty latest group is not archived.
func (l *Log) Archive(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if latest := l.groups[LatestGroup]; len(latest) > 0 {
		l.groups[id] = latest
	}
	delete(l.groups, LatestGroup)
}

// Prune drops every group whose oldest event is more than Retention older
// than now, and every empty group. Groups whose oldest event has no
// recognisable timestamp are left alone. It returns the ids of removed groups.
func (l *Log) Prune(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for id, group := range l.groups {
		if len(group) == 0 {
			delete(l.groups, id)
			removed = append(removed, id)
			continue
		}
		t, ok := Time(group[0])
		if !ok {
			log.Printf("[events] group %s has no timestamp, skipping prune", id)
			continue
		}
		if now.Sub(t) > Retention {
			delete(l.groups, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Groups returns a deep copy of all groups for persistence.
func (l *Log) Groups() map[string][]Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make(map[string][]Event, len(l.groups))
	for id, group := range l.groups {
		copied := make([]Event, len(group))
		copy(copied, group)
		result[id] = copied
	}
	return result
}

// Restore replaces the log contents with previously persisted groups.
func (l *Log) Restore(groups map[string][]Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups = make(map[string][]Event, len(groups))
	for id, group := range groups {
		copied := make([]Event, len(group))
		copy(copied, group)
		l.groups[id] = copied
	}
}
