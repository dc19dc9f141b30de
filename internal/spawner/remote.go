package spawner

import (
	"context"

	"github.com/gluk-w/claworc/forwarder/internal/events"
)

// Identity is the stable key of a session: the owner and the server name. The
// default server has an empty Name.
type Identity struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (id Identity) String() string {
	if id.Name == "" {
		return id.Owner
	}
	return id.Owner + ":" + id.Name
}

// Request is what the outpost receives for a start, poll or stop.
type Request struct {
	Identity
	Port           int               `json:"port"`
	Env            map[string]string `json:"env,omitempty"`
	ConnectionInfo map[string]any    `json:"connection_info,omitempty"`
	UserOptions    map[string]any    `json:"user_options,omitempty"`
}

// Status is the outcome of a remote health check.
type Status struct {
	Running bool
	// ExitCode is reported by the outpost once the server is gone.
	ExitCode int
}

// Remote launches, checks and stops the singleuser server on the remote
// system.
type Remote interface {
	// Start returns the connection info the outpost knows so far. A
	// "service" entry holds the address of the server, if already known.
	Start(ctx context.Context, req Request) (map[string]any, error)
	Poll(ctx context.Context, req Request) (Status, error)
	Stop(ctx context.Context, req Request) error
}

// State is the persisted part of a session.
type State struct {
	ConnectionInfo map[string]any
	Port           int
	Events         map[string][]events.Event
	// Active is true from the start request until the session stopped.
	Active bool
	URL    string
	// UserID and UserOptions are the spawn inputs of the current start.
	UserID      int64
	UserOptions map[string]any
	// PublishedName is the endpoint the publisher reported, empty when
	// nothing is published.
	PublishedName string
}

// Store persists session state between process lifetimes.
type Store interface {
	Load(ctx context.Context, id Identity) (State, bool, error)
	Save(ctx context.Context, id Identity, st State) error
	// ListActive returns every session saved with Active set, ordered by
	// owner and name.
	ListActive(ctx context.Context) ([]Identity, error)
}
