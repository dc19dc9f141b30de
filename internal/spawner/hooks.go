package spawner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gluk-w/claworc/forwarder/internal/events"
)

// Hook is a per-session setting that is either a fixed value or a function
// evaluated each time the setting is read.
type Hook[T any] struct {
	value T
	fn    func(ctx context.Context, s *Session) (T, error)
	set   bool
}

// Static returns a hook that always resolves to v.
func Static[T any](v T) Hook[T] {
	return Hook[T]{value: v, set: true}
}

// Func returns a hook that calls fn on every resolve.
func Func[T any](fn func(ctx context.Context, s *Session) (T, error)) Hook[T] {
	return Hook[T]{fn: fn, set: fn != nil}
}

// IsSet reports whether the hook was configured.
func (h Hook[T]) IsSet() bool {
	return h.set
}

// Resolve returns the hook's value for s.
func (h Hook[T]) Resolve(ctx context.Context, s *Session) (T, error) {
	if h.fn != nil {
		return h.fn(ctx, s)
	}
	return h.value, nil
}

// resolveInfo is Resolve for ssh settings: a function hook always wins, a
// static value is overridden by info[key] when the outpost supplied one.
func (h Hook[T]) resolveInfo(ctx context.Context, s *Session, info map[string]any, key string) (T, error) {
	if h.fn != nil {
		return h.fn(ctx, s)
	}
	if v, ok := fromInfo[T](info, key); ok {
		return v, nil
	}
	return h.value, nil
}

func (h Hook[T]) or(def Hook[T]) Hook[T] {
	if h.set {
		return h
	}
	return def
}

// InfoValue reads key from a connection info map the way static ssh hooks
// do. Function hooks use it to keep the outpost's overrides.
func InfoValue[T any](info map[string]any, key string) (T, bool) {
	return fromInfo[T](info, key)
}

// fromInfo reads key from decoded JSON, converting the shapes JSON produces
// into T where that is unambiguous.
func fromInfo[T any](info map[string]any, key string) (T, bool) {
	var out T
	raw, ok := info[key]
	if !ok || raw == nil {
		return out, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}
	switch p := any(&out).(type) {
	case *int:
		switch n := raw.(type) {
		case float64:
			*p = int(n)
			return out, true
		case int64:
			*p = int(n)
			return out, true
		case string:
			i, err := strconv.Atoi(n)
			if err != nil {
				return out, false
			}
			*p = i
			return out, true
		}
	case *string:
		*p = fmt.Sprint(raw)
		return out, true
	case *map[string]string:
		m, ok := raw.(map[string]any)
		if !ok {
			return out, false
		}
		conv := make(map[string]string, len(m))
		for k, v := range m {
			conv[k] = fmt.Sprint(v)
		}
		*p = conv
		return out, true
	}
	return out, false
}

// Hooks carries the site policy for every session a Manager creates. Unset
// hooks fall back to the defaults in DefaultHooks.
type Hooks struct {
	// Local direction: hub -> remote service.
	SSHNode           Hook[string]
	SSHPort           Hook[int]
	SSHUsername       Hook[string]
	SSHKey            Hook[string]
	SSHForwardOptions Hook[map[string]string]

	// Remote direction: remote system -> hub. Static values are overridden
	// by connectionInfo["remote"].
	SSHRemoteNode           Hook[string]
	SSHRemotePort           Hook[int]
	SSHRemoteUsername       Hook[string]
	SSHRemoteKey            Hook[string]
	SSHForwardRemoteOptions Hook[map[string]string]

	// ExtraLabels are added to the published endpoint.
	ExtraLabels Hook[map[string]string]

	// SSHDuringStartup forwards and publishes as soon as the remote start
	// returns.
	SSHDuringStartup Hook[bool]
	// RecreateAtStart re-runs the forward on the first poll after this
	// process restarted.
	RecreateAtStart Hook[bool]
	// CreateRemoteForward opens the remote -> hub forward before the remote
	// start call.
	CreateRemoteForward Hook[bool]

	CancellingEvent Hook[events.Event]
	StopEvent       Hook[events.Event]

	// FilterEvent rewrites pushed events. Returning a zero Event drops it.
	FilterEvent func(s *Session, e events.Event) (events.Event, error)
	// PostStopHook runs once after the session stopped.
	PostStopHook func(s *Session) error

	// CustomForward and CustomForwardRemove replace the ssh driver.
	CustomForward       func(ctx context.Context, s *Session, info map[string]any) error
	CustomForwardRemove func(ctx context.Context, s *Session, info map[string]any) error
}

// Default ssh settings.
const (
	DefaultSSHPort     = 22
	DefaultSSHUsername = "jupyterhuboutpost"
)

// DefaultCancellingEvent is shown while a start is being cancelled.
func DefaultCancellingEvent() events.Event {
	return events.Event{
		Progress:    99,
		HTMLMessage: "JupyterLab is cancelling the start.",
	}
}

// DefaultStopEvent is shown once a session stopped.
func DefaultStopEvent() events.Event {
	return events.Event{
		Failed:      true,
		Progress:    100,
		HTMLMessage: "JupyterLab was stopped.",
	}
}

// DefaultHooks returns the built-in policy.
func DefaultHooks() Hooks {
	return Hooks{
		SSHPort:           Static(DefaultSSHPort),
		SSHUsername:       Static(DefaultSSHUsername),
		SSHForwardOptions: Static(map[string]string{}),

		SSHRemotePort:           Static(DefaultSSHPort),
		SSHForwardRemoteOptions: Static(map[string]string{}),

		ExtraLabels:         Static(map[string]string{}),
		SSHDuringStartup:    Static(false),
		RecreateAtStart:     Static(false),
		CreateRemoteForward: Static(false),

		CancellingEvent: Func(func(context.Context, *Session) (events.Event, error) {
			return DefaultCancellingEvent(), nil
		}),
		StopEvent: Func(func(context.Context, *Session) (events.Event, error) {
			return DefaultStopEvent(), nil
		}),
	}
}

// withDefaults fills every unset hook from DefaultHooks.
func (h Hooks) withDefaults() Hooks {
	d := DefaultHooks()
	h.SSHNode = h.SSHNode.or(d.SSHNode)
	h.SSHPort = h.SSHPort.or(d.SSHPort)
	h.SSHUsername = h.SSHUsername.or(d.SSHUsername)
	h.SSHKey = h.SSHKey.or(d.SSHKey)
	h.SSHForwardOptions = h.SSHForwardOptions.or(d.SSHForwardOptions)
	h.SSHRemoteNode = h.SSHRemoteNode.or(d.SSHRemoteNode)
	h.SSHRemotePort = h.SSHRemotePort.or(d.SSHRemotePort)
	h.SSHRemoteUsername = h.SSHRemoteUsername.or(d.SSHRemoteUsername)
	h.SSHRemoteKey = h.SSHRemoteKey.or(d.SSHRemoteKey)
	h.SSHForwardRemoteOptions = h.SSHForwardRemoteOptions.or(d.SSHForwardRemoteOptions)
	h.ExtraLabels = h.ExtraLabels.or(d.ExtraLabels)
	h.SSHDuringStartup = h.SSHDuringStartup.or(d.SSHDuringStartup)
	h.RecreateAtStart = h.RecreateAtStart.or(d.RecreateAtStart)
	h.CreateRemoteForward = h.CreateRemoteForward.or(d.CreateRemoteForward)
	h.CancellingEvent = h.CancellingEvent.or(d.CancellingEvent)
	h.StopEvent = h.StopEvent.or(d.StopEvent)
	return h
}
