package spawner

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned for identities the manager has never seen.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionActive is returned by Spawn when the session is already running or
// still stopping.
var ErrSessionActive = errors.New("session is already active")

// TunnelError is an ssh control or forward failure.
type TunnelError struct {
	Session string
	Err     error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("cannot start ssh tunnel for %s: %v", e.Session, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// EndpointError is a failure to publish or remove the session endpoint.
type EndpointError struct {
	Session string
	Op      string
	Err     error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("cannot %s endpoint for %s: %v", e.Op, e.Session, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// RemoteCallError is a failed start, poll or stop call to the outpost.
// StatusCode is 0 when no response was received.
type RemoteCallError struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *RemoteCallError) Error() string {
	msg := fmt.Sprintf("remote %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// AlreadyStoppingError rejects starts and callbacks on a session that is
// being torn down.
type AlreadyStoppingError struct {
	Session string
}

func (e *AlreadyStoppingError) Error() string {
	return fmt.Sprintf("server %s is in the process of stopping, please wait", e.Session)
}

// MalformedCallbackError rejects an external payload without touching state.
type MalformedCallbackError struct {
	Reason string
	Err    error
}

func (e *MalformedCallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed callback: %s: %v", e.Reason, e.Err)
	}
	return "malformed callback: " + e.Reason
}

func (e *MalformedCallbackError) Unwrap() error { return e.Err }

// remoteError normalises err from a Remote into a *RemoteCallError.
func remoteError(op string, err error) *RemoteCallError {
	var rce *RemoteCallError
	if errors.As(err, &rce) {
		if rce.Op == "" {
			rce.Op = op
		}
		return rce
	}
	return &RemoteCallError{Op: op, Err: err}
}
