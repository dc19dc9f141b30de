package sshforward

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeSSH simulates OpenSSH control-master behaviour for tests: one master per
// control path, forwards tracked per master, and the remote start/stop
// protocol.
type FakeSSH struct {
	mu sync.Mutex

	masters  map[string]bool
	forwards map[string]map[string]bool // control path -> -L spec
	remote   map[string]bool            // host -> remote forward running

	// ConnectTimesOut makes the first connect time out while still bringing
	// the master up, as ssh -f does on a first-ever connection.
	ConnectTimesOut bool
	// ConnectFails makes connects exit 255 without a master.
	ConnectFails bool
	// ForwardFails makes every forward request exit 255.
	ForwardFails bool
	// RemoteStartCode overrides the exit code of "start".
	RemoteStartCode int
	// Delay is applied to every command before it completes.
	Delay time.Duration

	Calls []string
}

// NewFakeSSH creates a FakeSSH with no masters.
func NewFakeSSH() *FakeSSH {
	return &FakeSSH{
		masters:         make(map[string]bool),
		forwards:        make(map[string]map[string]bool),
		remote:          make(map[string]bool),
		RemoteStartCode: RemoteStartExitCode,
	}
}

// Run implements Runner.
func (f *FakeSSH) Run(ctx context.Context, timeout time.Duration, argv []string) (Result, error) {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{ExitCode: -1}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := optionValue(argv, "ControlPath")
	op := opValue(argv)
	dest := destination(argv)
	host := dest
	if i := strings.Index(dest, "@"); i >= 0 {
		host = dest[i+1:]
	}

	switch {
	case op == "check":
		f.Calls = append(f.Calls, "check "+path)
		if f.masters[path] {
			return Result{ExitCode: 0, Stderr: []byte("Master running")}, nil
		}
		return Result{ExitCode: 255, Stderr: []byte("Control socket connect: No such file or directory")}, nil

	case op == "forward" || op == "cancel":
		spec := specValue(argv)
		f.Calls = append(f.Calls, op+" "+spec)
		if !f.masters[path] {
			return Result{ExitCode: 255, Stderr: []byte("Control socket connect: No such file or directory")}, nil
		}
		if f.forwards[path] == nil {
			f.forwards[path] = make(map[string]bool)
		}
		if op == "cancel" {
			delete(f.forwards[path], spec)
			return Result{ExitCode: 0}, nil
		}
		if f.ForwardFails || f.forwards[path][spec] {
			return Result{ExitCode: 255, Stderr: []byte("mux_client_forward: forwarding request failed: Port forwarding failed")}, nil
		}
		f.forwards[path][spec] = true
		return Result{ExitCode: 0, Stdout: []byte("0")}, nil

	case strings.HasSuffix(strings.Join(argv, " "), " start"):
		f.Calls = append(f.Calls, "start "+host)
		if !f.masters[path] {
			return Result{ExitCode: 255}, nil
		}
		f.remote[host] = true
		return Result{ExitCode: f.RemoteStartCode}, nil

	case strings.HasSuffix(strings.Join(argv, " "), " stop"):
		f.Calls = append(f.Calls, "stop "+host)
		delete(f.remote, host)
		return Result{ExitCode: 0}, nil

	default:
		f.Calls = append(f.Calls, "connect "+path)
		if f.ConnectFails {
			return Result{ExitCode: 255, Stderr: []byte("ssh: connect to host " + host + " port 22: Connection refused")}, nil
		}
		f.masters[path] = true
		if f.ConnectTimesOut {
			return Result{ExitCode: -1}, ErrTimeout
		}
		return Result{ExitCode: 0}, nil
	}
}

// Forwards returns the active -L specs for a control path.
func (f *FakeSSH) Forwards(controlPath string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var specs []string
	for spec := range f.forwards[controlPath] {
		specs = append(specs, spec)
	}
	return specs
}

// RemoteRunning reports whether a remote forward is running on host.
func (f *FakeSSH) RemoteRunning(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote[host]
}

// Count returns how many recorded calls start with prefix.
func (f *FakeSSH) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// KillMasters drops every control master, as a host reboot would.
func (f *FakeSSH) KillMasters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masters = make(map[string]bool)
	f.forwards = make(map[string]map[string]bool)
}

func optionValue(argv []string, key string) string {
	prefix := "-o" + key + "="
	for _, a := range argv {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func opValue(argv []string) string {
	for i, a := range argv {
		if a == "-O" && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func specValue(argv []string) string {
	for _, a := range argv {
		if strings.HasPrefix(a, "-L") {
			return a
		}
	}
	return ""
}

func destination(argv []string) string {
	for i := len(argv) - 1; i >= 1; i-- {
		a := argv[i]
		if a == "start" || a == "stop" {
			continue
		}
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}
