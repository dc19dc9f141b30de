package sshforward

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/logutil"
)

// Default timeouts.
const (
	DefaultCommandTimeout = 3 * time.Second
	// DefaultConnectTimeout bounds the first connect to a host. ssh keeps the
	// master in the foreground until it is established, so the very first
	// connect normally hits this and is confirmed with a check instead.
	DefaultConnectTimeout = 1 * time.Second
)

// RemoteStartExitCode is what the remote listener manager exits with once the
// remote-to-hub forward is up.
const RemoteStartExitCode = 217

// ForwardError describes a failed ssh step.
type ForwardError struct {
	Op     string
	Argv   []string
	Result Result
	Err    error
}

func (e *ForwardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ssh %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh %s failed (%s)", e.Op, e.Result)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Driver runs forward/cancel requests over ssh control connections. It holds
// no per-session state; the control connections are process-wide and shared
// by every session forwarding through the same host.
type Driver struct {
	runner         Runner
	registry       *ControlRegistry
	commandTimeout time.Duration
	connectTimeout time.Duration
}

// Option customises a Driver.
type Option func(*Driver)

// WithCommandTimeout sets the bound on check/forward/cancel commands.
func WithCommandTimeout(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.commandTimeout = d
		}
	}
}

// WithConnectTimeout sets the bound on the initial connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.connectTimeout = d
		}
	}
}

// NewDriver creates a Driver. A nil runner uses ExecRunner.
func NewDriver(runner Runner, opts ...Option) *Driver {
	if runner == nil {
		runner = ExecRunner{}
	}
	d := &Driver{
		runner:         runner,
		registry:       NewControlRegistry(),
		commandTimeout: DefaultCommandTimeout,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry exposes the control connection registry.
func (d *Driver) Registry() *ControlRegistry {
	return d.registry
}

func (d *Driver) run(ctx context.Context, timeout time.Duration, argv []string) (Result, error) {
	return d.runner.Run(ctx, timeout, argv)
}

func (d *Driver) check(ctx context.Context, t Target) (Result, error) {
	argv := append(t.Args("-O", "check"), t.Destination())
	res, err := d.run(ctx, d.commandTimeout, argv)
	alive := err == nil && res.ExitCode == 0
	d.registry.observe(t, alive, err)
	return res, err
}

// ensureControl makes sure a control master for t is running.
func (d *Driver) ensureControl(ctx context.Context, t Target) error {
	if err := t.Validate(); err != nil {
		return &ForwardError{Op: "connect", Err: err}
	}
	res, err := d.check(ctx, t)
	if err == nil && res.ExitCode == 0 {
		return nil
	}

	connect := append(t.Args("-f", "-N", "-n"), t.Destination())
	res, err = d.run(ctx, d.connectTimeout, connect)
	if errors.Is(err, ErrTimeout) {
		log.Printf("[ssh] connect to %s timed out, checking control socket", logutil.SanitizeForLog(t.Host))
		res, err = d.check(ctx, t)
	}
	if err != nil {
		d.registry.observe(t, false, err)
		return &ForwardError{Op: "connect", Argv: connect, Result: res, Err: err}
	}
	if res.ExitCode != 0 {
		d.registry.observe(t, false, fmt.Errorf("exit code %d", res.ExitCode))
		return &ForwardError{Op: "connect", Argv: connect, Result: res}
	}
	d.registry.observe(t, true, nil)
	d.registry.connected(t)
	return nil
}

func (d *Driver) control(ctx context.Context, t Target, op string, b Binding) (Result, []string, error) {
	argv := append(t.Args("-O", op, b.Spec()), t.Destination())
	res, err := d.run(ctx, d.commandTimeout, argv)
	return res, argv, err
}

// EnsureForward binds 0.0.0.0:b.LocalPort to b.RemoteHost:b.RemotePort
// through the control connection to t. A failing forward is usually a stale
// binding from an earlier process; it is cancelled and retried once.
func (d *Driver) EnsureForward(ctx context.Context, t Target, b Binding) error {
	if t.ControlPrefix == "" {
		t.ControlPrefix = ControlPrefixLocal
	}
	if err := d.ensureControl(ctx, t); err != nil {
		return err
	}

	res, argv, err := d.control(ctx, t, "forward", b)
	if err == nil && res.ExitCode == 0 {
		log.Printf("[ssh] forward %s via %s", b, logutil.SanitizeForLog(t.Host))
		return nil
	}

	log.Printf("[ssh] forward %s via %s failed (%s), cancelling stale binding", b, logutil.SanitizeForLog(t.Host), res)
	if _, _, cerr := d.control(ctx, t, "cancel", b); cerr != nil {
		log.Printf("[ssh] cancel %s: %v", b, cerr)
	}

	res, argv, err = d.control(ctx, t, "forward", b)
	if err != nil {
		return &ForwardError{Op: "forward", Argv: argv, Result: res, Err: err}
	}
	if res.ExitCode != 0 {
		return &ForwardError{Op: "forward", Argv: argv, Result: res}
	}
	log.Printf("[ssh] forward %s via %s (after cancel)", b, logutil.SanitizeForLog(t.Host))
	return nil
}

// RemoveForward cancels the binding. Failures are logged only; teardown must
// not block session destruction.
func (d *Driver) RemoveForward(ctx context.Context, t Target, b Binding) {
	if t.ControlPrefix == "" {
		t.ControlPrefix = ControlPrefixLocal
	}
	res, _, err := d.control(ctx, t, "cancel", b)
	if err != nil {
		log.Printf("[ssh] cancel forward %s via %s: %v", b, logutil.SanitizeForLog(t.Host), err)
		return
	}
	if res.ExitCode != 0 {
		log.Printf("[ssh] cancel forward %s via %s: %s", b, logutil.SanitizeForLog(t.Host), res)
		return
	}
	log.Printf("[ssh] cancelled forward %s via %s", b, logutil.SanitizeForLog(t.Host))
}

// EnsureRemoteForward asks the remote node to open its forward back to the hub.
func (d *Driver) EnsureRemoteForward(ctx context.Context, t Target) error {
	if t.ControlPrefix == "" {
		t.ControlPrefix = ControlPrefixRemote
	}
	if err := d.ensureControl(ctx, t); err != nil {
		return err
	}

	argv := append(t.Args(), t.Destination(), "start")
	res, err := d.run(ctx, d.commandTimeout, argv)
	if err != nil {
		return &ForwardError{Op: "remote start", Argv: argv, Result: res, Err: err}
	}
	if res.ExitCode != RemoteStartExitCode {
		return &ForwardError{Op: "remote start", Argv: argv, Result: res}
	}
	log.Printf("[ssh] remote forward started on %s", logutil.SanitizeForLog(t.Host))
	return nil
}

// RemoveRemoteForward asks the remote node to stop its forward. Failures are
// logged only.
func (d *Driver) RemoveRemoteForward(ctx context.Context, t Target) {
	if t.ControlPrefix == "" {
		t.ControlPrefix = ControlPrefixRemote
	}
	argv := append(t.Args(), t.Destination(), "stop")
	res, err := d.run(ctx, d.commandTimeout, argv)
	if err != nil {
		log.Printf("[ssh] remote stop on %s: %v", logutil.SanitizeForLog(t.Host), err)
		return
	}
	if res.ExitCode != 0 {
		log.Printf("[ssh] remote stop on %s: %s", logutil.SanitizeForLog(t.Host), res)
	}
}
