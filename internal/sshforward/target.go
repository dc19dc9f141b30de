package sshforward

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Control socket prefixes for local (ssh -L) and remote (remote system to
// hub) forwards.
const (
	ControlPrefixLocal  = "control"
	ControlPrefixRemote = "control_remote"
)

// DefaultServerAliveInterval is the keepalive sent on every control connection.
const DefaultServerAliveInterval = "15"

// Target describes how to reach one ssh node.
type Target struct {
	User         string
	Host         string
	Port         int
	IdentityFile string
	// Options override the defaults, key by key.
	Options map[string]string
	// ControlPrefix names the control socket, /tmp/<prefix>_<host>.
	ControlPrefix string
}

// Destination returns user@host.
func (t Target) Destination() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// ControlPath is the control socket shared by every forward to this host.
func (t Target) ControlPath() string {
	prefix := t.ControlPrefix
	if prefix == "" {
		prefix = ControlPrefixLocal
	}
	if p, ok := t.Options["ControlPath"]; ok && p != "" {
		return p
	}
	return fmt.Sprintf("/tmp/%s_%s", prefix, t.Host)
}

// Validate checks the fields ssh cannot run without.
func (t Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("ssh host is not set")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("invalid ssh port %d", t.Port)
	}
	return nil
}

// EffectiveOptions merges Options over the defaults.
func (t Target) EffectiveOptions() map[string]string {
	opts := map[string]string{
		"ServerAliveInterval":   DefaultServerAliveInterval,
		"StrictHostKeyChecking": "accept-new",
		"ControlMaster":         "auto",
		"ControlPersist":        "yes",
		"Port":                  strconv.Itoa(t.Port),
		"ControlPath":           t.ControlPath(),
	}
	if t.IdentityFile != "" {
		opts["IdentityFile"] = t.IdentityFile
	}
	for k, v := range t.Options {
		opts[k] = v
	}
	return opts
}

// Args builds "ssh <extra...> -oKey=Value ..." with options in sorted order.
func (t Target) Args(extra ...string) []string {
	opts := t.EffectiveOptions()
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	argv := []string{"ssh"}
	argv = append(argv, extra...)
	for _, k := range keys {
		argv = append(argv, fmt.Sprintf("-o%s=%s", k, opts[k]))
	}
	return argv
}

// Binding is one local-to-remote port forward.
type Binding struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Spec renders the -L argument.
func (b Binding) Spec() string {
	return fmt.Sprintf("-L0.0.0.0:%d:%s:%d", b.LocalPort, b.RemoteHost, b.RemotePort)
}

func (b Binding) String() string {
	return fmt.Sprintf("0.0.0.0:%d -> %s:%d", b.LocalPort, b.RemoteHost, b.RemotePort)
}

// ParseServiceAddress splits "http://host:port" (scheme optional) into host
// and port.
func ParseServiceAddress(addr string) (string, int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(addr, "https://"), "http://")
	trimmed = strings.TrimSuffix(trimmed, "/")
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("parse service address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse service port %q: %w", portStr, err)
	}
	return host, port, nil
}
