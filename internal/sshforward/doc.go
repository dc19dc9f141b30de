// Package sshforward drives OpenSSH port forwards for remotely started
// singleuser servers.
//
// The hub reaches a server that is not directly routable by forwarding a local
// port through an ssh node next to it. Instead of one ssh process per forward,
// every forward to the same node goes through a multiplexed control
// connection (ControlMaster=auto, ControlPersist=yes) whose socket lives at
// /tmp/control_<host>. Forwards are added and removed with
// "ssh -O forward" / "ssh -O cancel" against that socket.
//
// # Forward sequence
//
//  1. "ssh -O check" tells whether the control master is alive.
//  2. If not, "ssh -f -N -n user@host" starts one. On a first-ever
//     connection this routinely outlives the short connect timeout, so a
//     timeout is answered with another check rather than a second connect.
//  3. "ssh -O forward -L0.0.0.0:port:addr:port" adds the binding. If that
//     fails (a stale binding left by a crashed hub), the binding is cancelled
//     and forwarded once more.
//
// Remote forwards (remote system back to the hub) use a separate control
// socket, /tmp/control_remote_<host>, and a start/stop command protocol
// handled by a listener manager on the remote node.
//
// # Control registry
//
// [ControlRegistry] records what the last check saw for each control socket.
// It is a process-wide view shared by all sessions; serialisation of
// concurrent requests against one socket is left to ssh itself.
//
// # Log Prefixes
//
// All operations log with the [ssh] prefix.
package sshforward
