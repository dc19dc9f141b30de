// Package spawner drives the lifecycle of singleuser servers that run on a
// remote system behind an outpost service.
//
// A Session moves through the phases Idle, Starting, Running, Stopping and
// Stopped (see phase.go for the allowed edges). Start asks the Remote to
// launch the server and then resolves how the hub reaches it:
//
//   - SSHDuringStartup: the outpost returned the server address; an ssh local
//     forward and an endpoint are created immediately.
//   - the outpost returned a directly reachable "service" address; it is used
//     as is.
//   - no address yet: the server calls back through ReportConnectionInfo once
//     it runs, which creates forward and endpoint out of band.
//
// Stop is guarded so that only the first call talks to the outpost and tears
// down forward and endpoint. Cancel records a cancelling event, interrupts a
// start whose remote call is still pending and stops the session. Only the
// first failure event of a lifecycle is recorded, so a start failure racing a
// cancel surfaces exactly one outcome.
//
// After a process restart the Manager restores active sessions from the Store.
// Their first Poll stops servers that are gone and, with RecreateAtStart,
// re-creates the ssh forward without republishing the endpoint.
//
// Site policy (ssh coordinates, labels, events) is supplied through Hooks:
// each Hook is a Static value or a Func evaluated per session. Static ssh
// settings are overridden by the matching keys of the connection info
// (ssh_node, ssh_port, ssh_username, ssh_key, ssh_forward_options; the remote
// direction reads them from the "remote" sub-map).
//
// # Log Prefixes
//
//   - [spawner] lifecycle transitions, start failures, teardown problems
//   - [events] event log pruning
package spawner
