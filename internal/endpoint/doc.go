// Package endpoint publishes the stable in-cluster address for a forwarded
// singleuser server.
//
// The default publisher creates a ClusterIP Service named after the session
// (see Name) whose selector matches the hub pod. Because the hub pod holds the
// SSH local forward, traffic sent to the Service reaches the remote server.
// Sites that need something else supply a FuncPublisher.
//
// # Log Prefixes
//
//   - [endpoint] Service create, recreate and delete
package endpoint
