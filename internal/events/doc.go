// Package events keeps the bounded progress history of a singleuser server.
//
// Events are appended while a server starts, fails, gets cancelled or stops,
// and are read back by progress pages as one snapshot. Each start attempt
// writes to the "latest" group; earlier attempts are archived under their own
// id. Groups are pruned 24 hours after their first event.
//
// # Timestamps
//
// An event carries a structured Timestamp. Outposts that predate the field
// only embed a "2006_01_02 15:04:05.000" stamp inside html_message; [Time]
// falls back to parsing it. A group with neither is never pruned.
package events
