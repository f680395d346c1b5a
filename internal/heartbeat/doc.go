// Package heartbeat implements the liveness probe for an open
// connection.
//
// While running, the monitor sends a JSON ping envelope
// {"type":"ping","timestamp":<epoch-ms>} every interval and arms a
// grace deadline for the matching pong. A missed pong reports the
// connection as stale, which the manager treats like any transport
// error. The monitor exists only while the connection is Open.
package heartbeat
