// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns at most one live WebSocket transport at any time
//   - Drives the Idle/Connecting/Open/Closing/Closed/Reconnecting
//     state machine along validated edges
//   - Detects silent failures with JSON ping/pong heartbeats
//   - Queues outbound payloads while disconnected and flushes them
//     FIFO on reaching Open
//   - Reconnects with capped exponential backoff up to an attempt
//     budget, announcing every change on the event bus
package connection
