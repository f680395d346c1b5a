// Package queue implements the FIFO buffer for outbound payloads
// while no usable connection exists.
//
// The queue is a ring buffer. With a positive capacity it drops the
// oldest entry on overflow; with capacity zero it grows unbounded.
// Entries are never reordered.
package queue
