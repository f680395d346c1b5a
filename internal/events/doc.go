// Package events implements the event bus that fans connection and
// message events out to the rest of the application.
//
// Events are a closed set of payload types (Connected, Disconnected,
// Reconnecting, Errored, Exhausted, MessageReceived, ParseError,
// QueueOverflow) grouped under two topics: "connection" for lifecycle
// events and "message" for inbound payloads. Delivery is synchronous
// and a panicking subscriber never prevents delivery to the rest.
package events
