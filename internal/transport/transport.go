// Package transport defines the capability shared by the real relay socket and
// the simulated demo socket, letting one lifecycle manager drive both.
package transport

import "errors"

// ErrNotOpen is returned by Send when the transport is not open.
var ErrNotOpen = errors.New("transport is not open")

// Close codes reported through Events.Closed, as defined by RFC 6455.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Transport is a single connection attempt to the relay.
type Transport interface {
	// Connect starts opening the transport. The outcome is reported
	// asynchronously through Events.
	Connect() error

	// Send transmits one text payload. It returns ErrNotOpen when the
	// transport is not open.
	Send(payload string) error

	// Close shuts the transport down. It never blocks on in-flight reads.
	Close() error
}

// Events receives notifications from a Transport.
//
// A transport never calls Received before Opened or after Closed, and calls
// Closed at most once.
type Events interface {
	Opened()
	Received(payload string)
	Closed(code int, reason string)
	Errored(err error)
}

// Factory constructs a transport that reports to events. An error means the
// transport could not even be instantiated.
type Factory func(events Events) (Transport, error)
