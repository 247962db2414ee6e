// Package transporttest provides fakes for code built on package transport.
package transporttest

import (
	"sync"
	"testing"
	"time"

	"github.com/omochice/trenches-chat/internal/transport"
)

// Event kinds recorded by Recorder.
const (
	KindOpened   = "opened"
	KindReceived = "received"
	KindClosed   = "closed"
	KindErrored  = "errored"
)

// Event is one notification captured by Recorder.
type Event struct {
	Kind    string
	Payload string
	Code    int
	Reason  string
	Err     error
}

// Recorder is a transport.Events that records every notification.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

var _ transport.Events = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan Event, 64)}
}

func (r *Recorder) Opened()                 { r.add(Event{Kind: KindOpened}) }
func (r *Recorder) Received(payload string) { r.add(Event{Kind: KindReceived, Payload: payload}) }
func (r *Recorder) Errored(err error)       { r.add(Event{Kind: KindErrored, Err: err}) }

func (r *Recorder) Closed(code int, reason string) {
	r.add(Event{Kind: KindClosed, Code: code, Reason: reason})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of everything recorded so far.
func (r *Recorder) Kinds() []string {
	events := r.Events()
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Wait blocks until an event of the given kind arrives, failing the test after
// timeout. Events of other kinds are skipped.
func (r *Recorder) Wait(t testing.TB, kind string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event, got %v", kind, r.Kinds())
			return Event{}
		}
	}
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.ch <- ev:
	default:
	}
}

// Fake is a scripted transport. Tests drive its events with Open, Receive,
// Fail and Drop.
type Fake struct {
	events transport.Events

	mu       sync.Mutex
	open     bool
	connects int
	closes   int
	sent     []string
	sendErr  error
}

var _ transport.Transport = (*Fake)(nil)

// NewFake creates a Fake reporting to events.
func NewFake(events transport.Events) *Fake {
	return &Fake{events: events}
}

// Connect implements transport.Transport.
func (f *Fake) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

// Send implements transport.Transport.
func (f *Fake) Send(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.open {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, payload)
	return nil
}

// Close implements transport.Transport.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

// FailSends makes every later Send return err.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Open marks the fake open and emits Opened.
func (f *Fake) Open() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.events.Opened()
}

// Receive emits Received.
func (f *Fake) Receive(payload string) { f.events.Received(payload) }

// Fail emits Errored.
func (f *Fake) Fail(err error) { f.events.Errored(err) }

// Drop marks the fake closed and emits Closed.
func (f *Fake) Drop(code int, reason string) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.events.Closed(code, reason)
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Sent returns the payloads passed to Send.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Dialer hands out Fakes and remembers them.
type Dialer struct {
	mu      sync.Mutex
	created []*Fake
	err     error
}

// Factory returns a transport.Factory backed by d.
func (d *Dialer) Factory() transport.Factory {
	return func(events transport.Events) (transport.Transport, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.err != nil {
			return nil, d.err
		}
		f := NewFake(events)
		d.created = append(d.created, f)
		return f, nil
	}
}

// FailWith makes the factory return err until called again with nil.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Count returns how many fakes were created.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

// Last returns the most recently created fake, or nil.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.created) == 0 {
		return nil
	}
	return d.created[len(d.created)-1]
}

// Get returns the i-th created fake.
func (d *Dialer) Get(i int) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[i]
}
