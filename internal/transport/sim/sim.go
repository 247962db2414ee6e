// Package sim provides the demo transport used when the relay is unreachable.
// It opens immediately, echoes every sent message back after a short delay and
// occasionally makes up a message from a demo participant. It never fails.
package sim

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/omochice/trenches-chat/internal/clock"
	"github.com/omochice/trenches-chat/internal/transport"
	"github.com/omochice/trenches-chat/pkg/protocol"
)

// Participants are the senders of made-up messages.
var Participants = []string{"System", "DemoUser", "Bot", "ChatGPT"}

// Lines are the contents of made-up messages.
var Lines = []string{
	"Welcome to the chat!",
	"How's everyone doing today?",
	"This is a demo mode since the server is not available.",
	"Try running your WebSocket server at localhost:8000 to use real chat.",
	"Hello there!",
	"Nice weather today, isn't it?",
	"Anyone working on something interesting?",
}

// Config tunes the simulation.
type Config struct {
	// EchoDelay is how long a sent message takes to come back.
	EchoDelay time.Duration
	// GhostProbability is the chance that a send triggers a made-up message.
	GhostProbability float64
	// GhostMinDelay and GhostMaxDelay bound the made-up message delay,
	// [min, max).
	GhostMinDelay time.Duration
	GhostMaxDelay time.Duration
}

// DefaultConfig returns the demo timings.
func DefaultConfig() Config {
	return Config{
		EchoDelay:        500 * time.Millisecond,
		GhostProbability: 0.3,
		GhostMinDelay:    2 * time.Second,
		GhostMaxDelay:    5 * time.Second,
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the clock used to schedule echoes and made-up messages.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithRand sets the random source.
func WithRand(r *rand.Rand) Option {
	return func(t *Transport) { t.rng = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport is the simulated transport.
type Transport struct {
	cfg    Config
	events transport.Events
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	opened bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a simulated transport reporting to events.
func New(events transport.Events, cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		events: events,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t
}

// NewFactory returns a transport.Factory producing simulated transports.
func NewFactory(cfg Config, opts ...Option) transport.Factory {
	return func(events transport.Events) (transport.Transport, error) {
		return New(events, cfg, opts...), nil
	}
}

// Connect implements transport.Transport. It opens synchronously.
func (t *Transport) Connect() error {
	t.mu.Lock()
	t.opened = true
	t.mu.Unlock()

	t.events.Opened()
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(payload string) error {
	t.mu.Lock()
	opened := t.opened
	t.mu.Unlock()
	if !opened {
		return transport.ErrNotOpen
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		t.logger.Warn("demo transport dropped outgoing payload", "error", err)
		return err
	}

	echo, err := msg.Encode()
	if err != nil {
		return err
	}
	t.clock.AfterFunc(t.cfg.EchoDelay, func() {
		t.events.Received(echo)
	})

	if delay, ok := t.rollGhost(); ok {
		t.clock.AfterFunc(delay, t.ghost)
	}
	return nil
}

// Close implements transport.Transport. The simulation never closes.
func (t *Transport) Close() error {
	return nil
}

func (t *Transport) rollGhost() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rng.Float64() >= t.cfg.GhostProbability {
		return 0, false
	}
	spread := t.cfg.GhostMaxDelay - t.cfg.GhostMinDelay
	delay := t.cfg.GhostMinDelay
	if spread > 0 {
		delay += time.Duration(t.rng.Float64() * float64(spread))
	}
	return delay, true
}

func (t *Transport) ghost() {
	t.mu.Lock()
	sender := Participants[t.rng.IntN(len(Participants))]
	line := Lines[t.rng.IntN(len(Lines))]
	t.mu.Unlock()

	payload, err := protocol.New(sender, line, t.clock.Now()).Encode()
	if err != nil {
		t.logger.Error("demo transport failed to encode message", "error", err)
		return
	}
	t.events.Received(payload)
}
