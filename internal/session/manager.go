// Package session implements the connection lifecycle manager: one live
// transport to the relay at a time, reconnects after failures, and a permanent
// switch to the simulated transport once the relay is given up on.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/omochice/trenches-chat/internal/clock"
	"github.com/omochice/trenches-chat/internal/transport"
	"github.com/omochice/trenches-chat/pkg/protocol"
)

// DefaultRelayURL is the public relay.
const DefaultRelayURL = "ws://trenches-chat-09c74c336a53.herokuapp.com/"

// SystemSender is the sender of messages generated by the client itself.
const SystemSender = "System"

const (
	textRetrying        = "Failed to connect to the chat server at %s. Retrying..."
	textConnectFailed   = "Failed to connect to the chat server at %s."
	textDemo            = "Connected to demo mode (server unavailable)"
	textConnectionIssue = "Connection issue. Try reconnecting."
	textSendFailed      = "Failed to send message. Connection may be unstable."
	textWelcome         = "Connected to DEMO MODE. The relay at %s could not be reached. Messages are simulated."
)

// Config holds the lifecycle timings.
type Config struct {
	// RelayURL is only used for status texts; the dial factory owns the
	// actual address.
	RelayURL string
	// RetryDelay is the pause before reconnecting.
	RetryDelay time.Duration
	// FallbackDelay is the pause before switching to demo mode after the
	// transport could not be created and retries are exhausted.
	FallbackDelay time.Duration
	// RetryThreshold is the number of counted failures after which the next
	// failure switches to demo mode.
	RetryThreshold int
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		RelayURL:       DefaultRelayURL,
		RetryDelay:     5 * time.Second,
		FallbackDelay:  3 * time.Second,
		RetryThreshold: 2,
	}
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State    State
	Error    string
	Retries  int
	Username string
	LastErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for reconnect and fallback timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// OnAppend registers the transcript callback. It runs on the manager's event
// loop and must not block.
func OnAppend(fn func(protocol.Message)) Option {
	return func(m *Manager) { m.onAppend = fn }
}

// OnStatus registers the status callback, called whenever the state or the
// status text changes. It runs on the manager's event loop and must not block.
func OnStatus(fn func(Snapshot)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

// link is the manager's record of one transport instance. Events are matched
// to it by id, so a transport that has been replaced can never act again.
type link struct {
	id      uint64
	t       transport.Transport
	demo    bool
	opened  bool
	retired bool
}

// Manager owns the session: its transport, state, retry counter and
// transcript. All mutation happens on an internal serial loop; the exported
// methods only enqueue work and never block on the network.
type Manager struct {
	cfg      Config
	dial     transport.Factory
	demo     transport.Factory
	clock    clock.Clock
	logger   *slog.Logger
	onAppend func(protocol.Message)
	onStatus func(Snapshot)
	relay    string

	loop loop

	// Owned by the loop.
	username     string
	state        State
	errText      string
	lastErr      error
	retries      int
	active       *link
	nextLink     uint64
	retryPending bool
	retryGen     uint64
	retryTimer   clock.Timer
	fallbackGen  uint64
	fallbackTmr  clock.Timer
	seen         map[string]struct{}

	mu         sync.Mutex
	published  Snapshot
	transcript []protocol.Message
}

// New creates an idle Manager. dial creates relay transports, demo creates
// the simulated transport.
func New(cfg Config, dial, demo transport.Factory, opts ...Option) *Manager {
	m := &Manager{
		cfg:  cfg,
		dial: dial,
		demo: demo,
		seen: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.relay = displayAddr(cfg.RelayURL)
	return m
}

// Start begins connecting as username. It is a no-op while connecting, open
// or in demo mode.
func (m *Manager) Start(username string) {
	m.loop.post(func() { m.start(username) })
}

// SendMessage appends a message from the session user to the transcript and
// hands it to the transport if there is one that can take it.
func (m *Manager) SendMessage(content string) {
	m.loop.post(func() { m.send(content) })
}

// Stop tears the session down. Pending reconnects become no-ops.
func (m *Manager) Stop() {
	m.loop.post(m.stop)
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Transcript returns a copy of the messages appended so far.
func (m *Manager) Transcript() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.transcript...)
}

func (m *Manager) start(username string) {
	switch m.state {
	case Connecting, Open, Demo:
		m.logger.Debug("start ignored", "state", m.state)
		return
	}

	m.username = username
	m.retries = 0
	m.errText = ""
	m.lastErr = nil
	m.logger.Info("starting session", "username", username, "relay", m.cfg.RelayURL)
	m.connect()
}

func (m *Manager) connect() {
	m.nextLink++
	l := &link{id: m.nextLink}
	m.state = Connecting

	t, err := m.dial(linkEvents{m: m, id: l.id})
	if err == nil {
		l.t = t
		m.active = l
		err = t.Connect()
	}
	if err != nil {
		if m.active == l {
			m.retire(l)
		}
		m.constructionFailed(err)
		return
	}

	m.logger.Debug("connecting", "link", l.id, "retries", m.retries)
	m.publish()
}

func (m *Manager) constructionFailed(err error) {
	cerr := &ConnectError{Attempt: m.retries + 1, Construction: true, Err: err}
	m.lastErr = cerr
	m.errText = fmt.Sprintf(textConnectFailed, m.relay)
	m.logger.Error("connection attempt failed", "error", cerr)

	if m.retries >= m.cfg.RetryThreshold {
		m.scheduleFallback()
	} else {
		m.retries++
		m.scheduleRetry()
	}
	m.publish()
}

func (m *Manager) opened(id uint64) {
	l := m.lookup(id, "opened")
	if l == nil {
		return
	}
	l.opened = true
	if l.demo {
		m.logger.Info("demo transport open")
		return
	}

	m.cancelRetry()
	m.cancelFallback()
	m.state = Open
	m.retries = 0
	m.errText = ""
	m.lastErr = nil
	m.logger.Info("connected to relay", "relay", m.cfg.RelayURL)
	m.publish()
}

func (m *Manager) received(id uint64, payload string) {
	l := m.lookup(id, "received")
	if l == nil {
		return
	}
	if !l.opened {
		m.logger.Warn("dropping payload received before open", "link", id)
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		m.logger.Warn("dropping malformed message", "error", err)
		return
	}
	m.appendMessage(msg)
}

func (m *Manager) errored(id uint64, err error) {
	l := m.lookup(id, "errored")
	if l == nil {
		return
	}
	if l.demo {
		m.logger.Warn("demo transport reported an error", "error", err)
		return
	}

	m.lastErr = &ConnectError{Attempt: m.retries + 1, Err: err}
	m.logger.Warn("transport error", "error", err, "retries", m.retries)

	if m.retries >= m.cfg.RetryThreshold {
		m.enterDemo()
		return
	}
	m.retries++
	m.state = Connecting
	m.errText = fmt.Sprintf(textRetrying, m.relay)
	m.scheduleRetry()
	m.publish()
}

func (m *Manager) closed(id uint64, code int, reason string) {
	l := m.lookup(id, "closed")
	if l == nil {
		return
	}
	l.retired = true
	if m.active == l {
		m.active = nil
	}
	m.logger.Info("transport closed", "code", code, "reason", reason)
	if l.demo {
		return
	}

	m.state = Connecting
	m.scheduleRetry()
	m.publish()
}

func (m *Manager) scheduleRetry() {
	if m.retryPending {
		return
	}
	m.retryPending = true
	m.retryGen++
	gen := m.retryGen
	m.retryTimer = m.clock.AfterFunc(m.cfg.RetryDelay, func() {
		m.loop.post(func() { m.retryFired(gen) })
	})
	m.logger.Info("reconnect scheduled", "delay", m.cfg.RetryDelay, "retries", m.retries)
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryPending = false
	m.retryGen++
}

func (m *Manager) retryFired(gen uint64) {
	if gen != m.retryGen || !m.retryPending {
		return
	}
	m.retryPending = false
	m.retryTimer = nil
	if m.state != Connecting {
		return
	}
	if m.active != nil {
		m.retire(m.active)
	}
	m.connect()
}

func (m *Manager) scheduleFallback() {
	m.fallbackGen++
	gen := m.fallbackGen
	m.fallbackTmr = m.clock.AfterFunc(m.cfg.FallbackDelay, func() {
		m.loop.post(func() { m.fallbackFired(gen) })
	})
	m.logger.Info("demo fallback scheduled", "delay", m.cfg.FallbackDelay)
}

func (m *Manager) cancelFallback() {
	if m.fallbackTmr != nil {
		m.fallbackTmr.Stop()
		m.fallbackTmr = nil
	}
	m.fallbackGen++
}

func (m *Manager) fallbackFired(gen uint64) {
	if gen != m.fallbackGen {
		return
	}
	m.fallbackTmr = nil
	if m.state != Connecting {
		return
	}
	m.enterDemo()
}

func (m *Manager) enterDemo() {
	m.cancelRetry()
	m.cancelFallback()
	if m.active != nil {
		m.retire(m.active)
	}

	m.state = Demo
	m.errText = textDemo
	m.logger.Warn("relay unreachable, switching to demo mode", "relay", m.cfg.RelayURL, "retries", m.retries)

	m.nextLink++
	l := &link{id: m.nextLink, demo: true}
	t, err := m.demo(linkEvents{m: m, id: l.id})
	if err != nil {
		m.logger.Error("failed to create demo transport", "error", err)
		m.publish()
		return
	}
	l.t = t
	m.active = l
	if err := t.Connect(); err != nil {
		m.logger.Error("failed to connect demo transport", "error", err)
	}
	m.publish()

	welcome := protocol.New(SystemSender, fmt.Sprintf(textWelcome, m.relay), m.clock.Now())
	welcome.ID = "welcome-" + welcome.ID
	m.appendMessage(welcome)
}

func (m *Manager) stop() {
	if m.state == Idle || m.state == Closed {
		return
	}
	m.cancelRetry()
	m.cancelFallback()
	if m.active != nil {
		m.retire(m.active)
	}
	m.state = Closed
	m.errText = ""
	m.logger.Info("session stopped")
	m.publish()
}

func (m *Manager) send(content string) {
	msg := protocol.New(m.username, content, m.clock.Now())
	m.appendMessage(msg)

	payload, err := msg.Encode()
	if err != nil {
		m.logger.Error("failed to encode outgoing message", "error", err)
		return
	}

	l := m.active
	switch {
	case l != nil && !l.retired && l.demo:
		if err := l.t.Send(payload); err != nil {
			m.logger.Warn("demo transport rejected message", "error", err)
		}
	case l != nil && !l.retired && l.opened && m.state == Open:
		if err := l.t.Send(payload); err != nil {
			m.sendFailed(err)
		}
	default:
		m.logger.Warn("message kept locally, no open transport", "state", m.state)
		m.errText = textConnectionIssue
		m.publish()
	}
}

func (m *Manager) sendFailed(err error) {
	m.logger.Warn("send failed", "error", err)
	if errors.Is(err, transport.ErrNotOpen) {
		m.errText = textConnectionIssue
	} else {
		m.errText = textSendFailed
	}
	m.publish()
}

// lookup returns the active link with the given id, or nil when the event
// comes from a transport that has been replaced or retired.
func (m *Manager) lookup(id uint64, event string) *link {
	l := m.active
	if l == nil || l.id != id || l.retired {
		m.logger.Debug("ignoring event from stale transport", "event", event, "link", id)
		return nil
	}
	return l
}

// retire marks l as permanently done and closes its transport.
func (m *Manager) retire(l *link) {
	l.retired = true
	if m.active == l {
		m.active = nil
	}
	if l.t == nil {
		return
	}
	if err := l.t.Close(); err != nil {
		m.logger.Warn("failed to close transport", "link", l.id, "error", err)
	}
}

func (m *Manager) appendMessage(msg protocol.Message) {
	if _, dup := m.seen[msg.ID]; dup {
		m.logger.Debug("skipping message already in transcript", "id", msg.ID)
		return
	}
	m.seen[msg.ID] = struct{}{}

	m.mu.Lock()
	m.transcript = append(m.transcript, msg)
	m.mu.Unlock()

	if m.onAppend != nil {
		m.onAppend(msg)
	}
}

// publish refreshes the snapshot and notifies OnStatus if the state or the
// status text changed.
func (m *Manager) publish() {
	snap := Snapshot{
		State:    m.state,
		Error:    m.errText,
		Retries:  m.retries,
		Username: m.username,
		LastErr:  m.lastErr,
	}

	m.mu.Lock()
	changed := snap.State != m.published.State || snap.Error != m.published.Error
	m.published = snap
	m.mu.Unlock()

	if changed && m.onStatus != nil {
		m.onStatus(snap)
	}
}

// linkEvents forwards transport notifications onto the loop, tagged with the
// link they belong to.
type linkEvents struct {
	m  *Manager
	id uint64
}

var _ transport.Events = linkEvents{}

func (e linkEvents) Opened() {
	e.m.loop.post(func() { e.m.opened(e.id) })
}

func (e linkEvents) Received(payload string) {
	e.m.loop.post(func() { e.m.received(e.id, payload) })
}

func (e linkEvents) Closed(code int, reason string) {
	e.m.loop.post(func() { e.m.closed(e.id, code, reason) })
}

func (e linkEvents) Errored(err error) {
	e.m.loop.post(func() { e.m.errored(e.id, err) })
}

// displayAddr strips the scheme from a relay URL for status texts.
func displayAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(raw, u.Scheme+"://")
}
