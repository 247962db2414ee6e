package tui_test

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"
	"github.com/mattn/go-runewidth"
	"github.com/omochice/trenches-chat/internal/session"
	"github.com/omochice/trenches-chat/internal/transport/sim"
	"github.com/omochice/trenches-chat/internal/transport/transporttest"
	"github.com/omochice/trenches-chat/internal/tui"
	"github.com/omochice/trenches-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records calls. With a bridge it behaves like a relay that is
// always up: Start reports Open and SendMessage appends immediately.
type fakeSession struct {
	bridge *tui.Bridge

	mu     sync.Mutex
	starts []string
	sent   []string
	stops  int
	name   string
}

func (f *fakeSession) Start(username string) {
	f.mu.Lock()
	f.starts = append(f.starts, username)
	f.name = username
	f.mu.Unlock()

	if f.bridge != nil {
		f.bridge.OnStatus(session.Snapshot{State: session.Open, Username: username})
		f.bridge.OnAppend(protocol.Message{ID: "joined", Sender: session.SystemSender, Content: username + " joined"})
	}
}

func (f *fakeSession) SendMessage(content string) {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	id := strconv.Itoa(len(f.sent))
	name := f.name
	f.mu.Unlock()

	if f.bridge != nil {
		f.bridge.OnAppend(protocol.Message{ID: id, Sender: name, Content: content})
	}
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeSession) calls() (starts, sent []string, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...), append([]string(nil), f.sent...), f.stops
}

func updateModel(t *testing.T, m tui.Model, msg tea.Msg) tui.Model {
	t.Helper()
	updated, _ := m.Update(msg)
	model, ok := updated.(tui.Model)
	require.True(t, ok)
	return model
}

func newModel(t *testing.T, opts ...tui.Option) (tui.Model, *fakeSession) {
	t.Helper()
	fs := &fakeSession{}
	m := tui.New(fs, tui.NewBridge(16), opts...)
	m = updateModel(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	return m, fs
}

func joinedModel(t *testing.T) (tui.Model, *fakeSession) {
	t.Helper()
	m, fs := newModel(t)
	m.Username.SetValue("alice")
	m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.True(t, m.Joined())
	return m, fs
}

func enter(t *testing.T, m tui.Model, text string) tui.Model {
	t.Helper()
	m.Input.SetValue(text)
	return updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "alice", "alice", false},
		{"trimmed", "  bob \t", "bob", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"fifteen", strings.Repeat("a", 15), strings.Repeat("a", 15), false},
		{"sixteen", strings.Repeat("a", 16), "", true},
		{"graphemes", strings.Repeat("👍🏽", 15), strings.Repeat("👍🏽", 15), false},
		{"too many graphemes", strings.Repeat("é", 16), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tui.ValidateUsername(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncateSender(t *testing.T) {
	tests := []struct {
		name   string
		sender string
	}{
		{"short", "bob"},
		{"exact", strings.Repeat("x", 15)},
		{"long", "averyveryverylongusername"},
		{"wide", "日本語日本語日本語日本語"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tui.TruncateSender(tt.sender)

			assert.LessOrEqual(t, runewidth.StringWidth(got), 15)
			if runewidth.StringWidth(tt.sender) <= 15 {
				assert.Equal(t, tt.sender, got)
			} else {
				assert.True(t, strings.HasSuffix(got, "…"))
			}
		})
	}
}

func TestModel_UsernameForm(t *testing.T) {
	t.Run("shows the form first", func(t *testing.T) {
		m, _ := newModel(t)

		assert.False(t, m.Joined())
		assert.Contains(t, m.View(), "Pick a username")
	})

	t.Run("empty username is rejected", func(t *testing.T) {
		m, fs := newModel(t)

		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})

		assert.False(t, m.Joined())
		assert.Contains(t, m.View(), "username cannot be empty")
		starts, _, _ := fs.calls()
		assert.Empty(t, starts)
	})

	t.Run("long username is rejected", func(t *testing.T) {
		m, fs := newModel(t)
		m.Username.SetValue(strings.Repeat("z", 16))

		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})

		assert.False(t, m.Joined())
		assert.Contains(t, m.View(), "15 characters or fewer")
		starts, _, _ := fs.calls()
		assert.Empty(t, starts)
	})

	t.Run("valid username starts the session", func(t *testing.T) {
		m, fs := newModel(t)
		m.Username.SetValue("  alice ")

		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})

		assert.True(t, m.Joined())
		assert.Equal(t, "alice", m.Name())
		starts, _, _ := fs.calls()
		assert.Equal(t, []string{"alice"}, starts)
		assert.Contains(t, m.View(), "No messages yet. Be the first to say hello!")
	})

	t.Run("typing goes to the form", func(t *testing.T) {
		m, _ := newModel(t)

		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("bob")})

		assert.Equal(t, "bob", m.Username.Value())
		assert.Empty(t, m.Input.Value())
	})
}

func TestModel_WithUsername(t *testing.T) {
	t.Run("valid name skips the form", func(t *testing.T) {
		m, _ := newModel(t, tui.WithUsername(" carol "))

		assert.True(t, m.Joined())
		assert.Equal(t, "carol", m.Name())
		assert.NotNil(t, m.Init())
	})

	t.Run("invalid name shows the form", func(t *testing.T) {
		m, _ := newModel(t, tui.WithUsername(strings.Repeat("q", 20)))

		assert.False(t, m.Joined())
	})
}

func TestModel_WindowSize(t *testing.T) {
	m, _ := joinedModel(t)
	assert.Equal(t, 80, m.Viewport.Width)
	assert.Equal(t, 20, m.Viewport.Height)

	m = updateModel(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	assert.Equal(t, 120, m.Viewport.Width)
	assert.Equal(t, 36, m.Viewport.Height)
}

func TestModel_Header(t *testing.T) {
	tests := []struct {
		state     session.State
		connected bool
	}{
		{session.Idle, false},
		{session.Connecting, false},
		{session.Open, true},
		{session.Demo, true},
		{session.Closed, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			m, _ := joinedModel(t)

			m = updateModel(t, m, tui.StatusMsg{Snapshot: session.Snapshot{State: tt.state}})

			header := tui.Header(m)
			assert.Contains(t, header, "Trenches Chat")
			if tt.connected {
				assert.NotContains(t, header, "DISCONNECTED")
				assert.Contains(t, header, "CONNECTED")
			} else {
				assert.Contains(t, header, "DISCONNECTED")
			}
		})
	}
}

func TestModel_StatusLine(t *testing.T) {
	styles := tui.DefaultStyles()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"none", "", ""},
		{"demo is a warning", "Connected to demo mode (server unavailable)", styles.Warning.Render("Connected to demo mode (server unavailable)")},
		{"failure is an error", "Connection issue. Try reconnecting.", styles.Error.Render("Connection issue. Try reconnecting.")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := joinedModel(t)

			m = updateModel(t, m, tui.StatusMsg{Snapshot: session.Snapshot{State: session.Connecting, Error: tt.text}})

			assert.Equal(t, tt.want, tui.StatusLine(m))
		})
	}
}

func TestModel_Transcript(t *testing.T) {
	m, _ := joinedModel(t)
	assert.Contains(t, tui.RenderTranscript(m), "No messages yet. Be the first to say hello!")

	updated, cmd := m.Update(tui.AppendMsg{Message: protocol.Message{ID: "1", Sender: "bob", Content: "hey"}})
	m = updated.(tui.Model)
	assert.NotNil(t, cmd, "the bridge listener is re-armed")

	m = updateModel(t, m, tui.AppendMsg{Message: protocol.Message{ID: "2", Sender: "averyveryverylongusername", Content: "yo"}})

	transcript := tui.RenderTranscript(m)
	assert.NotContains(t, transcript, "No messages yet")
	assert.Contains(t, transcript, "bob: hey")
	assert.Contains(t, transcript, "averyveryveryl…: yo")
	assert.Len(t, m.Messages(), 2)
	assert.Less(t, strings.Index(transcript, "hey"), strings.Index(transcript, "yo"))
}

func TestModel_Send(t *testing.T) {
	t.Run("ignored while disconnected", func(t *testing.T) {
		m, fs := joinedModel(t)

		m = enter(t, m, "hello")

		_, sent, _ := fs.calls()
		assert.Empty(t, sent)
		assert.Equal(t, "hello", m.Input.Value())
	})

	t.Run("sent while open", func(t *testing.T) {
		m, fs := joinedModel(t)
		m = updateModel(t, m, tui.StatusMsg{Snapshot: session.Snapshot{State: session.Open}})

		m = enter(t, m, "  hello  ")

		_, sent, _ := fs.calls()
		assert.Equal(t, []string{"hello"}, sent)
		assert.Empty(t, m.Input.Value())
	})

	t.Run("sent in demo mode", func(t *testing.T) {
		m, fs := joinedModel(t)
		m = updateModel(t, m, tui.StatusMsg{Snapshot: session.Snapshot{State: session.Demo}})

		enter(t, m, "hello")

		_, sent, _ := fs.calls()
		assert.Equal(t, []string{"hello"}, sent)
	})

	t.Run("blank input ignored", func(t *testing.T) {
		m, fs := joinedModel(t)
		m = updateModel(t, m, tui.StatusMsg{Snapshot: session.Snapshot{State: session.Open}})

		enter(t, m, "   ")

		_, sent, _ := fs.calls()
		assert.Empty(t, sent)
	})
}

func TestModel_Quit(t *testing.T) {
	for _, key := range []tea.KeyType{tea.KeyEsc, tea.KeyCtrlC} {
		t.Run(tea.Key{Type: key}.String(), func(t *testing.T) {
			m, fs := joinedModel(t)

			_, cmd := m.Update(tea.KeyMsg{Type: key})

			require.NotNil(t, cmd)
			_, isQuit := cmd().(tea.QuitMsg)
			assert.True(t, isQuit)
			_, _, stops := fs.calls()
			assert.Equal(t, 1, stops)
		})
	}

	t.Run("from the form does not stop", func(t *testing.T) {
		m, fs := newModel(t)

		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})

		require.NotNil(t, cmd)
		_, isQuit := cmd().(tea.QuitMsg)
		assert.True(t, isQuit)
		_, _, stops := fs.calls()
		assert.Zero(t, stops)
	})
}

func TestBridge_CallbacksDoNotBlockManager(t *testing.T) {
	bridge := tui.NewBridge(2)
	relay := &transporttest.Dialer{}
	mgr := session.New(session.DefaultConfig(), relay.Factory(), sim.NewFactory(sim.DefaultConfig()),
		session.OnAppend(bridge.OnAppend),
		session.OnStatus(bridge.OnStatus),
	)

	mgr.Start("alice")
	relay.Last().Open()
	require.GreaterOrEqual(t, bridge.Len(), 2)

	done := make(chan struct{})
	go func() {
		mgr.SendMessage("hi")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendMessage blocked on a bridge nobody is reading")
	}

	var got []tea.Msg
	for bridge.Len() > 0 {
		got = append(got, tui.Next(bridge))
	}
	require.NotEmpty(t, got)
	first, ok := got[0].(tui.StatusMsg)
	require.True(t, ok)
	assert.Equal(t, session.Connecting, first.Snapshot.State)
	last, ok := got[len(got)-1].(tui.AppendMsg)
	require.True(t, ok)
	assert.Equal(t, "hi", last.Message.Content)
	assert.Len(t, relay.Last().Sent(), 1)
}

func TestBridge_Close(t *testing.T) {
	bridge := tui.NewBridge(1)
	bridge.OnStatus(session.Snapshot{State: session.Open})

	bridge.Close()
	bridge.OnAppend(protocol.Message{ID: "late"})

	assert.Zero(t, bridge.Len())
	assert.Nil(t, tui.Next(bridge))
}

func TestModel_Teatest(t *testing.T) {
	bridge := tui.NewBridge(64)
	fs := &fakeSession{bridge: bridge}
	m := tui.New(fs, bridge)

	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(80, 24))

	tm.Type("alice")
	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("alice joined"))
	}, teatest.WithDuration(5*time.Second))

	tm.Type("hi there")
	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("alice: hi there"))
	}, teatest.WithDuration(5*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyEsc})

	fm := tm.FinalModel(t, teatest.WithFinalTimeout(5*time.Second))
	final, ok := fm.(tui.Model)
	require.True(t, ok)
	assert.Equal(t, "alice", final.Name())
	assert.Len(t, final.Messages(), 2)

	starts, sent, stops := fs.calls()
	assert.Equal(t, []string{"alice"}, starts)
	assert.Equal(t, []string{"hi there"}, sent)
	assert.Equal(t, 1, stops)
}

func TestModel_TeatestDemoFallback(t *testing.T) {
	bridge := tui.NewBridge(64)
	relay := &transporttest.Dialer{}
	relay.FailWith(errors.New("no route to relay"))

	cfg := session.DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.FallbackDelay = 10 * time.Millisecond
	mgr := session.New(cfg, relay.Factory(), sim.NewFactory(sim.Config{EchoDelay: 10 * time.Millisecond}),
		session.OnAppend(bridge.OnAppend),
		session.OnStatus(bridge.OnStatus),
	)

	m := tui.New(mgr, bridge, tui.WithUsername("alice"))
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(100, 24))

	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("DEMO MODE"))
	}, teatest.WithDuration(5*time.Second))

	tm.Type("hello")
	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
	teatest.WaitFor(t, tm.Output(), func(out []byte) bool {
		return bytes.Contains(out, []byte("alice: hello"))
	}, teatest.WithDuration(5*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyEsc})

	fm := tm.FinalModel(t, teatest.WithFinalTimeout(5*time.Second))
	final, ok := fm.(tui.Model)
	require.True(t, ok)
	assert.True(t, final.Joined())

	assert.Eventually(t, func() bool { return mgr.Snapshot().State == session.Closed }, time.Second, 10*time.Millisecond)
	transcript := mgr.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, session.SystemSender, transcript[0].Sender)
	assert.Equal(t, "hello", transcript[1].Content)
}
