package tui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/omochice/trenches-chat/internal/session"
	"github.com/omochice/trenches-chat/pkg/protocol"
	"github.com/rivo/uniseg"
)

// MaxUsernameLength is the longest accepted username, in characters.
const MaxUsernameLength = 15

// maxSenderWidth is the width senders are truncated to in the transcript.
const maxSenderWidth = 15

const (
	title        = "Trenches Chat"
	emptyText    = "No messages yet. Be the first to say hello!"
	helpText     = "Enter to send, Esc to quit"
	usernameHelp = "Pick a username (up to 15 characters) and press Enter"
)

var (
	errUsernameEmpty   = errors.New("username cannot be empty")
	errUsernameTooLong = errors.New("username must be 15 characters or fewer")
)

var _ tea.Model = Model{}

// Option configures a Model.
type Option func(*Model)

// WithUsername skips the username form and joins as name on Init. Invalid
// names are ignored and the form is shown instead.
func WithUsername(name string) Option {
	return func(m *Model) {
		if valid, err := validateUsername(name); err == nil {
			m.name = valid
			m.joined = true
		}
	}
}

// WithStyles overrides DefaultStyles.
func WithStyles(s Styles) Option {
	return func(m *Model) { m.styles = s }
}

// Model is the Bubble Tea model for the chat TUI.
type Model struct {
	// Username is the username form input. Exported for test access.
	Username textinput.Model
	// Input is the message input. Exported for test access.
	Input textinput.Model
	// Viewport is the scrollable transcript. Exported for test access.
	Viewport viewport.Model

	session Session
	bridge  *Bridge
	styles  Styles

	name     string
	joined   bool
	formErr  error
	status   session.Snapshot
	messages []protocol.Message
	ready    bool
}

// New creates a Model driving s and fed by bridge.
func New(s Session, bridge *Bridge, opts ...Option) Model {
	username := textinput.New()
	username.Placeholder = "username"
	username.Prompt = "> "
	username.Focus()

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Prompt = "> "

	m := Model{
		Username: username,
		Input:    input,
		session:  s,
		bridge:   bridge,
		styles:   DefaultStyles(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.joined {
		m.Username.Blur()
		m.Input.Focus()
	}
	return m
}

// Joined reports whether the username form has been submitted.
func (m Model) Joined() bool { return m.joined }

// Name returns the chosen username.
func (m Model) Name() string { return m.name }

// Status returns the last session status received.
func (m Model) Status() session.Snapshot { return m.status }

// Messages returns the transcript received so far.
func (m Model) Messages() []protocol.Message { return m.messages }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.bridge.listen()}
	if m.joined {
		s, name := m.session, m.name
		cmds = append(cmds, func() tea.Msg {
			s.Start(name)
			return nil
		})
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case AppendMsg:
		m.messages = append(m.messages, msg.Message)
		m = m.refresh()
		return m, m.bridge.listen()

	case StatusMsg:
		m.status = msg.Snapshot
		return m, m.bridge.listen()
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	if m.joined {
		m.Viewport, cmd = m.Viewport.Update(msg)
		cmds = append(cmds, cmd)
		m.Input, cmd = m.Input.Update(msg)
	} else {
		m.Username, cmd = m.Username.Update(msg)
	}
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.joined {
		return m.formView()
	}
	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.Viewport.View())
	b.WriteString("\n")
	b.WriteString(m.Input.View())
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render(helpText))
	return b.String()
}

func (m Model) handleWindowSize(msg tea.WindowSizeMsg) Model {
	// header, status, input and help lines.
	vpHeight := msg.Height - 4
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.Viewport = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.Viewport.Width = msg.Width
		m.Viewport.Height = vpHeight
	}
	m.Input.Width = msg.Width - lipgloss.Width(m.Input.Prompt) - 1
	m.Username.Width = msg.Width - lipgloss.Width(m.Username.Prompt) - 1
	return m.refresh()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.bridge.Close()
		if m.joined {
			m.session.Stop()
		}
		return m, tea.Quit

	case tea.KeyEnter:
		if !m.joined {
			return m.submitUsername()
		}
		return m.submitMessage()
	}

	if !m.joined {
		var cmd tea.Cmd
		m.Username, cmd = m.Username.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	// Character keys only go to the input so j/k type instead of scrolling.
	if msg.Type != tea.KeyRunes {
		m.Viewport, cmd = m.Viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submitUsername() (tea.Model, tea.Cmd) {
	name, err := validateUsername(m.Username.Value())
	if err != nil {
		m.formErr = err
		return m, nil
	}

	m.formErr = nil
	m.name = name
	m.joined = true
	m.Username.Blur()
	cmd := m.Input.Focus()
	m.session.Start(name)
	return m.refresh(), cmd
}

func (m Model) submitMessage() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.Input.Value())
	if text == "" || !m.status.State.Connected() {
		return m, nil
	}
	m.Input.SetValue("")
	m.session.SendMessage(text)
	return m, nil
}

// refresh re-renders the transcript into the viewport and scrolls to the end.
func (m Model) refresh() Model {
	if !m.ready {
		return m
	}
	m.Viewport.SetContent(m.renderTranscript())
	m.Viewport.GotoBottom()
	return m
}

func (m Model) renderTranscript() string {
	if len(m.messages) == 0 {
		return m.styles.Muted.Render(emptyText)
	}

	wrap := lipgloss.NewStyle().Width(m.Viewport.Width)
	lines := make([]string, len(m.messages))
	for i, msg := range m.messages {
		lines[i] = wrap.Render(m.renderLine(msg))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderLine(msg protocol.Message) string {
	sender := truncateSender(msg.Sender)
	switch msg.Sender {
	case session.SystemSender:
		return m.styles.System.Render(sender + ": " + msg.Content)
	case m.name:
		return m.styles.Self.Render(sender) + ": " + msg.Content
	default:
		return m.styles.Other.Render(sender) + ": " + msg.Content
	}
}

func (m Model) header() string {
	indicator := m.styles.Disconnected.Render("DISCONNECTED")
	if m.status.State.Connected() {
		indicator = m.styles.Connected.Render("CONNECTED")
	}
	return m.styles.Title.Render(title) + "  " + indicator + "  " + m.styles.Muted.Render(m.name)
}

func (m Model) statusLine() string {
	text := m.status.Error
	if text == "" {
		return ""
	}
	if strings.Contains(strings.ToLower(text), "demo") {
		return m.styles.Warning.Render(text)
	}
	return m.styles.Error.Render(text)
}

func (m Model) formView() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n\n")
	b.WriteString(usernameHelp)
	b.WriteString("\n")
	b.WriteString(m.Username.View())
	if m.formErr != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.formErr.Error()))
	}
	b.WriteString("\n\n")
	b.WriteString(m.styles.Muted.Render("Esc to quit"))
	return b.String()
}

// validateUsername trims name and checks its length in user-perceived
// characters.
func validateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errUsernameEmpty
	}
	if uniseg.GraphemeClusterCount(name) > MaxUsernameLength {
		return "", errUsernameTooLong
	}
	return name, nil
}

// truncateSender shortens a sender to maxSenderWidth terminal cells.
func truncateSender(sender string) string {
	return runewidth.Truncate(sender, maxSenderWidth, "…")
}
