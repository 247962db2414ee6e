// Package tui provides the Bubble Tea chat interface.
package tui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/omochice/trenches-chat/internal/session"
	"github.com/omochice/trenches-chat/pkg/protocol"
)

// Session is the part of session.Manager the interface drives.
type Session interface {
	Start(username string)
	SendMessage(content string)
	Stop()
}

var _ Session = (*session.Manager)(nil)

// AppendMsg delivers a transcript entry to the model.
type AppendMsg struct {
	Message protocol.Message
}

// StatusMsg delivers a session status change to the model.
type StatusMsg struct {
	Snapshot session.Snapshot
}

// Bridge turns session callbacks into Bubble Tea messages. Register OnAppend
// and OnStatus with the manager and hand the bridge to New. Callbacks never
// block: pending messages queue until the program reads them.
type Bridge struct {
	mu      sync.Mutex
	pending []tea.Msg
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge creates a bridge with room for size pending messages before the
// queue grows.
func NewBridge(size int) *Bridge {
	return &Bridge{
		pending: make([]tea.Msg, 0, size),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// OnAppend is a session.OnAppend callback.
func (b *Bridge) OnAppend(msg protocol.Message) {
	b.push(AppendMsg{Message: msg})
}

// OnStatus is a session.OnStatus callback.
func (b *Bridge) OnStatus(snap session.Snapshot) {
	b.push(StatusMsg{Snapshot: snap})
}

// Close stops delivery. Pending and later callbacks are dropped.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.pending = nil
		b.mu.Unlock()
		close(b.done)
	})
}

// Len reports the number of messages waiting for the program.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) push(msg tea.Msg) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, msg)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) pop() (tea.Msg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, false
	}
	msg := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	return msg, true
}

// listen waits for the next bridged message.
func (b *Bridge) listen() tea.Cmd {
	return func() tea.Msg {
		for {
			if msg, ok := b.pop(); ok {
				return msg
			}
			select {
			case <-b.notify:
			case <-b.done:
				return nil
			}
		}
	}
}

// Run runs the program until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}
