package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/trenches-chat/pkg/protocol"
)

// ErrStopped is returned by Start on a server that has been stopped.
var ErrStopped = errors.New("relay stopped")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server accepts WebSocket connections on any path and relays messages
// through a Hub. It can run its own listener with Start or be mounted as an
// http.Handler.
type Server struct {
	address string
	hub     *Hub
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	peers    map[*peer]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// peer is one upgraded connection.
type peer struct {
	conn    net.Conn
	reader  io.Reader
	client  *Client
	writeMu sync.Mutex
}

// New creates a relay server that uses the provided Hub.
func New(address string, hub *Hub, opts ...Option) *Server {
	s := &Server{
		address: address,
		hub:     hub,
		peers:   make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Start listens on the configured address and serves until Stop. It returns
// nil once stopped.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return ErrStopped
	}
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("relay started", "addr", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay failed: %w", err)
	}
	return nil
}

// Stop closes the listener and every client connection, then waits for the
// client goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
	for _, p := range peers {
		p.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("relay stopped")
}

// Addr returns the listening address, or "" before Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{
		conn:   conn,
		reader: conn,
		client: NewClient(r.RemoteAddr),
	}
	// The handshake reader may already hold the first frames.
	if rw != nil && rw.Reader.Buffered() > 0 {
		p.reader = io.MultiReader(rw.Reader, conn)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	s.hub.Register(p.client)
	s.logger.Info("client connected", "client", p.client.Addr, "clients", s.hub.ClientCount())

	go s.readLoop(p)
	go s.writeLoop(p)
}

func (s *Server) readLoop(p *peer) {
	defer s.wg.Done()
	defer s.disconnect(p)

	rw := &lockedConn{Reader: p.reader, w: p.conn, mu: &p.writeMu}
	for {
		data, _, err := wsutil.ReadClientData(rw)
		if err != nil {
			s.logReadError(p, err)
			return
		}

		msg, err := protocol.Decode(string(data))
		if err != nil {
			s.logger.Warn("dropping malformed message", "client", p.client.Addr, "error", err)
			continue
		}
		n := s.hub.Broadcast(data, p.client)
		s.logger.Debug("message relayed", "id", msg.ID, "sender", msg.Sender, "recipients", n)
	}
}

func (s *Server) writeLoop(p *peer) {
	defer s.wg.Done()
	for data := range p.client.Outgoing {
		p.writeMu.Lock()
		err := wsutil.WriteServerText(p.conn, data)
		p.writeMu.Unlock()
		if err != nil {
			s.logger.Warn("failed to write to client", "client", p.client.Addr, "error", err)
			p.conn.Close()
			return
		}
	}
}

func (s *Server) disconnect(p *peer) {
	s.hub.Unregister(p.client)
	close(p.client.Outgoing)
	p.conn.Close()

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()

	s.logger.Info("client disconnected", "client", p.client.Addr, "clients", s.hub.ClientCount())
}

func (s *Server) logReadError(p *peer, err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		s.logger.Debug("client closed connection", "client", p.client.Addr, "code", closed.Code, "reason", closed.Reason)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection ended", "client", p.client.Addr)
	default:
		s.logger.Warn("failed to read from client", "client", p.client.Addr, "error", err)
	}
}

// lockedConn serializes the control frame replies written by the reader with
// the writer goroutine.
type lockedConn struct {
	io.Reader
	w  io.Writer
	mu *sync.Mutex
}

func (lc *lockedConn) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.w.Write(p)
}
