package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/omochice/trenches-chat/internal/relay"
	"github.com/omochice/trenches-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(nil)
	srv := relay.New("", hub)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(payload)))
}

func read(t *testing.T, conn *websocket.Conn) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return "", err
	}
	assert.Equal(t, websocket.MessageText, typ)
	return string(data), nil
}

func waitForClients(t *testing.T, hub *relay.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func encode(t *testing.T, m protocol.Message) string {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	return payload
}

func TestServer_ClientRegistration(t *testing.T) {
	hub, url := startRelay(t)

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, hub, 0)
}

func TestServer_MultipleClients(t *testing.T) {
	hub, url := startRelay(t)

	for range 3 {
		dial(t, url)
	}

	waitForClients(t, hub, 3)
}

func TestServer_AnyPathUpgrades(t *testing.T) {
	hub, url := startRelay(t)

	dial(t, url+"/ws")

	waitForClients(t, hub, 1)
}

func TestServer_Broadcast(t *testing.T) {
	hub, url := startRelay(t)
	alice := dial(t, url)
	bob := dial(t, url)
	carol := dial(t, url)
	waitForClients(t, hub, 3)

	msg := protocol.Message{ID: "m1", Sender: "alice", Content: "hi", Timestamp: "2024-01-01T00:00:00Z"}
	write(t, alice, encode(t, msg))

	for _, conn := range []*websocket.Conn{bob, carol} {
		got, err := read(t, conn)
		require.NoError(t, err)
		decoded, err := protocol.Decode(got)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}

	_, err := read(t, alice)
	assert.Error(t, err, "sender must not receive its own message")
}

func TestServer_DropsMalformedFrames(t *testing.T) {
	hub, url := startRelay(t)
	alice := dial(t, url)
	bob := dial(t, url)
	waitForClients(t, hub, 2)

	write(t, alice, "not json")
	write(t, alice, `{"content":"no id or sender"}`)
	valid := encode(t, protocol.Message{ID: "m2", Sender: "alice", Content: "after garbage"})
	write(t, alice, valid)

	got, err := read(t, bob)
	require.NoError(t, err)
	assert.JSONEq(t, valid, got)
	assert.Equal(t, 2, hub.ClientCount(), "malformed frames do not drop the sender")
}

func TestServer_BinaryFramesAreRelayedAsText(t *testing.T) {
	hub, url := startRelay(t)
	alice := dial(t, url)
	bob := dial(t, url)
	waitForClients(t, hub, 2)

	payload := encode(t, protocol.Message{ID: "m3", Sender: "alice"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageBinary, []byte(payload)))

	got, err := read(t, bob)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestServer_StartAddrStop(t *testing.T) {
	hub := relay.NewHub(nil)
	srv := relay.New("127.0.0.1:0", hub)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	addr := srv.Addr()
	assert.Contains(t, addr, ":")

	conn := dial(t, "ws://"+addr)
	waitForClients(t, hub, 1)

	srv.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}

	_, err := read(t, conn)
	assert.Error(t, err, "clients are disconnected on stop")
	assert.Zero(t, hub.ClientCount())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = websocket.Dial(ctx, "ws://"+addr, nil)
	assert.Error(t, err, "expected error after stop")
}

func TestServer_StartAfterStop(t *testing.T) {
	srv := relay.New("127.0.0.1:0", relay.NewHub(nil))
	srv.Stop()

	assert.ErrorIs(t, srv.Start(), relay.ErrStopped)
}

func TestServer_StartInvalidAddress(t *testing.T) {
	srv := relay.New("not-an-address", relay.NewHub(nil))

	assert.Error(t, srv.Start())
}
