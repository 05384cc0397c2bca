package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-multidraw/internal/canvas"
	"github.com/npezzotti/go-multidraw/internal/config"
	"github.com/npezzotti/go-multidraw/internal/protocol"
	"github.com/npezzotti/go-multidraw/internal/testutil"
)

// newTestServer starts a server on an ephemeral port with short
// intervals and shuts it down with the test.
func newTestServer(t *testing.T, tune func(*config.Config)) *Server {
	cfg := testConfig(t)
	cfg.CompositeInterval = 20 * time.Millisecond
	cfg.RoomLinger = 50 * time.Millisecond
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	if tune != nil {
		tune(cfg)
	}

	srv, err := NewServer(cfg, testutil.TestLogger(t), newTestStats(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn net.Conn, cmd protocol.ClientCommand, payload []byte) {
	t.Helper()
	require.NoError(t, protocol.WriteClientMessage(conn, &protocol.ClientMessage{Command: cmd, Payload: payload}))
}

// awaitCommand reads server messages, skipping liveness probes, until
// the wanted command arrives.
func awaitCommand(t *testing.T, conn net.Conn, want protocol.ServerCommand) *protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		msg, err := protocol.ReadServerMessage(conn)
		require.NoError(t, err, "expected a %s message before the connection ended", want)
		if msg.Command == protocol.Poke {
			continue
		}
		require.Equal(t, want, msg.Command, "unexpected server command")
		return msg
	}
}

func join(t *testing.T, conn net.Conn, nickname, room string) {
	t.Helper()
	sendCommand(t, conn, protocol.SetNickname, []byte(nickname))
	sendCommand(t, conn, protocol.JoinCreateRoom, []byte(room))
	awaitCommand(t, conn, protocol.AcceptIntoRoom)
}

func (s *Server) hasRoom(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[name]
	return ok
}

func TestHandshakeDuplicateNickname(t *testing.T) {
	srv := newTestServer(t, nil)

	first := dialServer(t, srv)
	join(t, first, "alice", "r1")

	second := dialServer(t, srv)
	sendCommand(t, second, protocol.SetNickname, []byte("alice"))
	sendCommand(t, second, protocol.JoinCreateRoom, []byte("r1"))

	msg := awaitCommand(t, second, protocol.RejectFromRoom)
	assert.Equal(t, `User called "alice" already exists!`, string(msg.Payload), "expected the rejection reason verbatim")

	// the rejected connection is closed by the server
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadServerMessage(second)
	assert.Error(t, err, "expected the rejected connection to be closed")
}

func TestHandshakeOutOfOrder(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialServer(t, srv)
	sendCommand(t, conn, protocol.JoinCreateRoom, []byte("r1"))
	sendCommand(t, conn, protocol.Pass, nil)
	sendCommand(t, conn, protocol.SetNickname, []byte("alice"))

	awaitCommand(t, conn, protocol.AcceptIntoRoom)
}

func TestHandshakeInvalidNickname(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialServer(t, srv)
	sendCommand(t, conn, protocol.SetNickname, make([]byte, protocol.MaxNameLength+1))

	msg := awaitCommand(t, conn, protocol.RejectFromRoom)
	assert.Contains(t, string(msg.Payload), "Invalid nickname", "expected a validation reason")
}

func TestMiddlegroundExchange(t *testing.T) {
	srv := newTestServer(t, nil)

	alice := dialServer(t, srv)
	join(t, alice, "alice", "r1")
	bob := dialServer(t, srv)
	join(t, bob, "bob", "r1")

	imgA := opaqueImage(10, 20, 30)
	imgB := opaqueImage(40, 50, 60)
	sendCommand(t, alice, protocol.SendImage, compressImage(t, imgA))
	sendCommand(t, bob, protocol.SendImage, compressImage(t, imgB))

	assertReceivesMiddleground(t, alice, imgB)
	assertReceivesMiddleground(t, bob, imgA)
}

// assertReceivesMiddleground reads middlegrounds until one matches the
// wanted image; earlier composites may predate the peer's submission.
func assertReceivesMiddleground(t *testing.T, conn net.Conn, want *canvas.Image) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	for {
		msg, err := protocol.ReadServerMessage(conn)
		require.NoError(t, err, "expected a middleground before the connection ended")
		if msg.Command != protocol.SendMiddleground {
			continue
		}

		got, err := canvas.Decompress(msg.Payload)
		require.NoError(t, err)
		if assert.ObjectsAreEqual(want.Pix, got.Pix) {
			return
		}
	}
}

func TestRoomReclaimedAfterDisconnect(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialServer(t, srv)
	join(t, conn, "alice", "r1")
	assert.True(t, srv.hasRoom("r1"), "expected room in the registry after join")

	sendCommand(t, conn, protocol.Disconnect, nil)

	assert.Eventually(t, func() bool { return !srv.hasRoom("r1") },
		5*time.Second, 10*time.Millisecond,
		"expected the empty room to be reclaimed after the linger duration")
}

func TestUnresponsivePeerEvicted(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.LivenessInterval = 30 * time.Millisecond
	})

	conn := dialServer(t, srv)
	join(t, conn, "alice", "r1")

	// drop the connection without a disconnect message; repeated pokes
	// against the closed socket fail and the member is evicted
	conn.Close()

	assert.Eventually(t, func() bool { return !srv.hasRoom("r1") },
		5*time.Second, 10*time.Millisecond,
		"expected the silent peer to be evicted and the room reclaimed")
}

func TestRoomRecreatedAfterStop(t *testing.T) {
	srv := newTestServer(t, nil)

	conn := dialServer(t, srv)
	join(t, conn, "alice", "r1")
	sendCommand(t, conn, protocol.Disconnect, nil)

	assert.Eventually(t, func() bool { return !srv.hasRoom("r1") },
		5*time.Second, 10*time.Millisecond)

	// the same name joins a freshly created room
	fresh := dialServer(t, srv)
	join(t, fresh, "alice", "r1")
	assert.True(t, srv.hasRoom("r1"), "expected a replacement room under the same name")
}

func TestShutdown(t *testing.T) {
	cfg := testConfig(t)
	srv, err := NewServer(cfg, testutil.TestLogger(t), newTestStats(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx), "expected clean shutdown")
}
