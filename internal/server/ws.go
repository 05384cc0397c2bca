package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/npezzotti/go-multidraw/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeWS upgrades an HTTP request and feeds the connection into the
// same handshake queue as raw TCP clients. A binary websocket message
// carries the command byte followed by the payload; the websocket
// framing supplies the length.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("ws upgrade:", err)
		return
	}

	wc := newWSConn(conn)
	select {
	case s.pending <- wc:
	case <-s.stop:
		wc.Close()
	}
}

// wsConn adapts a websocket connection to the Conn interface. Reads are
// pumped into a channel so a poll with a short deadline never corrupts
// the websocket read state.
type wsConn struct {
	conn      *websocket.Conn
	inbound   chan *protocol.ClientMessage
	closed    chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	wc := &wsConn{
		conn:    conn,
		inbound: make(chan *protocol.ClientMessage, 16),
		closed:  make(chan struct{}),
	}
	conn.SetReadLimit(protocol.MaxPayloadLength + 1)
	go wc.readPump()

	return wc
}

// fail records the pump's terminal error before closing, so a
// concurrent ReadMessage that observes closed reads a settled value.
func (wc *wsConn) fail(err error) {
	wc.errMu.Lock()
	if wc.readErr == nil {
		wc.readErr = err
	}
	wc.errMu.Unlock()
	wc.Close()
}

func (wc *wsConn) readPump() {
	for {
		mt, data, err := wc.conn.ReadMessage()
		if err != nil {
			wc.fail(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) < 1 {
			wc.fail(&protocol.ErrMalformedFrame{Reason: "empty websocket message"})
			return
		}

		cmd := protocol.ClientCommand(data[0])
		msg := &protocol.ClientMessage{Command: cmd, Payload: data[1:]}
		if cmd > protocol.Disconnect {
			wc.fail(&protocol.ErrMalformedFrame{Reason: fmt.Sprintf("unknown client command %d", data[0])})
			return
		}

		select {
		case wc.inbound <- msg:
		case <-wc.closed:
			return
		}
	}
}

func (wc *wsConn) ReadMessage(deadline time.Time) (*protocol.ClientMessage, error) {
	// Drain buffered messages before reporting a dead pump.
	select {
	case msg := <-wc.inbound:
		return msg, nil
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg := <-wc.inbound:
		return msg, nil
	case <-wc.closed:
		wc.errMu.Lock()
		err := wc.readErr
		wc.errMu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	case <-timer.C:
		return nil, os.ErrDeadlineExceeded
	}
}

func (wc *wsConn) WriteMessage(msg *protocol.ServerMessage) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	if err := wc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	data := make([]byte, 0, len(msg.Payload)+1)
	data = append(data, byte(msg.Command))
	data = append(data, msg.Payload...)

	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (wc *wsConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		close(wc.closed)
		err = wc.conn.Close()
	})

	return err
}

func (wc *wsConn) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}
