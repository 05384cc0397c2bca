package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/npezzotti/go-multidraw/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is the message transport a Session owns. Implementations exist
// for raw TCP framing and for the websocket gateway; the session and
// room code never see the difference.
type Conn interface {
	// ReadMessage reads one client message, giving up at deadline with
	// a timeout error the caller can detect via isTimeout.
	ReadMessage(deadline time.Time) (*protocol.ClientMessage, error)
	// WriteMessage frames and writes one server message.
	WriteMessage(msg *protocol.ServerMessage) error
	Close() error
	RemoteAddr() net.Addr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type tcpConn struct {
	conn    net.Conn
	cr      *protocol.ClientMessageReader
	bw      *bufio.Writer
	writeMu sync.Mutex
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{
		conn: conn,
		cr:   protocol.NewClientMessageReader(bufio.NewReader(conn)),
		bw:   bufio.NewWriter(conn),
	}
}

// ReadMessage reads one frame. The reader keeps partial frame bytes
// across calls, so a deadline expiring mid-frame only pauses the read;
// the next call resumes the same frame.
func (t *tcpConn) ReadMessage(deadline time.Time) (*protocol.ClientMessage, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	return t.cr.ReadMessage()
}

func (t *tcpConn) WriteMessage(msg *protocol.ServerMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := protocol.WriteServerMessage(t.bw, msg); err != nil {
		return err
	}

	return t.bw.Flush()
}

func (t *tcpConn) Close() error {
	return t.conn.Close()
}

func (t *tcpConn) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
