package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-multidraw/internal/protocol"
)

// Session is the server-side representative of one connected client.
// It is exclusively owned by at most one room; once marked dead it is
// never read from or written to again.
type Session struct {
	id          string
	conn        Conn
	log         *log.Logger
	readTimeout time.Duration

	mu       sync.Mutex
	nickname string
	room     *Room
	dead     bool

	closeOnce sync.Once
}

func NewSession(conn Conn, readTimeout time.Duration, logger *log.Logger) *Session {
	return &Session{
		id:          shortid.MustGenerate(),
		conn:        conn,
		log:         logger,
		readTimeout: readTimeout,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// SetNickname assigns the nickname received during the handshake. It is
// set once and immutable afterwards.
func (s *Session) SetNickname(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = nickname
}

func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomName := "<no room>"
	if s.room != nil {
		roomName = s.room.Name()
	}
	nickname := s.nickname
	if nickname == "" {
		nickname = "<no nickname>"
	}

	return "session " + s.id + " {" + roomName + "/" + nickname + "}"
}

// Receive polls the connection for one message. A timeout is not an
// error and yields nil; any other failure, including a malformed frame,
// marks the session dead.
func (s *Session) Receive() *protocol.ClientMessage {
	if s.Dead() {
		return nil
	}

	msg, err := s.conn.ReadMessage(time.Now().Add(s.readTimeout))
	if err != nil {
		if isTimeout(err) {
			return nil
		}

		s.log.Printf("%s: read: %v", s, err)
		s.markDead()
		return nil
	}

	return msg
}

// Send writes a message to the client. Sending on a dead session is a
// no-op with a warning; a write failure marks the session dead.
func (s *Session) Send(msg *protocol.ServerMessage) error {
	if s.Dead() {
		s.log.Printf("%s: dropping %s: session is dead", s, msg.Command)
		return nil
	}

	if err := s.conn.WriteMessage(msg); err != nil {
		s.log.Printf("%s: write %s: %v", s, msg.Command, err)
		s.markDead()
		return err
	}

	return nil
}

// AssignRoom adds the session to the room. A duplicate nickname is
// communicated to the client as a rejection and the session marks
// itself dead; the caller needs no further action for it.
func (s *Session) AssignRoom(room *Room) error {
	if err := room.AddUser(s); err != nil {
		var dup *DuplicateNicknameError
		if errors.As(err, &dup) {
			s.Send(&protocol.ServerMessage{
				Command: protocol.RejectFromRoom,
				Payload: []byte(dup.Error()),
			})
			s.markDead()
		}
		return err
	}

	s.mu.Lock()
	s.room = room
	s.mu.Unlock()

	return s.Send(&protocol.ServerMessage{Command: protocol.AcceptIntoRoom})
}

// Close marks the session dead before releasing the connection so no
// further traffic is attempted. Safe to call more than once, including
// concurrently from the eviction and liveness paths.
func (s *Session) Close() {
	s.markDead()
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.Printf("%s: close: %v", s, err)
		}
	})
}
