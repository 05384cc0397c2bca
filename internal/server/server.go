package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/npezzotti/go-multidraw/internal/config"
	"github.com/npezzotti/go-multidraw/internal/protocol"
	"github.com/npezzotti/go-multidraw/internal/stats"
)

// Server accepts connections, runs the join handshake, and supervises
// room lifecycles. It never touches drawing traffic; once a session is
// assigned, its room's control loop owns it.
type Server struct {
	cfg   *config.Config
	log   *log.Logger
	stats stats.StatsProvider

	ln      net.Listener
	pending chan Conn

	mu    sync.Mutex
	rooms map[string]*Room

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(cfg *config.Config, logger *log.Logger, st stats.StatsProvider) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	for _, m := range []string{
		stats.ActiveRooms,
		stats.ActiveSessions,
		stats.MessagesReceived,
		stats.ImagesComposited,
		stats.SessionsEvicted,
		stats.HandshakesFailed,
		stats.RoomsStopped,
	} {
		st.RegisterMetric(m)
	}

	return &Server{
		cfg:     cfg,
		log:     logger,
		stats:   st,
		pending: make(chan Conn, 64),
		rooms:   make(map[string]*Room),
		stop:    make(chan struct{}),
	}, nil
}

// Start opens the TCP listener and launches the accept, handshake, and
// cleanup loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.log.Printf("server started on %s", ln.Addr())

	s.wg.Add(3)
	go s.acceptLoop()
	go s.handshakeLoop()
	go s.cleanupLoop()

	return nil
}

// Addr reports the listener address, useful when started on port 0.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}

			s.log.Println("accept:", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.log.Printf("accepted connection from %s", conn.RemoteAddr())
		select {
		case s.pending <- newTCPConn(conn):
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

func (s *Server) handshakeLoop() {
	defer s.wg.Done()

	for {
		select {
		case conn := <-s.pending:
			s.handshake(conn)
		case <-s.stop:
			return
		}
	}
}

// handshake reads messages from a new connection until both a nickname
// and a room name have arrived, in either order, then resolves the room
// and hands the session over to it.
func (s *Server) handshake(conn Conn) {
	sess := NewSession(conn, s.cfg.ReadTimeout, s.log)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)

	var nickname, roomName string
	for nickname == "" || roomName == "" {
		select {
		case <-s.stop:
			sess.Close()
			return
		default:
		}

		if sess.Dead() {
			s.failHandshake(sess, "connection lost")
			return
		}
		if time.Now().After(deadline) {
			s.failHandshake(sess, "timed out")
			return
		}

		msg := sess.Receive()
		if msg == nil {
			continue
		}

		switch msg.Command {
		case protocol.Pass:
		case protocol.SetNickname:
			name, err := protocol.ValidateName(msg.Payload)
			if err != nil {
				s.reject(sess, fmt.Sprintf("Invalid nickname: %v", err))
				return
			}
			nickname = name
			sess.SetNickname(name)
		case protocol.JoinCreateRoom:
			name, err := protocol.ValidateName(msg.Payload)
			if err != nil {
				s.reject(sess, fmt.Sprintf("Invalid room name: %v", err))
				return
			}
			roomName = name
		case protocol.Disconnect:
			s.failHandshake(sess, "disconnected")
			return
		default:
			s.failHandshake(sess, fmt.Sprintf("unexpected %s before join", msg.Command))
			return
		}
	}

	for {
		select {
		case <-s.stop:
			sess.Close()
			return
		default:
		}

		room := s.roomForName(roomName)
		err := sess.AssignRoom(room)
		if err == nil {
			s.log.Printf("%s joined room %q", sess, roomName)
			return
		}

		// The room stopped between lookup and join; a retry gets a
		// fresh room under the same name.
		if errors.Is(err, errRoomStopped) {
			continue
		}

		// A duplicate nickname has already been communicated by the
		// session itself.
		s.log.Printf("%s: join %q: %v", sess, roomName, err)
		s.stats.Incr(stats.HandshakesFailed)
		sess.Close()
		return
	}
}

func (s *Server) reject(sess *Session, reason string) {
	sess.Send(&protocol.ServerMessage{
		Command: protocol.RejectFromRoom,
		Payload: []byte(reason),
	})
	s.failHandshake(sess, reason)
}

func (s *Server) failHandshake(sess *Session, reason string) {
	s.log.Printf("%s: handshake failed: %s", sess, reason)
	s.stats.Incr(stats.HandshakesFailed)
	sess.Close()
}

// roomForName resolves a room in the registry, creating and starting a
// new one when the name is unknown or its previous incarnation has
// stopped.
func (s *Server) roomForName(name string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[name]; ok && !room.Stopped() {
		return room
	}

	room := NewRoom(name, s.cfg, s.log, s.stats)
	s.rooms[name] = room
	s.stats.Incr(stats.ActiveRooms)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		room.Run()
	}()

	return room
}

// cleanupLoop reclaims stopped rooms from the registry.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapStoppedRooms()
		case <-s.stop:
			return
		}
	}
}

func (s *Server) reapStoppedRooms() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, room := range s.rooms {
		if room.Stopped() {
			delete(s.rooms, name)
			s.stats.Decr(stats.ActiveRooms)
			s.log.Printf("reclaimed stopped room %q", name)
		}
	}
}

// Shutdown stops the listener, all dispatcher loops, and every room,
// waiting for them up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	for _, room := range s.rooms {
		room.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
