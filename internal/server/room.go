package server

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-multidraw/internal/canvas"
	"github.com/npezzotti/go-multidraw/internal/config"
	"github.com/npezzotti/go-multidraw/internal/protocol"
	"github.com/npezzotti/go-multidraw/internal/stats"
)

type roomState int

const (
	roomCreated roomState = iota
	roomRunning
	roomStopped
)

// inboundMessage pairs a received message with its sender.
type inboundMessage struct {
	msg  *protocol.ClientMessage
	from *Session
}

// outboundMessage pairs a queued message with its recipient.
type outboundMessage struct {
	msg *protocol.ServerMessage
	to  *Session
}

// Room owns a set of sessions sharing a canvas. Its control loop
// receives each member's foreground snapshots, composites every other
// member's latest drawing into a per-member middleground, and fans
// those back out. An empty room stops itself once the linger duration
// expires; stopped is terminal.
type Room struct {
	name  string
	cfg   *config.Config
	log   *log.Logger
	stats stats.StatsProvider

	mu    sync.Mutex
	state roomState
	// users holds members in join order; sweeps and broadcasts walk it
	// in order so behavior is deterministic.
	users []*Session
	// images holds each member's latest decompressed submission.
	images map[*Session]*canvas.Image
	// paintOrder holds submitters oldest-first, so the most recent
	// submission paints on top during compositing.
	paintOrder []*Session
	outbound   []outboundMessage
	// lastMemberChange feeds the linger check.
	lastMemberChange time.Time

	lastSweep     time.Time
	lastComposite time.Time
}

func NewRoom(name string, cfg *config.Config, logger *log.Logger, st stats.StatsProvider) *Room {
	return &Room{
		name:             name,
		cfg:              cfg,
		log:              logger,
		stats:            st,
		state:            roomCreated,
		images:           make(map[*Session]*canvas.Image),
		lastMemberChange: time.Now(),
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == roomStopped
}

func (r *Room) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == roomRunning
}

// Stop forces the room into its terminal state. The control loop
// notices on its next pass and cleans up.
func (r *Room) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = roomStopped
}

// AddUser admits a session, enforcing nickname uniqueness within the
// room. Joining a stopped room fails with errRoomStopped; the caller
// must create a replacement room under the same name.
func (r *Room) AddUser(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == roomStopped {
		return errRoomStopped
	}

	for _, u := range r.users {
		if u.Nickname() == s.Nickname() {
			return &DuplicateNicknameError{Nickname: s.Nickname()}
		}
	}

	r.users = append(r.users, s)
	r.lastMemberChange = time.Now()
	r.stats.Incr(stats.ActiveSessions)
	r.log.Printf("room %q: added %s", r.name, s)

	return nil
}

// removeUser evicts a member as one compound step: membership, stored
// submission, paint order, and any queued outbound message addressed to
// it all go under the lock, then the session is closed.
func (r *Room) removeUser(s *Session) {
	r.mu.Lock()
	idx := slices.Index(r.users, s)
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	r.users = slices.Delete(r.users, idx, idx+1)
	delete(r.images, s)
	if i := slices.Index(r.paintOrder, s); i >= 0 {
		r.paintOrder = slices.Delete(r.paintOrder, i, i+1)
	}
	r.outbound = slices.DeleteFunc(r.outbound, func(m outboundMessage) bool {
		return m.to == s
	})
	r.lastMemberChange = time.Now()
	r.mu.Unlock()

	s.Close()
	r.stats.Decr(stats.ActiveSessions)
	r.stats.Incr(stats.SessionsEvicted)
	r.log.Printf("room %q: removed %s", r.name, s)
}

func (r *Room) members() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.users)
}

// Run drives the control loop until the room stops. A panic inside an
// iteration is logged and forces the stopped state rather than crashing
// the process.
func (r *Room) Run() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Printf("room %q: fatal: %v", r.name, p)
		}
		r.teardown()
	}()

	r.mu.Lock()
	if r.state != roomCreated {
		r.mu.Unlock()
		return
	}
	r.state = roomRunning
	r.mu.Unlock()

	r.log.Printf("starting room %q", r.name)

	for r.running() {
		now := time.Now()

		r.sweepDead(now)

		if len(r.members()) > 0 {
			queue := r.receiveMessages()
			r.compositeMiddlegrounds(now)
			r.dispatchOutbound()
			r.handleMessages(queue)
		}

		if r.checkLinger(now) {
			return
		}

		time.Sleep(r.cfg.IdleSleep)
	}
}

// sweepDead evicts members that are already dead or fail a liveness
// probe. Throttled to the liveness interval.
func (r *Room) sweepDead(now time.Time) {
	if now.Sub(r.lastSweep) < r.cfg.LivenessInterval {
		return
	}
	r.lastSweep = now

	for _, u := range r.members() {
		if u.Dead() {
			r.removeUser(u)
			continue
		}

		if err := u.Send(&protocol.ServerMessage{Command: protocol.Poke}); err != nil {
			r.removeUser(u)
		}
	}
}

// receiveMessages polls every member once and returns the messages that
// arrived, paired with their senders.
func (r *Room) receiveMessages() []inboundMessage {
	var queue []inboundMessage
	for _, u := range r.members() {
		if msg := u.Receive(); msg != nil {
			queue = append(queue, inboundMessage{msg: msg, from: u})
			r.stats.Incr(stats.MessagesReceived)
		}
	}

	return queue
}

// compositeMiddlegrounds builds each member's personalized view: every
// other member's latest submission overlaid on a transparent canvas,
// most recent on top. Throttled to the composite interval.
func (r *Room) compositeMiddlegrounds(now time.Time) {
	if now.Sub(r.lastComposite) < r.cfg.CompositeInterval {
		return
	}
	r.lastComposite = now

	r.mu.Lock()
	members := slices.Clone(r.users)
	order := slices.Clone(r.paintOrder)
	images := make(map[*Session]*canvas.Image, len(r.images))
	for u, img := range r.images {
		images[u] = img
	}
	r.mu.Unlock()

	for _, m := range members {
		layers := []*canvas.Image{canvas.NewCanvas()}
		for _, u := range order {
			if u == m {
				continue
			}
			layers = append(layers, images[u])
		}

		middleground, err := canvas.OverlayAll(layers...)
		if err != nil {
			r.log.Printf("room %q: composite for %s: %v", r.name, m, err)
			continue
		}

		payload, err := canvas.Compress(middleground)
		if err != nil {
			r.log.Printf("room %q: compress middleground for %s: %v", r.name, m, err)
			continue
		}

		r.queueOutbound(outboundMessage{
			msg: &protocol.ServerMessage{Command: protocol.SendMiddleground, Payload: payload},
			to:  m,
		})
		r.stats.Incr(stats.ImagesComposited)
	}
}

func (r *Room) queueOutbound(m outboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = append(r.outbound, m)
}

// dispatchOutbound delivers queued messages one at a time so an
// eviction triggered by a failed send also scrubs the recipient's
// remaining queue entries.
func (r *Room) dispatchOutbound() {
	for {
		r.mu.Lock()
		if len(r.outbound) == 0 {
			r.mu.Unlock()
			return
		}
		m := r.outbound[0]
		r.outbound = r.outbound[1:]
		r.mu.Unlock()

		if err := m.to.Send(m.msg); err != nil {
			r.removeUser(m.to)
		}
	}
}

// handleMessages applies received messages in arrival order. A new
// image replaces the sender's stored submission and moves it to the top
// of the paint order; handshake commands are no-ops here.
func (r *Room) handleMessages(queue []inboundMessage) {
	for _, in := range queue {
		switch in.msg.Command {
		case protocol.SendImage:
			img, err := canvas.Decompress(in.msg.Payload)
			if err != nil {
				r.log.Printf("room %q: bad image from %s: %v", r.name, in.from, err)
				r.removeUser(in.from)
				continue
			}
			r.storeImage(in.from, img)
		case protocol.Disconnect:
			r.log.Printf("room %q: %s disconnected", r.name, in.from)
			r.removeUser(in.from)
		case protocol.Pass, protocol.SetNickname, protocol.JoinCreateRoom:
			// Handled at join time, nothing to do mid-session.
		}
	}
}

func (r *Room) storeImage(s *Session, img *canvas.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.users, s) {
		return
	}

	r.images[s] = img
	if i := slices.Index(r.paintOrder, s); i >= 0 {
		r.paintOrder = slices.Delete(r.paintOrder, i, i+1)
	}
	r.paintOrder = append(r.paintOrder, s)
}

// checkLinger stops the room once it has been empty past the linger
// duration.
func (r *Room) checkLinger(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.users) == 0 && now.Sub(r.lastMemberChange) >= r.cfg.RoomLinger {
		r.log.Printf("room %q: empty past linger, stopping", r.name)
		r.state = roomStopped
		return true
	}

	return r.state == roomStopped
}

// teardown closes every remaining session and leaves the room in its
// terminal state.
func (r *Room) teardown() {
	r.mu.Lock()
	r.state = roomStopped
	users := r.users
	r.users = nil
	r.images = make(map[*Session]*canvas.Image)
	r.paintOrder = nil
	r.outbound = nil
	r.mu.Unlock()

	for _, u := range users {
		u.Close()
		r.stats.Decr(stats.ActiveSessions)
	}

	r.stats.Incr(stats.RoomsStopped)
	r.log.Printf("room %q stopped", r.name)
}
