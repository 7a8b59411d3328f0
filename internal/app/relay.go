package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("connection is not bound to the relay")

type RelayOptions struct {
	// Policy handles full outbound buffers. Defaults to DropPolicy.
	Policy Policy
	// ChatLimiter throttles send-message per connection. Nil disables it.
	ChatLimiter *RateLimiter
}

// Relay routes events between live connections. Every operation runs under
// one lock, so the frames it enqueues for a given recipient keep the order
// in which the relay processed the triggering events.
type Relay struct {
	Registry *Registry

	mu      sync.Mutex
	conns   map[domain.ConnID]core.SignalConnection
	policy  Policy
	limiter *RateLimiter
	// kicks collects connections to close once the lock is released.
	kicks []core.SignalConnection
}

func NewRelay(reg *Registry, opts RelayOptions) *Relay {
	policy := opts.Policy
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Relay{
		Registry: reg,
		conns:    make(map[domain.ConnID]core.SignalConnection),
		policy:   policy,
		limiter:  opts.ChatLimiter,
	}
}

func (r *Relay) lock() { r.mu.Lock() }

func (r *Relay) unlock() {
	kicks := r.kicks
	r.kicks = nil
	r.mu.Unlock()
	for _, c := range kicks {
		c.Close()
	}
}

// Connect binds a transport session and greets it with its id.
func (r *Relay) Connect(id domain.ConnID, conn core.SignalConnection) {
	r.lock()
	defer r.unlock()
	r.conns[id] = conn
	log.Info().Str("module", "app.relay").Str("conn", id.String()).Int("conns", len(r.conns)).Msg("connection bound")
	r.sendLocked(id, protocol.Welcome(id))
}

// Disconnect runs the leave broadcast for every room the connection was in
// and unbinds it. Safe to call more than once.
func (r *Relay) Disconnect(id domain.ConnID) {
	r.lock()
	defer r.unlock()
	for _, room := range r.Registry.RoomsOf(id) {
		r.leaveLocked(id, room)
	}
	r.Registry.LeaveAll(id)
	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		log.Info().Str("module", "app.relay").Str("conn", id.String()).Int("conns", len(r.conns)).Msg("connection unbound")
	}
	r.limiter.Forget(id)
}

// Join puts the connection in room: the joiner gets the roster of the other
// members, every other member gets participant-joined.
func (r *Relay) Join(id domain.ConnID, room domain.RoomID, name string) error {
	if room == "" {
		return ErrMissingRoomID
	}
	r.lock()
	defer r.unlock()
	if _, ok := r.conns[id]; !ok {
		return ErrNotConnected
	}

	for _, prev := range r.Registry.RoomsOf(id) {
		if prev != room {
			r.leaveLocked(id, prev)
		}
	}

	others, err := r.Registry.Join(room, id, name)
	if err != nil {
		return err
	}

	r.sendLocked(id, protocol.Roster(room, others))
	joined := protocol.ParticipantJoined(domain.NewParticipant(id, name))
	for _, p := range others {
		r.sendLocked(p.ID, joined)
	}
	log.Info().Str("module", "app.relay").Str("conn", id.String()).Str("room", room.String()).Int("others", len(others)).Msg("join broadcast")
	return nil
}

// Leave is a no-op when the connection is not a member of room.
func (r *Relay) Leave(id domain.ConnID, room domain.RoomID) {
	r.lock()
	defer r.unlock()
	r.leaveLocked(id, room)
}

func (r *Relay) leaveLocked(id domain.ConnID, room domain.RoomID) {
	members := r.Registry.Members(room)
	member := false
	for _, p := range members {
		if p.ID == id {
			member = true
			break
		}
	}
	if !member {
		log.Debug().Str("module", "app.relay").Str("conn", id.String()).Str("room", room.String()).Msg("leave for non-member ignored")
		return
	}

	left := protocol.ParticipantLeft(id)
	for _, p := range members {
		if p.ID != id {
			r.sendLocked(p.ID, left)
		}
	}
	r.Registry.Leave(id, room)
	log.Info().Str("module", "app.relay").Str("conn", id.String()).Str("room", room.String()).Msg("leave broadcast")
}

// Forward delivers a negotiation payload to exactly one recipient, annotated
// with the sender. It reports whether the frame was handed to the recipient.
func (r *Relay) Forward(kind string, from, to domain.ConnID, payload json.RawMessage) bool {
	if !protocol.IsNegotiation(kind) || to == "" {
		log.Debug().Str("module", "app.relay").Str("type", kind).Str("from", from.String()).Msg("not a routable negotiation message")
		return false
	}
	r.lock()
	defer r.unlock()
	if _, ok := r.conns[to]; !ok {
		log.Debug().Str("module", "app.relay").Str("type", kind).Str("from", from.String()).Str("to", to.String()).Msg("recipient not connected, dropped")
		return false
	}
	return r.sendLocked(to, protocol.Relayed(kind, from, payload))
}

// Chat fans a message out to every current member of room, sender included.
func (r *Relay) Chat(from domain.ConnID, room domain.RoomID, message, sender string) int {
	if !r.limiter.Allow(from) {
		log.Warn().Str("module", "app.relay").Str("conn", from.String()).Msg("chat rate limited")
		return 0
	}
	r.lock()
	defer r.unlock()
	env := protocol.ReceiveMessage(message, sender)
	sent := 0
	for _, p := range r.Registry.Members(room) {
		if r.sendLocked(p.ID, env) {
			sent++
		}
	}
	log.Debug().Str("module", "app.relay").Str("conn", from.String()).Str("room", room.String()).Int("sent_to", sent).Msg("chat broadcast")
	return sent
}

// Reply sends an event to a single connection, e.g. pong or error.
func (r *Relay) Reply(id domain.ConnID, env protocol.Envelope) {
	r.lock()
	defer r.unlock()
	r.sendLocked(id, env)
}

func (r *Relay) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) sendLocked(to domain.ConnID, env protocol.Envelope) bool {
	conn, ok := r.conns[to]
	if !ok {
		return false
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("type", env.Type).Msg("encode frame")
		return false
	}
	err = conn.TrySend(frame)
	if err == nil {
		return true
	}
	log.Warn().Err(err).Str("module", "app.relay").Str("conn", to.String()).Str("type", env.Type).Msg("frame dropped")
	if errors.Is(err, core.ErrBackpressure) && r.policy.OnBackPressure(to) == KickMember {
		r.kicks = append(r.kicks, conn)
	}
	return false
}
