package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrMissingRoomID = errors.New("room id is required")

type memberEntry struct {
	Participant domain.Participant
	seq         uint64
}

type roomEntry struct {
	members   map[domain.ConnID]memberEntry
	createdAt time.Time
	// joined is set once the room had at least one member.
	joined bool
}

// Registry is the in-memory room table. It owns every room-to-member
// mapping; callers only ever get copies.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
	seq   uint64
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[domain.RoomID]*roomEntry),
		now:   time.Now,
	}
}

// CreateRoom creates an empty room. It reports false when the room already exists.
func (r *Registry) CreateRoom(id domain.RoomID) (bool, error) {
	if id == "" {
		return false, ErrMissingRoomID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return false, nil
	}
	r.rooms[id] = r.newRoomLocked()
	log.Info().Str("module", "app.registry").Str("room", id.String()).Msg("room created")
	return true, nil
}

func (r *Registry) RoomExists(id domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[id]
	return ok
}

// Join adds conn to the room, creating it if needed, and returns the other
// members in join order. A connection that is still in another room leaves
// it first.
func (r *Registry) Join(id domain.RoomID, conn domain.ConnID, name string) ([]domain.Participant, error) {
	if id == "" {
		return nil, ErrMissingRoomID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for other := range r.rooms {
		if other != id {
			r.removeLocked(conn, other)
		}
	}

	room, ok := r.rooms[id]
	if !ok {
		room = r.newRoomLocked()
		r.rooms[id] = room
		log.Info().Str("module", "app.registry").Str("room", id.String()).Msg("room created on join")
	}
	others := room.snapshot(conn)

	if _, ok := room.members[conn]; !ok {
		r.seq++
		room.members[conn] = memberEntry{Participant: domain.NewParticipant(conn, name), seq: r.seq}
	}
	room.joined = true
	log.Info().Str("module", "app.registry").Str("room", id.String()).Str("conn", conn.String()).Int("members", len(room.members)).Msg("member joined")
	return others, nil
}

// Leave removes conn from the room and deletes the room once it is empty.
// It reports whether conn was a member.
func (r *Registry) Leave(conn domain.ConnID, id domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(conn, id)
}

// LeaveAll removes conn from every room it is in and returns those rooms.
func (r *Registry) LeaveAll(conn domain.ConnID) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []domain.RoomID
	for id := range r.rooms {
		if r.removeLocked(conn, id) {
			left = append(left, id)
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Members returns every member of the room in join order.
func (r *Registry) Members(id domain.RoomID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil
	}
	return room.snapshot("")
}

// RoomsOf returns the rooms conn is currently a member of.
func (r *Registry) RoomsOf(conn domain.ConnID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RoomID
	for id, room := range r.rooms {
		if _, ok := room.members[conn]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) List() []domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, domain.RoomInfo{ID: id, MemberCount: len(room.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReapIdle deletes rooms that were created explicitly, never joined and are
// older than ttl. It returns the number of rooms removed.
func (r *Registry) ReapIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	n := 0
	for id, room := range r.rooms {
		if room.joined || len(room.members) > 0 || room.createdAt.After(cutoff) {
			continue
		}
		delete(r.rooms, id)
		n++
		log.Info().Str("module", "app.registry").Str("room", id.String()).Msg("idle room reaped")
	}
	return n
}

func (r *Registry) newRoomLocked() *roomEntry {
	return &roomEntry{
		members:   make(map[domain.ConnID]memberEntry),
		createdAt: r.now(),
	}
}

func (r *Registry) removeLocked(conn domain.ConnID, id domain.RoomID) bool {
	room, ok := r.rooms[id]
	if !ok {
		return false
	}
	if _, ok := room.members[conn]; !ok {
		return false
	}
	delete(room.members, conn)
	log.Info().Str("module", "app.registry").Str("room", id.String()).Str("conn", conn.String()).Int("members", len(room.members)).Msg("member left")
	if len(room.members) == 0 {
		delete(r.rooms, id)
		log.Info().Str("module", "app.registry").Str("room", id.String()).Msg("room emptied and removed")
	}
	return true
}

func (room *roomEntry) snapshot(exclude domain.ConnID) []domain.Participant {
	entries := make([]memberEntry, 0, len(room.members))
	for id, m := range room.members {
		if id == exclude {
			continue
		}
		entries = append(entries, m)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Participant, len(entries))
	for i, e := range entries {
		out[i] = e.Participant
	}
	return out
}
