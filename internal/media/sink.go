package media

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/rs/zerolog/log"
)

var ErrNotMounted = errors.New("media: view not mounted")

// TrackStats is what a sink knows about one received track.
type TrackStats struct {
	ID      string
	Kind    string
	Packets uint64
	Bytes   uint64
}

type sinkTrack struct {
	id      string
	kind    string
	packets atomic.Uint64
	bytes   atomic.Uint64
	done    chan struct{}
}

type view struct {
	tracks map[string]*sinkTrack
}

// Sink is a headless renderer: one view per participant, each attached track
// is read until it ends and only counted. It implements mesh.Renderer.
type Sink struct {
	mu    sync.Mutex
	views map[domain.ConnID]*view
}

func NewSink() *Sink {
	return &Sink{views: make(map[domain.ConnID]*view)}
}

func (s *Sink) Mount(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[id]; !ok {
		s.views[id] = &view{tracks: make(map[string]*sinkTrack)}
	}
}

// Unmount removes the view and everything attached to it.
func (s *Sink) Unmount(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, id)
}

func (s *Sink) Mounted(id domain.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.views[id]
	return ok
}

func (s *Sink) Attach(id domain.ConnID, t mesh.RemoteTrack) error {
	st := &sinkTrack{id: t.ID(), kind: t.Kind().String(), done: make(chan struct{})}

	s.mu.Lock()
	v, ok := s.views[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotMounted
	}
	v.tracks[st.id] = st
	s.mu.Unlock()

	go s.read(id, t, st)
	log.Info().Str("module", "media").Str("peer", id.String()).Str("kind", st.kind).Str("track_id", st.id).Msg("remote track attached")
	return nil
}

func (s *Sink) read(id domain.ConnID, t mesh.RemoteTrack, st *sinkTrack) {
	defer close(st.done)
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "media").Str("peer", id.String()).Str("track_id", st.id).Msg("remote track ended")
			return
		}
		st.packets.Add(1)
		st.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// Detach forgets the tracks of id. The view stays mounted. Readers stop on
// their own once the link closes.
func (s *Sink) Detach(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[id]; ok && len(v.tracks) > 0 {
		v.tracks = make(map[string]*sinkTrack)
		log.Debug().Str("module", "media").Str("peer", id.String()).Msg("remote tracks detached")
	}
}

// Stats lists the tracks attached to id's view, ordered by track id.
func (s *Sink) Stats(id domain.ConnID) []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok {
		return nil
	}
	out := make([]TrackStats, 0, len(v.tracks))
	for _, st := range v.tracks {
		out = append(out, TrackStats{ID: st.id, Kind: st.kind, Packets: st.packets.Load(), Bytes: st.bytes.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Views lists the mounted participants.
func (s *Sink) Views() []domain.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConnID, 0, len(s.views))
	for id := range s.views {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
