package mesh

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Glare GlarePolicy
	// MaxRestarts bounds how many times a failed link is rebuilt.
	MaxRestarts int
	// Tracks are attached to every new link.
	Tracks []webrtc.TrackLocal
}

// Orchestrator keeps at most one Link per remote participant and drives its
// negotiation. Handlers return immediately; the work for one participant
// runs on that participant's own queue, so a slow link never holds up another.
type Orchestrator struct {
	self     domain.ConnID
	factory  LinkFactory
	signaler Signaler
	renderer Renderer
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[domain.ConnID]*peer
	seq    uint64
	closed bool
}

func NewOrchestrator(ctx context.Context, self domain.ConnID, factory LinkFactory, signaler Signaler, renderer Renderer, opts Options) *Orchestrator {
	if renderer == nil {
		renderer = discardRenderer{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		self:     self,
		factory:  factory,
		signaler: signaler,
		renderer: renderer,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[domain.ConnID]*peer),
	}
}

func (o *Orchestrator) Self() domain.ConnID { return o.self }

// HandleRoster handles the member list received after joining.
func (o *Orchestrator) HandleRoster(members []domain.Participant) {
	for _, m := range members {
		o.discover(m)
	}
}

func (o *Orchestrator) HandleParticipantJoined(p domain.Participant) {
	o.discover(p)
}

func (o *Orchestrator) HandleParticipantLeft(id domain.ConnID) {
	o.mu.Lock()
	p, ok := o.peers[id]
	delete(o.peers, id)
	o.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", id.String()).Msg("left: unknown peer")
		return
	}
	log.Info().Str("module", "mesh").Str("peer", id.String()).Msg("participant left, closing link")
	stopPeer(p)
}

func (o *Orchestrator) HandleOffer(from domain.ConnID, payload json.RawMessage) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", from.String()).Msg("bad offer payload")
		return
	}
	if from == "" || from == o.self {
		return
	}
	p, _ := o.ensurePeer(from, "")
	if p == nil {
		return
	}
	p.queue.push(func() { o.applyOffer(p, sd) })
}

func (o *Orchestrator) HandleAnswer(from domain.ConnID, payload json.RawMessage) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", from.String()).Msg("bad answer payload")
		return
	}
	p := o.lookup(from)
	if p == nil {
		log.Debug().Str("module", "mesh").Str("peer", from.String()).Msg("answer from unknown peer discarded")
		return
	}
	p.queue.push(func() { o.applyAnswer(p, sd) })
}

func (o *Orchestrator) HandleCandidate(from domain.ConnID, payload json.RawMessage) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", from.String()).Msg("bad candidate payload")
		return
	}
	p := o.lookup(from)
	if p == nil {
		log.Debug().Str("module", "mesh").Str("peer", from.String()).Msg("candidate from unknown peer discarded")
		return
	}
	p.queue.push(func() { o.applyCandidate(p, c) })
}

// MountView tells the orchestrator the renderer can now show id's media.
func (o *Orchestrator) MountView(id domain.ConnID) {
	p := o.lookup(id)
	if p == nil {
		return
	}
	p.queue.push(func() { o.drainTracks(p) })
}

func (o *Orchestrator) State(id domain.ConnID) State {
	p := o.lookup(id)
	if p == nil {
		return StateAbsent
	}
	return p.getState()
}

// Participants is the local roster in discovery order.
func (o *Orchestrator) Participants() []domain.Participant {
	o.mu.Lock()
	peers := make([]*peer, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].seq < peers[j].seq })
	out := make([]domain.Participant, len(peers))
	for i, p := range peers {
		out[i] = domain.Participant{ID: p.id, Name: p.name}
	}
	o.mu.Unlock()
	return out
}

// Close tears down every link and waits until their queues have drained.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	peers := make([]*peer, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	o.peers = make(map[domain.ConnID]*peer)
	o.mu.Unlock()

	o.cancel()
	for _, p := range peers {
		stopPeer(p)
	}
	for _, p := range peers {
		<-p.queue.done()
	}
	log.Info().Str("module", "mesh").Int("links", len(peers)).Msg("orchestrator closed")
}

func (o *Orchestrator) discover(m domain.Participant) {
	if m.ID == "" || m.ID == o.self {
		return
	}
	p, created := o.ensurePeer(m.ID, m.Name)
	if p == nil || !created {
		return
	}
	initiate := o.opts.Glare == GlareAlways || o.self.Less(m.ID)
	log.Info().Str("module", "mesh").Str("peer", m.ID.String()).Bool("initiator", initiate).Msg("participant discovered")
	p.queue.push(func() {
		if !o.setupLink(p) || !initiate {
			return
		}
		o.offer(p)
	})
}

func (o *Orchestrator) ensurePeer(id domain.ConnID, name string) (*peer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	if p, ok := o.peers[id]; ok {
		if name != "" {
			p.name = name
		}
		return p, false
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.seq++
	p := &peer{id: id, name: name, seq: o.seq, ctx: ctx, cancel: cancel}
	p.queue = newTaskQueue(func() { o.teardown(p) })
	o.peers[id] = p
	return p, true
}

func (o *Orchestrator) lookup(id domain.ConnID) *peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers[id]
}

func stopPeer(p *peer) {
	p.cancel()
	p.queue.stop()
}

// The methods below run on the peer's queue.

func (o *Orchestrator) setupLink(p *peer) bool {
	p.gen++
	gen := p.gen
	hooks := LinkHooks{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			p.queue.push(func() {
				if p.gen == gen {
					o.send(protocol.TypeICECandidate, p.id, c)
				}
			})
		},
		OnTrack: func(t RemoteTrack) {
			p.queue.push(func() {
				if p.gen != gen {
					return
				}
				log.Info().Str("module", "mesh").Str("peer", p.id.String()).Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track")
				p.pendingTracks = append(p.pendingTracks, t)
				o.drainTracks(p)
			})
		},
		OnState: func(s LinkState) {
			p.queue.push(func() {
				if p.gen == gen {
					o.onLinkState(p, s)
				}
			})
		},
	}

	link, err := o.factory.NewLink(p.id, hooks)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("create link")
		return false
	}
	for _, t := range o.opts.Tracks {
		if err := link.AttachTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Str("track_id", t.ID()).Msg("attach local track")
		}
	}
	p.link = link
	p.setState(StateLinkCreated)
	log.Debug().Str("module", "mesh").Str("peer", p.id.String()).Int("gen", gen).Msg("link created")
	return true
}

func (o *Orchestrator) offer(p *peer) {
	sd, err := p.link.CreateOffer(p.ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("create offer")
		return
	}
	p.setState(StateOfferSent)
	o.send(protocol.TypeOffer, p.id, sd)
}

func (o *Orchestrator) applyOffer(p *peer, sd webrtc.SessionDescription) {
	switch p.getState() {
	case StateOfferSent:
		if o.self.Less(p.id) {
			log.Info().Str("module", "mesh").Str("peer", p.id.String()).Msg("offer collision, keeping local offer")
			return
		}
		if err := p.link.Rollback(); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("rollback")
			return
		}
		log.Info().Str("module", "mesh").Str("peer", p.id.String()).Msg("offer collision, rolled back local offer")
	case StateAnswerSent, StateAnswerReceived, StateMediaFlowing:
		// The remote rebuilt its side; start over with a fresh link.
		log.Info().Str("module", "mesh").Str("peer", p.id.String()).Msg("fresh offer on settled link, replacing link")
		o.dropLink(p)
	}

	if p.link == nil && !o.setupLink(p) {
		return
	}
	answer, err := p.link.ApplyOffer(p.ctx, sd)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("apply offer")
		return
	}
	o.drainCandidates(p)
	p.setState(StateAnswerSent)
	o.send(protocol.TypeAnswer, p.id, answer)
}

func (o *Orchestrator) applyAnswer(p *peer, sd webrtc.SessionDescription) {
	if p.link == nil || p.getState() != StateOfferSent {
		log.Debug().Str("module", "mesh").Str("peer", p.id.String()).Str("state", p.getState().String()).Msg("stale answer discarded")
		return
	}
	if err := p.link.ApplyAnswer(sd); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("apply answer")
		return
	}
	p.setState(StateAnswerReceived)
	o.drainCandidates(p)
}

func (o *Orchestrator) applyCandidate(p *peer, c webrtc.ICECandidateInit) {
	if p.link == nil || !p.link.HasRemoteDescription() {
		p.pendingCandidates = append(p.pendingCandidates, c)
		log.Debug().Str("module", "mesh").Str("peer", p.id.String()).Int("pending", len(p.pendingCandidates)).Msg("candidate held")
		return
	}
	if err := p.link.AddCandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("add candidate")
	}
}

func (o *Orchestrator) drainCandidates(p *peer) {
	for _, c := range p.pendingCandidates {
		if err := p.link.AddCandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("add held candidate")
		}
	}
	p.pendingCandidates = nil
}

func (o *Orchestrator) drainTracks(p *peer) {
	if len(p.pendingTracks) == 0 {
		return
	}
	if !o.renderer.Mounted(p.id) {
		log.Debug().Str("module", "mesh").Str("peer", p.id.String()).Int("pending", len(p.pendingTracks)).Msg("view not mounted, tracks held")
		return
	}
	for _, t := range p.pendingTracks {
		if err := o.renderer.Attach(p.id, t); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Str("track_id", t.ID()).Msg("attach remote track")
		}
	}
	p.pendingTracks = nil
}

func (o *Orchestrator) onLinkState(p *peer, s LinkState) {
	log.Info().Str("module", "mesh").Str("peer", p.id.String()).Str("link_state", s.String()).Msg("link state")
	switch s {
	case LinkConnected:
		switch p.getState() {
		case StateAnswerReceived, StateAnswerSent:
			p.setState(StateMediaFlowing)
		}
		o.drainTracks(p)
	case LinkFailed:
		o.recover(p)
	}
}

// recover rebuilds a failed link. Only the side with the smaller id offers
// again; the other side waits for that offer.
func (o *Orchestrator) recover(p *peer) {
	o.dropLink(p)
	if !o.self.Less(p.id) {
		log.Info().Str("module", "mesh").Str("peer", p.id.String()).Msg("link failed, waiting for remote offer")
		return
	}
	if p.restarts >= o.opts.MaxRestarts {
		log.Warn().Str("module", "mesh").Str("peer", p.id.String()).Int("restarts", p.restarts).Msg("link failed, restart budget exhausted")
		p.setState(StateClosed)
		return
	}
	p.restarts++
	log.Info().Str("module", "mesh").Str("peer", p.id.String()).Int("restart", p.restarts).Msg("link failed, re-offering")
	if o.setupLink(p) {
		o.offer(p)
	}
}

func (o *Orchestrator) dropLink(p *peer) {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", p.id.String()).Msg("close link")
		}
		p.link = nil
	}
	p.gen++
	p.pendingCandidates = nil
	p.pendingTracks = nil
	o.renderer.Detach(p.id)
	p.setState(StateAbsent)
}

func (o *Orchestrator) teardown(p *peer) {
	o.dropLink(p)
	p.setState(StateClosed)
}

func (o *Orchestrator) send(kind string, to domain.ConnID, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("type", kind).Msg("encode payload")
		return
	}
	if err := o.signaler.Send(protocol.Outbound(kind, to, payload)); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("type", kind).Str("peer", to.String()).Msg("send")
	}
}

type discardRenderer struct{}

func (discardRenderer) Mounted(domain.ConnID) bool              { return false }
func (discardRenderer) Attach(domain.ConnID, RemoteTrack) error { return nil }
func (discardRenderer) Detach(domain.ConnID)                    {}
