package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errNoLocalOffer = errors.New("rtc: no local offer to roll back")

// ICEConfiguration builds the peer connection config from STUN and TURN
// urls. Without any STUN url the public Google server is used.
func ICEConfiguration(stunURLs, turnURLs []string, username, password string) webrtc.Configuration {
	var servers []webrtc.ICEServer
	stun := clean(stunURLs)
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	servers = append(servers, webrtc.ICEServer{URLs: stun})
	if turn := clean(turnURLs); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func clean(urls []string) []string {
	var out []string
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// NewAPI registers the default codecs and interceptors (NACK, RTCP reports,
// TWCC) so every link gets them.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// Factory builds pion-backed links. It implements mesh.LinkFactory.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory uses api when given, the pion defaults otherwise.
func NewFactory(api *webrtc.API, cfg webrtc.Configuration) *Factory {
	return &Factory{api: api, config: cfg}
}

func (f *Factory) newPeerConnection() (*webrtc.PeerConnection, error) {
	if f.api != nil {
		return f.api.NewPeerConnection(f.config)
	}
	return webrtc.NewPeerConnection(f.config)
}

func (f *Factory) NewLink(peer domain.ConnID, hooks mesh.LinkHooks) (mesh.Link, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	l := &PeerLink{factory: f, peer: peer, hooks: hooks}
	l.bind(pc)
	return l, nil
}

// PeerLink is a mesh.Link over one pion PeerConnection.
type PeerLink struct {
	factory *Factory
	peer    domain.ConnID
	hooks   mesh.LinkHooks

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	tracks []webrtc.TrackLocal
	closed bool
}

func (l *PeerLink) current() *webrtc.PeerConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pc
}

// bind installs the callbacks of pc. Events from a connection that has
// since been replaced are dropped.
func (l *PeerLink) bind(pc *webrtc.PeerConnection) {
	l.pc = pc
	hooks := l.hooks

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", l.peer.String()).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", l.peer.String()).Str("peer_connection_state", s.String()).Msg("Peer state")
		if hooks.OnState == nil || l.current() != pc {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			hooks.OnState(mesh.LinkConnected)
		case webrtc.PeerConnectionStateFailed:
			hooks.OnState(mesh.LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			hooks.OnState(mesh.LinkClosed)
		case webrtc.PeerConnectionStateConnecting:
			hooks.OnState(mesh.LinkConnecting)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && hooks.OnCandidate != nil && l.current() == pc {
			hooks.OnCandidate(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", l.peer.String()).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if hooks.OnTrack != nil && l.current() == pc {
			hooks.OnTrack(track)
		}
	})
}

// CreateOffer does not wait for candidate gathering; candidates trickle
// through OnCandidate.
func (l *PeerLink) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc := l.current()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *PeerLink) ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc := l.current()
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.current().SetRemoteDescription(answer)
}

// Rollback discards a pending local offer. pion cannot roll back a local
// offer, so the connection is rebuilt with the same tracks; nothing has been
// negotiated on it yet.
func (l *PeerLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.ErrConnectionClosed
	}
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return errNoLocalOffer
	}
	fresh, err := l.factory.newPeerConnection()
	if err != nil {
		return err
	}
	for _, t := range l.tracks {
		sender, err := fresh.AddTrack(t)
		if err != nil {
			_ = fresh.Close()
			return err
		}
		go drainRTCP(sender)
	}
	old := l.pc
	l.bind(fresh)
	go func() {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", l.peer.String()).Msg("close replaced connection")
		}
	}()
	log.Info().Str("module", "rtc").Str("peer", l.peer.String()).Msg("local offer rolled back")
	return nil
}

func (l *PeerLink) AddCandidate(c webrtc.ICECandidateInit) error {
	return l.current().AddICECandidate(c)
}

func (l *PeerLink) HasRemoteDescription() bool {
	return l.current().RemoteDescription() != nil
}

// AttachTrack adds a local track and drains RTCP for it so interceptors keep working.
func (l *PeerLink) AttachTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		return err
	}
	l.tracks = append(l.tracks, t)
	go drainRTCP(sender)
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *PeerLink) SignalingState() webrtc.SignalingState {
	return l.current().SignalingState()
}

func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pc := l.pc
	l.mu.Unlock()

	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", l.peer.String()).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("peer", l.peer.String()).Msg("closed")
	return nil
}
