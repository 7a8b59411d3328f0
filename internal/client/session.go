package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingRoomID = errors.New("client: room id is required")
	ErrAlreadyJoined = errors.New("client: already in a room")
	ErrNotJoined     = errors.New("client: not in a room")
)

const welcomeTimeout = 10 * time.Second

type Options struct {
	ServerURL   string
	Name        string
	Glare       mesh.GlarePolicy
	MaxRestarts int
	Factory     mesh.LinkFactory
	// OpenMedia acquires the local tracks when joining.
	OpenMedia func(ctx context.Context) (*media.LocalMedia, error)
}

type ChatMessage struct {
	Sender  string
	Message string
}

// Session is one participant's connection to the relay: the signaling
// channel, the mesh of links of the current room and the local media.
type Session struct {
	opts Options
	self domain.ConnID
	sig  *SignalClient
	sink *media.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	room  domain.RoomID
	orch  *mesh.Orchestrator
	local *media.LocalMedia

	messages   chan ChatMessage
	dispatched chan struct{}
	closeOnce  sync.Once
}

// Connect dials the relay and waits for the welcome carrying this
// session's id. The session ends when ctx is cancelled or Close is called.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if opts.Factory == nil {
		return nil, errors.New("client: link factory is required")
	}
	if opts.OpenMedia == nil {
		opts.OpenMedia = func(ctx context.Context) (*media.LocalMedia, error) {
			return media.Open(ctx, media.Options{})
		}
	}
	opts.Name = domain.NormalizeName(opts.Name)

	sig, err := Dial(ctx, opts.ServerURL)
	if err != nil {
		return nil, err
	}

	wctx, wcancel := context.WithTimeout(ctx, welcomeTimeout)
	defer wcancel()
	var self domain.ConnID
	select {
	case env, ok := <-sig.Incoming():
		if !ok || env.Type != protocol.TypeWelcome || env.ID == "" {
			sig.Close()
			return nil, fmt.Errorf("client: expected welcome, got %q", env.Type)
		}
		self = env.ID
	case <-wctx.Done():
		sig.Close()
		return nil, fmt.Errorf("client: waiting for welcome: %w", wctx.Err())
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		opts:       opts,
		self:       self,
		sig:        sig,
		sink:       media.NewSink(),
		ctx:        sctx,
		cancel:     cancel,
		messages:   make(chan ChatMessage, 32),
		dispatched: make(chan struct{}),
	}
	go s.dispatch()
	go func() {
		select {
		case <-sctx.Done():
			s.Close()
		case <-s.dispatched:
		}
	}()

	log.Info().Str("module", "client").Str("conn", self.String()).Str("name", opts.Name).Msg("session started")
	return s, nil
}

func (s *Session) Self() domain.ConnID { return s.self }
func (s *Session) Name() string        { return s.opts.Name }
func (s *Session) Sink() *media.Sink   { return s.sink }

// Done is closed once the relay connection is gone.
func (s *Session) Done() <-chan struct{} { return s.dispatched }

// Messages delivers chat messages of the current room. Messages are dropped
// when the reader falls behind.
func (s *Session) Messages() <-chan ChatMessage { return s.messages }

func (s *Session) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Media is nil outside a room.
func (s *Session) Media() *media.LocalMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Participants() []domain.Participant {
	if o := s.orchestrator(); o != nil {
		return o.Participants()
	}
	return nil
}

func (s *Session) State(id domain.ConnID) mesh.State {
	if o := s.orchestrator(); o != nil {
		return o.State(id)
	}
	return mesh.StateAbsent
}

// Join acquires local media for the lifetime of the session and then joins
// room. When media cannot be acquired nothing is sent to the relay.
func (s *Session) Join(room domain.RoomID) error {
	if room == "" {
		return ErrMissingRoomID
	}
	s.mu.Lock()
	if s.room != "" {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	local, err := s.opts.OpenMedia(s.ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("room", room.String()).Msg("media unavailable, not joining")
		return fmt.Errorf("join %s: %w", room, err)
	}

	orch := mesh.NewOrchestrator(s.ctx, s.self, s.opts.Factory, s.sig, s.sink, mesh.Options{
		Glare:       s.opts.Glare,
		MaxRestarts: s.opts.MaxRestarts,
		Tracks:      local.Tracks(),
	})

	s.mu.Lock()
	if s.room != "" {
		s.mu.Unlock()
		orch.Close()
		local.Close()
		return ErrAlreadyJoined
	}
	s.room, s.orch, s.local = room, orch, local
	s.mu.Unlock()

	if err := s.sig.Send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: room, Name: s.opts.Name}); err != nil {
		s.Leave()
		return fmt.Errorf("join %s: %w", room, err)
	}
	log.Info().Str("module", "client").Str("conn", s.self.String()).Str("room", room.String()).Msg("join sent")
	return nil
}

// Leave sends leave-room, closes every link and stops local media.
func (s *Session) Leave() {
	s.mu.Lock()
	room, orch, local := s.room, s.orch, s.local
	s.room, s.orch, s.local = "", nil, nil
	s.mu.Unlock()
	if room == "" {
		return
	}

	if err := s.sig.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: room}); err != nil {
		log.Debug().Err(err).Str("module", "client").Str("room", room.String()).Msg("leave not sent")
	}
	orch.Close()
	local.Close()
	for _, id := range s.sink.Views() {
		s.sink.Unmount(id)
	}
	log.Info().Str("module", "client").Str("conn", s.self.String()).Str("room", room.String()).Msg("left room")
}

func (s *Session) Chat(message string) error {
	room := s.Room()
	if room == "" {
		return ErrNotJoined
	}
	return s.sig.Send(protocol.Envelope{Type: protocol.TypeSendMessage, RoomID: room, Message: message, Sender: s.opts.Name})
}

func (s *Session) Ping() error {
	return s.sig.Send(protocol.Envelope{Type: protocol.TypePing})
}

// Close leaves the room and closes the relay connection. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Leave()
		s.sig.Close()
		<-s.dispatched
		s.cancel()
		log.Info().Str("module", "client").Str("conn", s.self.String()).Msg("session closed")
	})
}

func (s *Session) orchestrator() *mesh.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

func (s *Session) dispatch() {
	defer close(s.dispatched)
	for env := range s.sig.Incoming() {
		s.handle(env)
	}
	// Connection lost: tear the room down locally.
	s.Leave()
	log.Info().Str("module", "client").Str("conn", s.self.String()).Msg("relay connection ended")
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeReceiveMessage:
		select {
		case s.messages <- ChatMessage{Sender: env.Sender, Message: env.Message}:
		default:
			log.Warn().Str("module", "client").Msg("chat reader behind, message dropped")
		}
		return
	case protocol.TypeError:
		log.Warn().Str("module", "client").Str("error", env.Error).Msg("relay error")
		return
	case protocol.TypePong:
		log.Debug().Str("module", "client").Msg("pong")
		return
	}

	o := s.orchestrator()
	if o == nil {
		log.Debug().Str("module", "client").Str("type", env.Type).Msg("not in a room, event ignored")
		return
	}
	switch env.Type {
	case protocol.TypeRoster:
		for _, m := range env.Members {
			s.mount(m.ID)
		}
		o.HandleRoster(env.Members)
		for _, m := range env.Members {
			o.MountView(m.ID)
		}
	case protocol.TypeParticipantJoined:
		p := domain.NewParticipant(env.ID, env.Name)
		s.mount(p.ID)
		o.HandleParticipantJoined(p)
		o.MountView(p.ID)
	case protocol.TypeParticipantLeft:
		o.HandleParticipantLeft(env.ID)
		s.sink.Unmount(env.ID)
	case protocol.TypeOffer:
		o.HandleOffer(env.From, env.Payload)
	case protocol.TypeAnswer:
		o.HandleAnswer(env.From, env.Payload)
	case protocol.TypeICECandidate:
		o.HandleCandidate(env.From, env.Payload)
	default:
		log.Debug().Str("module", "client").Str("type", env.Type).Msg("unhandled event")
	}
}

func (s *Session) mount(id domain.ConnID) {
	if id != "" && id != s.self {
		s.sink.Mount(id)
	}
}
