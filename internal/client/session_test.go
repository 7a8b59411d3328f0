package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	httpapi "github.com/dkeye/Mesh/internal/adapters/http"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/mesh"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// stubLink negotiates without any network.
type stubLink struct {
	mu     sync.Mutex
	remote bool
}

func (l *stubLink) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "stub-offer"}, nil
}

func (l *stubLink) ApplyOffer(_ context.Context, _ webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	l.remote = true
	l.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "stub-answer"}, nil
}

func (l *stubLink) ApplyAnswer(webrtc.SessionDescription) error {
	l.mu.Lock()
	l.remote = true
	l.mu.Unlock()
	return nil
}

func (l *stubLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *stubLink) Rollback() error                            { return nil }
func (l *stubLink) AddCandidate(webrtc.ICECandidateInit) error { return nil }
func (l *stubLink) AttachTrack(webrtc.TrackLocal) error        { return nil }
func (l *stubLink) Close() error                               { return nil }

type stubFactory struct{}

func (stubFactory) NewLink(domain.ConnID, mesh.LinkHooks) (mesh.Link, error) {
	return &stubLink{}, nil
}

func newRelayServer(t *testing.T) (string, *app.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	relay := app.NewRelay(app.NewRegistry(), app.RelayOptions{})
	cfg := &config.Config{
		Mode:       "test",
		ReadLimit:  64 * 1024,
		PingPeriod: time.Second,
		PongWait:   2 * time.Second,
		WriteWait:  time.Second,
		SendBuffer: 64,
		Secret:     "test-secret",
	}
	srv := httptest.NewServer(httpapi.SetupRouter(ctx, cfg, relay))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", relay
}

func noCapture(ctx context.Context) (*media.LocalMedia, error) {
	return media.Open(ctx, media.Options{})
}

func connect(t *testing.T, ctx context.Context, url, name string) *Session {
	t.Helper()
	s, err := Connect(ctx, Options{ServerURL: url, Name: name, Factory: stubFactory{}, OpenMedia: noCapture})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	if s.Self() == "" {
		t.Fatal("no id from welcome")
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTwoSessionsNegotiateAndChat(t *testing.T) {
	url, relay := newRelayServer(t)
	ctx := context.Background()
	a := connect(t, ctx, url, "alice")
	b := connect(t, ctx, url, "bob")

	if err := a.Join("r1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice in room", func() bool { return len(relay.Registry.Members("r1")) == 1 })
	if err := b.Join("r1"); err != nil {
		t.Fatal(err)
	}

	lo, hi := a, b
	if b.Self().Less(a.Self()) {
		lo, hi = b, a
	}
	waitFor(t, "offer/answer", func() bool {
		return lo.State(hi.Self()) == mesh.StateAnswerReceived && hi.State(lo.Self()) == mesh.StateAnswerSent
	})

	ps := b.Participants()
	if len(ps) != 1 || ps[0].ID != a.Self() || ps[0].Name != "alice" {
		t.Fatalf("bob's participants = %+v", ps)
	}
	if !a.Sink().Mounted(b.Self()) || !b.Sink().Mounted(a.Self()) {
		t.Fatal("views should be mounted for every participant")
	}

	if err := a.Chat("hello"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Session{a, b} {
		select {
		case m := <-s.Messages():
			if m.Sender != "alice" || m.Message != "hello" {
				t.Fatalf("message = %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s got no chat message", s.Name())
		}
	}

	a.Close()
	waitFor(t, "alice gone", func() bool {
		return len(b.Participants()) == 0 && !b.Sink().Mounted(a.Self())
	})
	if m := relay.Registry.Members("r1"); len(m) != 1 || m[0].ID != b.Self() {
		t.Fatalf("members = %+v", m)
	}
}

func TestJoinWithoutMediaSendsNothing(t *testing.T) {
	url, relay := newRelayServer(t)
	ctx := context.Background()
	s, err := Connect(ctx, Options{
		ServerURL: url,
		Factory:   stubFactory{},
		OpenMedia: func(context.Context) (*media.LocalMedia, error) {
			return nil, fmt.Errorf("%w: no camera", media.ErrCaptureUnavailable)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Join("r2"); !errors.Is(err, media.ErrCaptureUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if s.Room() != "" || s.Media() != nil {
		t.Fatal("failed join must not leave state behind")
	}
	// A second session joining proves the relay never saw the first join.
	other := connect(t, ctx, url, "bob")
	if err := other.Join("r2"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob in room", func() bool { return len(relay.Registry.Members("r2")) == 1 })
	if m := relay.Registry.Members("r2"); m[0].ID != other.Self() {
		t.Fatalf("members = %+v", m)
	}
}

func TestJoinErrors(t *testing.T) {
	url, _ := newRelayServer(t)
	ctx := context.Background()
	s := connect(t, ctx, url, "carol")

	if err := s.Join(""); !errors.Is(err, ErrMissingRoomID) {
		t.Fatalf("empty room = %v", err)
	}
	if err := s.Chat("x"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("chat outside a room = %v", err)
	}
	if err := s.Join("r3"); err != nil {
		t.Fatal(err)
	}
	if err := s.Join("r4"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join = %v", err)
	}
	if s.Media() == nil {
		t.Fatal("media should be held while in a room")
	}
	s.Leave()
	if s.Room() != "" || s.Media() != nil {
		t.Fatal("leave clears the room")
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	url, relay := newRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := connect(t, ctx, url, "dave")
	if err := s.Join("r5"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dave in room", func() bool { return relay.Registry.RoomExists("r5") })

	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	waitFor(t, "relay cleanup", func() bool { return relay.ConnCount() == 0 && !relay.Registry.RoomExists("r5") })
	if err := s.Chat("late"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("chat after close = %v", err)
	}
}
