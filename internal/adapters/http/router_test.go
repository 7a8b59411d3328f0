package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:           "test",
		ReadLimit:      64 * 1024,
		PingPeriod:     time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		SendBuffer:     64,
		AllowedOrigins: []string{"http://localhost:5173"},
		Secret:         "test-secret",
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *app.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	relay := app.NewRelay(app.NewRegistry(), app.RelayOptions{})
	srv := httptest.NewServer(SetupRouter(ctx, testConfig(), relay))
	t.Cleanup(srv.Close)
	return srv, relay
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func checkRoom(t *testing.T, base, id string) bool {
	t.Helper()
	resp, err := http.Get(base + "/check-room/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out CheckRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Exists
}

func TestCreateAndCheckRoom(t *testing.T) {
	srv, _ := newTestServer(t)

	if checkRoom(t, srv.URL, "r1") {
		t.Fatal("r1 should not exist yet")
	}

	resp, body := postJSON(t, srv.URL+"/create-room", `{"roomId":"r1"}`)
	if resp.StatusCode != http.StatusCreated || body["message"] != "Room created" {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	resp, body = postJSON(t, srv.URL+"/create-room", `{"roomId":"r1"}`)
	if resp.StatusCode != http.StatusOK || body["message"] != "Room already exists" {
		t.Fatalf("second create = %d %v", resp.StatusCode, body)
	}
	if !checkRoom(t, srv.URL, "r1") {
		t.Fatal("r1 should exist after create")
	}
}

func TestCreateRoomBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, body := range []string{`{}`, `{"roomId":"  "}`, `not json`} {
		resp, out := postJSON(t, srv.URL+"/create-room", body)
		if resp.StatusCode != http.StatusBadRequest || out["error"] == nil {
			t.Fatalf("body %q: %d %v", body, resp.StatusCode, out)
		}
	}
}

func TestListRoomsAndHealth(t *testing.T) {
	srv, relay := newTestServer(t)
	_, _ = relay.Registry.CreateRoom("b")
	_, _ = relay.Registry.CreateRoom("a")

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out RoomsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Rooms) != 2 || out.Rooms[0].ID != "a" {
		t.Fatalf("rooms = %+v", out.Rooms)
	}

	h, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	h.Body.Close()
	if h.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", h.StatusCode)
	}
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   domain.ConnID
}

func dial(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	welcome := p.next()
	if welcome.Type != protocol.TypeWelcome || welcome.ID == "" {
		t.Fatalf("first frame = %+v", welcome)
	}
	p.id = welcome.ID
	return p
}

func (p *wsPeer) send(env protocol.Envelope) {
	p.t.Helper()
	if err := p.conn.WriteJSON(env); err != nil {
		p.t.Fatal(err)
	}
}

func (p *wsPeer) next() protocol.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := p.conn.ReadJSON(&env); err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return env
}

func (p *wsPeer) expect(kind string) protocol.Envelope {
	p.t.Helper()
	env := p.next()
	if env.Type != kind {
		p.t.Fatalf("got %+v, want type %s", env, kind)
	}
	return env
}

func TestWebSocketThreePeerFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	a, b, c := dial(t, srv), dial(t, srv), dial(t, srv)

	a.send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "r1", Name: "Ann"})
	if roster := a.expect(protocol.TypeRoster); len(roster.Members) != 0 {
		t.Fatalf("A roster = %+v", roster.Members)
	}

	b.send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "r1", Name: "Bob"})
	if roster := b.expect(protocol.TypeRoster); len(roster.Members) != 1 || roster.Members[0].ID != a.id {
		t.Fatalf("B roster = %+v", roster.Members)
	}
	if joined := a.expect(protocol.TypeParticipantJoined); joined.ID != b.id || joined.Name != "Bob" {
		t.Fatalf("A notice = %+v", joined)
	}

	c.send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "r1", Name: "Cid"})
	roster := c.expect(protocol.TypeRoster)
	if len(roster.Members) != 2 || roster.Members[0].ID != a.id || roster.Members[1].ID != b.id {
		t.Fatalf("C roster = %+v", roster.Members)
	}
	a.expect(protocol.TypeParticipantJoined)
	b.expect(protocol.TypeParticipantJoined)

	c.send(protocol.Outbound(protocol.TypeOffer, a.id, json.RawMessage(`{"type":"offer","sdp":"x"}`)))
	offer := a.expect(protocol.TypeOffer)
	if offer.From != c.id || string(offer.Payload) != `{"type":"offer","sdp":"x"}` {
		t.Fatalf("A offer = %+v", offer)
	}

	b.conn.Close()
	if left := a.expect(protocol.TypeParticipantLeft); left.ID != b.id {
		t.Fatalf("A left = %+v", left)
	}
	if left := c.expect(protocol.TypeParticipantLeft); left.ID != b.id {
		t.Fatalf("C left = %+v", left)
	}

	a.send(protocol.Envelope{Type: protocol.TypeSendMessage, RoomID: "r1", Message: "hi", Sender: "Ann"})
	for _, p := range []*wsPeer{a, c} {
		if msg := p.expect(protocol.TypeReceiveMessage); msg.Message != "hi" || msg.Sender != "Ann" {
			t.Fatalf("chat = %+v", msg)
		}
	}
}

func TestWebSocketJoinWithoutRoomAndPing(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)

	a.send(protocol.Envelope{Type: protocol.TypeJoinRoom, Name: "Ann"})
	if e := a.expect(protocol.TypeError); e.Error == "" {
		t.Fatal("error event without message")
	}

	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	a.send(protocol.Envelope{Type: protocol.TypePing})
	a.expect(protocol.TypePong)
}

func TestWebSocketDisconnectRemovesRoom(t *testing.T) {
	srv, relay := newTestServer(t)
	a := dial(t, srv)
	a.send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "solo", Name: "Ann"})
	a.expect(protocol.TypeRoster)
	a.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for relay.Registry.RoomExists("solo") {
		if time.Now().After(deadline) {
			t.Fatal("room still present after its only member disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("dial with foreign origin succeeded")
	}
	if resp != nil && resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
