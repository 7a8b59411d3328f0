package media

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type fakeWriter struct {
	mu   sync.Mutex
	seqs []uint16
}

func (w *fakeWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *fakeWriter) snapshot() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.seqs...)
}

func testTrack(t *testing.T, out rtpWriter) *Track {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	tr := newTrack(local)
	tr.out = out
	return tr
}

func sendRTP(t *testing.T, conn net.Conn, seq uint16) {
	t.Helper()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, SSRC: 1}, Payload: []byte{1, 2, 3}}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPumpForwardsAndDropsWhileMuted(t *testing.T) {
	src, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	tr := testTrack(t, w)

	done := make(chan struct{})
	go func() {
		pump(context.Background(), src, tr)
		close(done)
	}()

	conn, err := net.Dial("udp", src.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendRTP(t, conn, 1)
	waitFor(t, func() bool { return len(w.snapshot()) == 1 })

	tr.SetEnabled(false)
	sendRTP(t, conn, 2)
	waitFor(t, func() bool { return tr.Dropped() == 1 })
	tr.SetEnabled(true)
	// A non-RTP datagram is skipped.
	_, _ = conn.Write([]byte{0})
	sendRTP(t, conn, 3)
	waitFor(t, func() bool { return len(w.snapshot()) == 2 })

	if got := w.snapshot(); got[0] != 1 || got[1] != 3 {
		t.Fatalf("forwarded = %v", got)
	}
	if tr.Written() != 2 {
		t.Fatalf("written = %d", tr.Written())
	}

	_ = src.Close()
	<-done
	if tr.State() != TrackStateStopped {
		t.Fatalf("state after close = %s", tr.State())
	}
}

func TestStoppedTrackStaysStopped(t *testing.T) {
	tr := testTrack(t, &fakeWriter{})
	tr.markStopped()
	tr.SetEnabled(true)
	if tr.State() != TrackStateStopped {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestOpenCapturesAndToggles(t *testing.T) {
	m, err := Open(context.Background(), Options{AudioAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if len(m.Tracks()) != 2 {
		t.Fatalf("tracks = %d", len(m.Tracks()))
	}
	if m.ToggleAudio() {
		t.Fatal("audio should be muted after the first toggle")
	}
	if !m.ToggleAudio() {
		t.Fatal("audio should be live after the second toggle")
	}
	m.SetVideoEnabled(false)
	if m.Video.Enabled() || !m.Audio.Enabled() {
		t.Fatal("video and audio flags are independent")
	}

	m.Close()
	if m.Audio.State() != TrackStateStopped || m.Video.State() != TrackStateStopped {
		t.Fatal("close stops both tracks")
	}
}

func TestOpenFailsWhenCaptureUnavailable(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	_, err = Open(context.Background(), Options{VideoAddr: busy.LocalAddr().String()})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

type fakeRemote struct {
	id   string
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func (f *fakeRemote) ID() string                { return f.id }
func (f *fakeRemote) StreamID() string          { return "s" }
func (f *fakeRemote) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeRemote) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-f.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func TestSinkCountsAttachedTracks(t *testing.T) {
	s := NewSink()
	peer := domain.ConnID("p1")
	remote := &fakeRemote{id: "a1", kind: webrtc.RTPCodecTypeAudio, pkts: make(chan *rtp.Packet, 4)}

	if err := s.Attach(peer, remote); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("attach before mount = %v", err)
	}

	s.Mount(peer)
	if !s.Mounted(peer) {
		t.Fatal("mounted")
	}
	if err := s.Attach(peer, remote); err != nil {
		t.Fatal(err)
	}
	remote.pkts <- &rtp.Packet{Payload: make([]byte, 10)}
	remote.pkts <- &rtp.Packet{Payload: make([]byte, 5)}
	close(remote.pkts)

	s.mu.Lock()
	st := s.views[peer].tracks["a1"]
	s.mu.Unlock()
	<-st.done

	stats := s.Stats(peer)
	if len(stats) != 1 || stats[0].Packets != 2 || stats[0].Bytes != 15 || stats[0].Kind != "audio" {
		t.Fatalf("stats = %+v", stats)
	}

	s.Detach(peer)
	if !s.Mounted(peer) || len(s.Stats(peer)) != 0 {
		t.Fatal("detach keeps the view but drops its tracks")
	}
	s.Unmount(peer)
	if s.Mounted(peer) || len(s.Views()) != 0 {
		t.Fatal("unmount removes the view")
	}
}
