// Package media provides the local outgoing tracks and a headless sink for
// remote ones.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrCaptureUnavailable = errors.New("media: capture unavailable")

const maxPacketSize = 1500

// Options names the UDP addresses raw RTP is captured from, for example
// what `ffmpeg ... -f rtp rtp://127.0.0.1:5004` produces. An empty address
// leaves that track silent.
type Options struct {
	StreamID  string
	AudioAddr string
	VideoAddr string
}

// LocalMedia owns the local audio and video tracks and the pumps feeding them.
type LocalMedia struct {
	Audio *Track
	Video *Track

	cancel context.CancelFunc
	conns  []net.PacketConn
	wg     sync.WaitGroup
	once   sync.Once
}

// Open creates both tracks and starts capturing. It fails with
// ErrCaptureUnavailable when a capture address cannot be opened.
func Open(ctx context.Context, opts Options) (*LocalMedia, error) {
	if opts.StreamID == "" {
		opts.StreamID = "mesh"
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", opts.StreamID)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %w", ErrCaptureUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", opts.StreamID)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %w", ErrCaptureUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &LocalMedia{Audio: newTrack(audio), Video: newTrack(video), cancel: cancel}

	for _, src := range []struct {
		addr  string
		track *Track
	}{{opts.AudioAddr, m.Audio}, {opts.VideoAddr, m.Video}} {
		if src.addr == "" {
			continue
		}
		conn, err := net.ListenPacket("udp", src.addr)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: listen %s: %w", ErrCaptureUnavailable, src.addr, err)
		}
		m.conns = append(m.conns, conn)
		m.wg.Add(1)
		go func(t *Track) {
			defer m.wg.Done()
			pump(ctx, conn, t)
		}(src.track)
		log.Info().Str("module", "media").Str("addr", conn.LocalAddr().String()).Str("track_id", src.track.Local.ID()).Msg("capturing RTP")
	}
	return m, nil
}

// Tracks returns the tracks to attach to every link.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.Audio.Local, m.Video.Local}
}

func (m *LocalMedia) SetAudioEnabled(on bool) { m.set(m.Audio, on) }
func (m *LocalMedia) SetVideoEnabled(on bool) { m.set(m.Video, on) }

// ToggleAudio flips the audio track and returns whether it is now enabled.
func (m *LocalMedia) ToggleAudio() bool {
	m.set(m.Audio, !m.Audio.Enabled())
	return m.Audio.Enabled()
}

func (m *LocalMedia) ToggleVideo() bool {
	m.set(m.Video, !m.Video.Enabled())
	return m.Video.Enabled()
}

func (m *LocalMedia) set(t *Track, on bool) {
	t.SetEnabled(on)
	log.Info().Str("module", "media").Str("track_id", t.Local.ID()).Str("state", t.State().String()).Msg("track toggled")
}

// Close stops both pumps and waits for them.
func (m *LocalMedia) Close() {
	m.once.Do(func() {
		m.cancel()
		m.Audio.markStopped()
		m.Video.markStopped()
		for _, c := range m.conns {
			_ = c.Close()
		}
		m.wg.Wait()
		log.Info().Str("module", "media").Msg("local media stopped")
	})
}

// pump reads RTP packets from src and forwards them to t until ctx ends, src
// fails or t is stopped. Packets arriving while t is muted are dropped.
func pump(ctx context.Context, src net.PacketConn, t *Track) {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			t.markStopped()
			return
		default:
		}
		n, _, err := src.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Str("module", "media").Msg("capture read error, stopping")
			}
			t.markStopped()
			return
		}

		switch t.State() {
		case TrackStateStopped:
			return
		case TrackStateMuted:
			t.dropped.Add(1)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("not an RTP packet")
			continue
		}
		if err := t.write(pkt); err != nil {
			log.Error().Err(err).Str("module", "media").Str("track_id", t.Local.ID()).Msg("write RTP error, stopping track")
			t.markStopped()
			return
		}
	}
}
