package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateMuted:
		return "muted"
	case TrackStateStopped:
		return "stopped"
	}
	return "unknown"
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Track is one outgoing local track. The capture pump writes to it only
// while it is live.
type Track struct {
	Local *webrtc.TrackLocalStaticRTP

	out     rtpWriter
	state   atomic.Int32 // zero by default (TrackStateLive)
	written atomic.Uint64
	dropped atomic.Uint64
}

func newTrack(local *webrtc.TrackLocalStaticRTP) *Track {
	return &Track{Local: local, out: local}
}

func (t *Track) State() TrackState {
	return TrackState(t.state.Load())
}

func (t *Track) Enabled() bool {
	return t.State() == TrackStateLive
}

// SetEnabled flips between live and muted. A stopped track stays stopped.
func (t *Track) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *Track) markStopped() {
	t.state.Store(int32(TrackStateStopped))
}

// Written counts packets handed to the outgoing track.
func (t *Track) Written() uint64 {
	return t.written.Load()
}

// Dropped counts packets discarded while the track was muted.
func (t *Track) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Track) write(pkt *rtp.Packet) error {
	if err := t.out.WriteRTP(pkt); err != nil {
		return err
	}
	t.written.Add(1)
	return nil
}
