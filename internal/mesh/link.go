// Package mesh turns relayed negotiation events into one direct link per
// remote participant.
package mesh

import (
	"context"
	"errors"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Link is one direct connection to a remote participant.
// Implementations do not need to be safe for concurrent negotiation calls:
// the orchestrator sequences them per link.
type Link interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards a local offer that lost a collision.
	Rollback() error
	AddCandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	AttachTrack(t webrtc.TrackLocal) error
	Close() error
}

type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkHooks are invoked from the link's own goroutines.
type LinkHooks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnTrack     func(RemoteTrack)
	OnState     func(LinkState)
}

type LinkFactory interface {
	NewLink(peer domain.ConnID, hooks LinkHooks) (Link, error)
}

// RemoteTrack is the receiving end of a remote media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Signaler sends events to the relay. Must be safe for concurrent use.
type Signaler interface {
	Send(env protocol.Envelope) error
}

// Renderer shows remote media. A view must be mounted before tracks can be
// attached to it.
type Renderer interface {
	Mounted(peer domain.ConnID) bool
	Attach(peer domain.ConnID, track RemoteTrack) error
	Detach(peer domain.ConnID)
}

// State of the negotiation with one remote participant.
type State int

const (
	StateAbsent State = iota
	StateLinkCreated
	StateOfferSent
	StateAnswerReceived
	StateAnswerSent
	StateMediaFlowing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateLinkCreated:
		return "link_created"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerReceived:
		return "answer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateMediaFlowing:
		return "media_flowing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// GlarePolicy decides who offers when two participants discover each other.
type GlarePolicy int

const (
	// GlareTieBreak lets only the side with the smaller id offer.
	GlareTieBreak GlarePolicy = iota
	// GlareAlways makes every discoverer offer; collisions are resolved by id.
	GlareAlways
)

func ParseGlarePolicy(s string) (GlarePolicy, error) {
	switch s {
	case "", "tiebreak":
		return GlareTieBreak, nil
	case "always":
		return GlareAlways, nil
	}
	return GlareTieBreak, errors.New("mesh: unknown glare policy " + s)
}
