package mesh

import (
	"context"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// peer is the local view of one remote participant. Everything except the
// state field is touched only from the peer's task queue.
type peer struct {
	id   domain.ConnID
	name string
	seq  uint64

	ctx    context.Context
	cancel context.CancelFunc
	queue  *taskQueue

	link Link
	// gen increments with every new link so hooks of a replaced link are ignored.
	gen               int
	restarts          int
	pendingCandidates []webrtc.ICECandidateInit
	pendingTracks     []RemoteTrack

	mu    sync.Mutex
	state State
}

func (p *peer) getState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
