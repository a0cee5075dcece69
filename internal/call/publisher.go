package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// candidatePublisher appends local candidates to the store in gathering
// order from its own goroutine. Until open is called candidates are only
// buffered; the callee opens it once its answer is published.
type candidatePublisher struct {
	adapter *signaling.Adapter
	ref     signaling.CallRef
	side    signaling.Side
	onErr   func(error)

	mu      sync.Mutex
	candBuf []webrtc.ICECandidateInit
	opened  bool
	wake    chan struct{}
}

func newCandidatePublisher(adapter *signaling.Adapter, ref signaling.CallRef, side signaling.Side, onErr func(error)) *candidatePublisher {
	return &candidatePublisher{
		adapter: adapter,
		ref:     ref,
		side:    side,
		onErr:   onErr,
		wake:    make(chan struct{}, 1),
	}
}

func (p *candidatePublisher) push(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	p.candBuf = append(p.candBuf, c)
	p.mu.Unlock()
	p.signal()
}

func (p *candidatePublisher) open() {
	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()
	p.signal()
}

func (p *candidatePublisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *candidatePublisher) take() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	out := p.candBuf
	p.candBuf = nil
	return out
}

// run publishes until ctx is done or an append fails. The first failure is
// reported through onErr and ends publishing.
func (p *candidatePublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		for _, c := range p.take() {
			if err := p.adapter.AppendCandidate(ctx, p.ref, p.side, signaling.CandidateFromPion(c)); err != nil {
				if ctx.Err() == nil {
					p.onErr(err)
				}
				return
			}
		}
	}
}
