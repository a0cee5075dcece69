package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

var (
	ErrNegotiation = errors.New("webrtcpeer: negotiation failed")

	ErrRemoteDescriptionSet = fmt.Errorf("%w: a different remote description is already set", ErrNegotiation)
	ErrAnswerCreated        = fmt.Errorf("%w: answer already created", ErrNegotiation)
	ErrNoRemoteOffer        = fmt.Errorf("%w: no remote offer", ErrNegotiation)
	ErrOfferCreated         = fmt.Errorf("%w: offer already created", ErrNegotiation)

	ErrTrackAttached = errors.New("webrtcpeer: track already attached")
	ErrClosed        = errors.New("webrtcpeer: peer closed")
)

// State mirrors webrtc.PeerConnectionState. Closed is terminal.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func stateFromPion(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Peer owns one PeerConnection and the media flowing through it.
//
// negMu serializes description changes and candidate application so a
// candidate is never applied between a remote description being accepted
// and the queue being flushed. mu guards plain fields and is never held
// across a pion call, because pion invokes callbacks from its own
// goroutines and those take mu.
type Peer struct {
	pc      *webrtc.PeerConnection
	log     *slog.Logger
	metrics *metrics.Metrics
	remote  *media.RemoteStream

	// addTrack is pc.AddTrack; tests replace it to fail mid-stream.
	addTrack func(webrtc.TrackLocal) (*webrtc.RTPSender, error)

	negMu         sync.Mutex
	remoteDesc    *webrtc.SessionDescription
	offerCreated  bool
	answerCreated bool
	pending       []webrtc.ICECandidateInit

	mu           sync.Mutex
	local        *media.Stream
	attached     map[*media.Track]*webrtc.RTPSender
	negotiations int
	state        State
	closed       bool
	onCandidate  func(webrtc.ICECandidateInit)
	candBuf      []webrtc.ICECandidateInit
	onTrack      func(*media.RemoteTrack)
	onState      func(State)

	closeOnce sync.Once
	closeErr  error
}

// New creates a peer connection from api. Any failure wraps
// ErrUnsupportedEnvironment.
func New(api *webrtc.API, cfg webrtc.Configuration, logger *slog.Logger, m *metrics.Metrics) (*Peer, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: nil API", ErrUnsupportedEnvironment)
	}
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", ErrUnsupportedEnvironment, err)
	}

	p := &Peer{
		pc:       pc,
		log:      logger.With("component", "webrtcpeer"),
		metrics:  m,
		remote:   media.NewRemoteStream(),
		attached: make(map[*media.Track]*webrtc.RTPSender),
	}
	p.addTrack = pc.AddTrack

	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.setState(stateFromPion(s))
	})
	return p, nil
}

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidate) {
	// nil marks end of gathering.
	if c == nil {
		return
	}
	init := c.ToJSON()
	if init.Candidate == "" {
		return
	}
	p.mu.Lock()
	fn := p.onCandidate
	if fn == nil && !p.closed {
		p.candBuf = append(p.candBuf, init)
	}
	p.mu.Unlock()
	if fn != nil {
		fn(init)
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := p.remote.Add(track)
	p.metrics.Inc(metrics.RemoteTracks)
	p.log.Info("remote track", "kind", track.Kind().String(), "track_id", track.ID(), "codec", track.Codec().MimeType)

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(rt)
	}
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.state == StateClosed || p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.onState
	p.mu.Unlock()

	p.log.Debug("connection state", "state", s.String())
	if fn != nil {
		fn(s)
	}
}

// OnLocalCandidate registers fn for every gathered local candidate.
// Candidates gathered before registration are delivered immediately, in
// order. End-of-candidates is not delivered.
func (p *Peer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	buf := p.candBuf
	p.candBuf = nil
	p.onCandidate = fn
	p.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range buf {
		fn(c)
	}
}

// OnRemoteTrack registers fn for each remote track, after it has been added
// to RemoteStream.
func (p *Peer) OnRemoteTrack(fn func(*media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NegotiationCount is the number of local descriptions created. Toggling
// media never changes it.
func (p *Peer) NegotiationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiations
}

// RemoteStream is created with the peer and never replaced.
func (p *Peer) RemoteStream() *media.RemoteStream { return p.remote }

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) LocalStream() *media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) SenderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attached)
}

// AttachLocalStream adds every track of s to the connection. It must run
// before CreateOffer/CreateAnswer for the tracks to be negotiated.
func (p *Peer) AttachLocalStream(s *media.Stream) error {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	for _, t := range s.Tracks() {
		if _, ok := p.attached[t]; ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrTrackAttached, t.ID())
		}
	}
	p.mu.Unlock()

	var added []*webrtc.RTPSender
	for _, t := range s.Tracks() {
		sender, err := p.addTrack(t)
		if err != nil {
			err = fmt.Errorf("%w: add %s track: %v", ErrNegotiation, t.Kind(), err)
			return errors.Join(err, p.detach(s, added))
		}
		added = append(added, sender)
		p.mu.Lock()
		p.attached[t] = sender
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.local = s
	p.mu.Unlock()
	for _, sender := range added {
		go p.readRTCP(sender)
	}
	return nil
}

// detach removes the senders of a partially attached stream so nothing of
// it stays on the connection.
func (p *Peer) detach(s *media.Stream, senders []*webrtc.RTPSender) error {
	var errs []error
	for _, sender := range senders {
		if err := p.pc.RemoveTrack(sender); err != nil {
			errs = append(errs, fmt.Errorf("remove sender: %w", err))
		}
	}
	p.mu.Lock()
	for _, t := range s.Tracks() {
		delete(p.attached, t)
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}

// readRTCP drains a sender's RTCP so interceptors keep running, counting
// key frame requests from the remote side.
func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Debug("rtcp reader stopped", "err", err)
			}
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.metrics.Inc(metrics.RTCPPictureLoss)
			case *rtcp.FullIntraRequest:
				p.metrics.Inc(metrics.RTCPFullIntraFrame)
			}
		}
	}
}

// CreateOffer creates and sets the local offer. Without a local stream the
// offer receives audio and video only.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if err := p.checkOpen(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.offerCreated {
		return webrtc.SessionDescription{}, ErrOfferCreated
	}
	if p.LocalStream() == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("%w: add recvonly %s transceiver: %v", ErrNegotiation, kind, err)
			}
		}
		p.log.Warn("no local stream; offering receive-only")
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	p.offerCreated = true
	p.countNegotiation()
	p.metrics.Inc(metrics.OffersCreated)
	return offer, nil
}

// CreateAnswer answers the remote offer and sets the answer locally.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if err := p.checkOpen(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.answerCreated {
		return webrtc.SessionDescription{}, ErrAnswerCreated
	}
	if p.remoteDesc == nil || p.remoteDesc.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	p.answerCreated = true
	p.countNegotiation()
	p.metrics.Inc(metrics.AnswersCreated)
	return answer, nil
}

func (p *Peer) countNegotiation() {
	p.mu.Lock()
	p.negotiations++
	p.mu.Unlock()
}

// SetRemoteDescription applies desc once. Applying the same description
// again is a no-op; a different one fails with ErrRemoteDescriptionSet.
// Candidates queued before the description are applied afterwards in
// arrival order; their failures are joined into the returned error but do
// not undo the description.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if err := p.checkOpen(); err != nil {
		return err
	}
	if p.remoteDesc != nil {
		if p.remoteDesc.Type == desc.Type && p.remoteDesc.SDP == desc.SDP {
			return nil
		}
		return ErrRemoteDescriptionSet
	}
	if err := validateSDP(desc); err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	applied := desc
	p.remoteDesc = &applied

	queued := p.pending
	p.pending = nil
	var errs []error
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("%w: queued candidate %q: %v", ErrNegotiation, c.Candidate, err))
			continue
		}
		p.metrics.Inc(metrics.CandidatesApplied)
	}
	if len(queued) > 0 {
		p.log.Debug("flushed queued candidates", "count", len(queued), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func validateSDP(desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return fmt.Errorf("%w: unsupported remote description type %q", ErrNegotiation, desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", ErrNegotiation, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: sdp has no media sections", ErrNegotiation)
	}
	return nil
}

// HasRemoteDescription reports whether SetRemoteDescription has succeeded.
func (p *Peer) HasRemoteDescription() bool {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	return p.remoteDesc != nil
}

// AddRemoteCandidate applies c, or queues it until the remote description
// is set. An empty candidate (end-of-candidates) is ignored.
func (p *Peer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if err := p.checkOpen(); err != nil {
		return err
	}
	if p.remoteDesc == nil {
		p.pending = append(p.pending, c)
		p.metrics.Inc(metrics.CandidatesQueued)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate %q: %v", ErrNegotiation, c.Candidate, err)
	}
	p.metrics.Inc(metrics.CandidatesApplied)
	return nil
}

// PendingCandidates is the number of remote candidates waiting for the
// remote description.
func (p *Peer) PendingCandidates() int {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	return len(p.pending)
}

func (p *Peer) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the connection. The local stream is owned by the caller and
// left open. Safe to call more than once and from any state.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.candBuf = nil
		p.mu.Unlock()

		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("close peer connection: %w", err)
		}
		p.setState(StateClosed)
	})
	return p.closeErr
}
