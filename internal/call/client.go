// Package call runs one side of a call: the caller publishes an offer and
// waits for an answer, the callee fetches the offer and publishes an answer,
// and both trickle ICE candidates through the signaling store.
//
// All state lives on a single event loop goroutine. Blocking work (store
// round trips, media capture) runs on the goroutine that called CreateCall
// or AnswerCall and posts its transitions to the loop; pion callbacks and
// store deliveries are posted the same way. Nothing is retried and nothing
// times out; teardown is explicit through Hangup or Close.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

var (
	// ErrSessionActive rejects a second CreateCall/AnswerCall on a client.
	ErrSessionActive = errors.New("call: a call session is already active")
	ErrClosed        = errors.New("call: client closed")

	ErrCallNotFound = signaling.ErrCallNotFound
)

type Config struct {
	Adapter    *signaling.Adapter
	API        *webrtc.API
	PeerConfig webrtc.Configuration

	// Source acquires the local stream. When nil the client places or
	// answers calls receive-only.
	Source      media.Source
	Constraints media.Constraints

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	adapter     *signaling.Adapter
	source      media.Source
	constraints media.Constraints
	log         *slog.Logger

	peer    *webrtcpeer.Peer
	control *media.Control

	// ctx scopes subscriptions and the candidate publisher to the client.
	ctx    context.Context
	cancel context.CancelFunc

	events   chan func()
	stop     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once

	// Loop-owned.
	status        Status
	ref           signaling.CallRef
	stream        *media.Stream
	publisher     *candidatePublisher
	answerApplied bool
	seen          map[string]struct{}
	unsubs        []docstore.Unsubscribe
	watchers      map[int]chan Status
	nextWatcher   int

	snapMu sync.Mutex
	snap   Status
}

// NewClient creates the peer connection and starts the event loop. It fails
// with webrtcpeer.ErrUnsupportedEnvironment when no peer can be built.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("call: nil signaling adapter")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	constraints := cfg.Constraints
	if !constraints.Audio && !constraints.Video {
		constraints = media.AudioVideo
	}

	peer, err := webrtcpeer.New(cfg.API, cfg.PeerConfig, logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		adapter:     cfg.Adapter,
		source:      cfg.Source,
		constraints: constraints,
		log:         logger.With("component", "call"),
		peer:        peer,
		control:     media.NewControl(nil),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan func(), 64),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		seen:        make(map[string]struct{}),
		watchers:    make(map[int]chan Status),
		status:      Status{Phase: PhaseIdle},
	}
	c.snap = c.status

	peer.OnStateChange(func(s webrtcpeer.State) {
		c.post(func() {
			c.status.Connection = s
			c.publish()
		})
	})
	peer.OnRemoteTrack(func(*media.RemoteTrack) {
		c.post(func() {
			c.status.RemoteTracks = c.peer.RemoteStream().Len()
			c.publish()
		})
	})

	go c.loop()
	return c, nil
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.stop:
			return
		}
	}
}

// post queues fn on the loop. Posts after Close are dropped.
func (c *Client) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.stop:
	}
}

// run executes fn on the loop and waits for it.
func (c *Client) run(fn func()) error {
	done := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(done) }:
	case <-c.stop:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stop:
		return ErrClosed
	}
}

// publish refreshes the snapshot and hands it to every watcher, replacing a
// snapshot the watcher has not read yet.
func (c *Client) publish() {
	c.status.Media = c.control.State()
	c.status.LocalTracks = c.peer.SenderCount()
	c.status.Negotiations = c.peer.NegotiationCount()
	s := c.status

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()

	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Status returns the latest snapshot.
func (c *Client) Status() Status {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// Watch returns a channel that always holds the most recent snapshot not
// yet received, starting with the current one. cancel stops delivery; the
// channel is closed by Hangup.
func (c *Client) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	ch <- c.Status()
	var id int
	if err := c.run(func() {
		id = c.nextWatcher
		c.nextWatcher++
		c.watchers[id] = ch
	}); err != nil {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			_ = c.run(func() { delete(c.watchers, id) })
		})
	}
}

// RemoteStream is bound once at construction and only grows.
func (c *Client) RemoteStream() *media.RemoteStream { return c.peer.RemoteStream() }

// step runs fn on the loop unless the client failed or closed meanwhile, in
// which case the result of the blocking work that preceded it is dropped.
func (c *Client) step(fn func() error) error {
	var err error
	if runErr := c.run(func() {
		if c.status.Phase.Terminal() {
			err = c.terminalErr()
			return
		}
		err = fn()
		if err != nil {
			c.failLocked(err)
		}
	}); runErr != nil {
		return runErr
	}
	return err
}

func (c *Client) terminalErr() error {
	if c.status.Phase == PhaseClosed {
		return ErrClosed
	}
	if c.status.Err != nil {
		return c.status.Err
	}
	return ErrClosed
}

func (c *Client) advance(p Phase) {
	c.status.Phase = p
	c.log.Debug("phase", "role", c.status.Role.String(), "phase", string(p), "call_id", c.status.CallID)
	c.publish()
}

// fail records err from any goroutine.
func (c *Client) fail(err error) {
	c.post(func() { c.failLocked(err) })
}

func (c *Client) failLocked(err error) {
	if c.status.Phase.Terminal() {
		return
	}
	c.log.Warn("call failed", "role", c.status.Role.String(), "phase", string(c.status.Phase), "call_id", c.status.CallID, "err", err)
	c.status.Err = err
	c.stopSubscriptions()
	c.advance(PhaseFailed)
}

func (c *Client) stopSubscriptions() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Client) reserve(role Role) error {
	var err error
	if runErr := c.run(func() {
		switch {
		case c.status.Phase == PhaseClosed:
			err = ErrClosed
		case c.status.Role != RoleNone:
			err = ErrSessionActive
		default:
			c.status.Role = role
			c.publish()
		}
	}); runErr != nil {
		return runErr
	}
	return err
}

// acquireMedia attaches the local stream, if a source is configured, before
// any description is created so its tracks are negotiated.
func (c *Client) acquireMedia(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	stream, err := c.source.GetUserMedia(ctx, c.constraints)
	if err != nil {
		return c.step(func() error { return err })
	}
	attached := false
	err = c.step(func() error {
		if err := c.peer.AttachLocalStream(stream); err != nil {
			return err
		}
		attached = true
		c.stream = stream
		c.control.SetStream(stream)
		c.publish()
		return nil
	})
	if !attached {
		_ = stream.Close()
	}
	return err
}

func (c *Client) startPublisher(side signaling.Side, opened bool) {
	pub := newCandidatePublisher(c.adapter, c.ref, side, c.fail)
	if opened {
		pub.open()
	}
	c.publisher = pub
	c.peer.OnLocalCandidate(pub.push)
	go pub.run(c.ctx)
}

// CreateCall places a call and returns its id once the offer is published.
// The id is what the callee needs; delivering it is up to the operator.
// The call then waits for an answer indefinitely.
func (c *Client) CreateCall(ctx context.Context) (string, error) {
	if err := c.reserve(RoleCaller); err != nil {
		return "", err
	}
	if err := c.acquireMedia(ctx); err != nil {
		return "", err
	}

	if err := c.step(func() error {
		c.ref = c.adapter.CreateCallRecord()
		c.status.CallID = c.ref.ID
		c.startPublisher(signaling.Caller, true)
		c.advance(PhaseRecordCreated)
		return nil
	}); err != nil {
		return "", err
	}

	var offer webrtc.SessionDescription
	if err := c.step(func() error {
		var err error
		offer, err = c.peer.CreateOffer()
		return err
	}); err != nil {
		return "", err
	}
	sd := signaling.SessionDescriptionFromPion(offer)
	if err := c.adapter.UpdateCallRecord(ctx, c.ref, signaling.CallUpdate{Offer: &sd}); err != nil {
		return "", c.step(func() error { return err })
	}
	if err := c.step(func() error {
		c.advance(PhaseOfferPublished)
		return nil
	}); err != nil {
		return "", err
	}

	unsubRecord, err := c.adapter.SubscribeCallRecord(c.ctx, c.ref, func(rec signaling.CallRecord) {
		c.post(func() { c.handleRecord(rec) })
	}, c.fail)
	if err != nil {
		return "", c.step(func() error { return err })
	}
	if err := c.keep(unsubRecord); err != nil {
		return "", err
	}
	unsubCands, err := c.adapter.SubscribeCandidates(c.ctx, c.ref, signaling.Callee, func(e signaling.CandidateEntry) {
		c.post(func() { c.handleCandidate(e) })
	}, c.fail)
	if err != nil {
		return "", c.step(func() error { return err })
	}
	if err := c.keep(unsubCands); err != nil {
		return "", err
	}

	if err := c.step(func() error {
		if !c.answerApplied {
			c.advance(PhaseAwaitingAnswer)
		}
		return nil
	}); err != nil {
		return "", err
	}
	c.log.Info("call created", "call_id", c.ref.ID)
	return c.ref.ID, nil
}

// keep registers unsub for teardown, or runs it at once if the client has
// already gone terminal.
func (c *Client) keep(unsub docstore.Unsubscribe) error {
	err := c.step(func() error {
		c.unsubs = append(c.unsubs, unsub)
		return nil
	})
	if err != nil {
		unsub()
	}
	return err
}

// handleRecord applies the first answer seen. Redelivered snapshots, and
// snapshots that only differ in unrelated fields, are no-ops.
func (c *Client) handleRecord(rec signaling.CallRecord) {
	if c.status.Phase.Terminal() || c.answerApplied || rec.Answer == nil {
		return
	}
	answer, err := rec.Answer.ToPion()
	if err != nil {
		c.failLocked(fmt.Errorf("%w: %v", webrtcpeer.ErrNegotiation, err))
		return
	}
	if err := c.peer.SetRemoteDescription(answer); err != nil {
		c.failLocked(err)
		return
	}
	c.answerApplied = true
	c.advance(PhaseAnswerApplied)
}

// handleCandidate applies each stored candidate once, keyed by entry id.
func (c *Client) handleCandidate(e signaling.CandidateEntry) {
	if c.status.Phase.Terminal() {
		return
	}
	if _, ok := c.seen[e.ID]; ok {
		return
	}
	c.seen[e.ID] = struct{}{}
	if err := c.peer.AddRemoteCandidate(e.Candidate.ToPion()); err != nil {
		c.failLocked(err)
	}
}

// AnswerCall joins the call id. A missing call fails with ErrCallNotFound,
// writes nothing, and leaves the client free for another attempt.
func (c *Client) AnswerCall(ctx context.Context, id string) error {
	if err := c.reserve(RoleCallee); err != nil {
		return err
	}

	rec, err := c.adapter.GetCallRecord(ctx, id)
	if errors.Is(err, signaling.ErrCallNotFound) {
		_ = c.run(func() {
			if c.status.Phase == PhaseIdle {
				c.status.Role = RoleNone
				c.publish()
			}
		})
		return err
	}
	if err != nil {
		return c.step(func() error { return err })
	}
	ref, err := c.adapter.Ref(id)
	if err != nil {
		return c.step(func() error { return err })
	}
	if err := c.step(func() error {
		c.ref = ref
		c.status.CallID = id
		c.advance(PhaseRecordFetched)
		return nil
	}); err != nil {
		return err
	}

	if err := c.acquireMedia(ctx); err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	if err := c.step(func() error {
		offer, err := rec.Offer.ToPion()
		if err != nil {
			return fmt.Errorf("%w: %v", webrtcpeer.ErrNegotiation, err)
		}
		// Candidates are gathered once the answer is set locally, but only
		// published after the answer itself is in the store.
		c.startPublisher(signaling.Callee, false)
		if err := c.peer.SetRemoteDescription(offer); err != nil {
			return err
		}
		answer, err = c.peer.CreateAnswer()
		return err
	}); err != nil {
		return err
	}

	sd := signaling.SessionDescriptionFromPion(answer)
	if err := c.adapter.UpdateCallRecord(ctx, c.ref, signaling.CallUpdate{Answer: &sd}); err != nil {
		return c.step(func() error { return err })
	}
	if err := c.step(func() error {
		c.publisher.open()
		c.advance(PhaseAnswerPublished)
		return nil
	}); err != nil {
		return err
	}

	unsub, err := c.adapter.SubscribeCandidates(c.ctx, c.ref, signaling.Caller, func(e signaling.CandidateEntry) {
		c.post(func() { c.handleCandidate(e) })
	}, c.fail)
	if err != nil {
		return c.step(func() error { return err })
	}
	if err := c.keep(unsub); err != nil {
		return err
	}
	c.log.Info("call answered", "call_id", id)
	return nil
}

// ToggleAudio flips the local audio tracks and reports whether audio is on.
func (c *Client) ToggleAudio() (bool, error) {
	return c.toggle((*media.Control).ToggleAudio)
}

func (c *Client) ToggleVideo() (bool, error) {
	return c.toggle((*media.Control).ToggleVideo)
}

func (c *Client) toggle(fn func(*media.Control) (bool, error)) (bool, error) {
	var (
		on  bool
		err error
	)
	if runErr := c.run(func() {
		on, err = fn(c.control)
		if err == nil {
			c.publish()
		}
	}); runErr != nil {
		return false, runErr
	}
	return on, err
}

// Hangup tears the call down: subscriptions end, the candidate publisher
// stops, and the local stream and peer connection close. Work still in
// flight finishes on its own and its results are ignored.
func (c *Client) Hangup() error {
	var err error
	c.closeOnce.Do(func() {
		var stream *media.Stream
		_ = c.run(func() {
			c.stopSubscriptions()
			stream = c.stream
			c.control.SetStream(nil)
			c.status.Phase = PhaseClosed
			c.publish()
		})
		c.cancel()

		var errs []error
		if stream != nil {
			errs = append(errs, stream.Close())
		}
		errs = append(errs, c.peer.Close())
		err = errors.Join(errs...)

		// Let the final connection state reach watchers before the loop stops.
		_ = c.run(func() {
			c.status.Connection = c.peer.State()
			c.publish()
			for id, ch := range c.watchers {
				close(ch)
				delete(c.watchers, id)
			}
		})
		close(c.stop)
		<-c.loopDone
		c.log.Debug("client closed", "call_id", c.Status().CallID)
	})
	return err
}

func (c *Client) Close() error { return c.Hangup() }
