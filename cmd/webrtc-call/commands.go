package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/storeopen"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

const demoToggleInterval = 2 * time.Second

func mediaSource(cfg config.Config, logger *slog.Logger) media.Source {
	switch cfg.Media {
	case config.MediaDevices:
		return media.DeviceSource{Logger: logger}
	case config.MediaNone:
		return nil
	default:
		return media.SyntheticSource{Logger: logger}
	}
}

// session bundles what one command needs to run a call client.
type session struct {
	store   docstore.Store
	adapter *signaling.Adapter
	api     *webrtc.API
}

func openSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*session, error) {
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := storeopen.Open(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &session{
		store:   store,
		adapter: signaling.NewAdapter(store, logger, nil),
		api:     api,
	}, nil
}

func (s *session) newClient(cfg config.Config, logger *slog.Logger) (*call.Client, error) {
	return call.NewClient(call.Config{
		Adapter:     s.adapter,
		API:         s.api,
		PeerConfig:  cfg.PeerConnectionConfiguration(),
		Source:      mediaSource(cfg, logger),
		Constraints: media.AudioVideo,
		Logger:      logger,
	})
}

func runCreate(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.store.Close()

	c, err := s.newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Hangup()

	p := newPresenter(out, "")
	p.follow(ctx, c)

	id, err := c.CreateCall(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "call id: %s\n", id)
	fmt.Fprintf(out, "answer with: webrtc-call answer %s\n", id)

	return waitCall(ctx, c)
}

func runAnswer(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, id string) error {
	s, err := openSession(ctx, cfg, logger)
	if errors.Is(err, webrtcpeer.ErrUnsupportedEnvironment) {
		logger.Warn("webrtc unavailable; inspecting the call instead", "err", err)
		return runInspect(ctx, cfg, logger, out, id)
	}
	if err != nil {
		return err
	}
	defer s.store.Close()

	c, err := s.newClient(cfg, logger)
	if errors.Is(err, webrtcpeer.ErrUnsupportedEnvironment) {
		logger.Warn("webrtc unavailable; inspecting the call instead", "err", err)
		return runInspect(ctx, cfg, logger, out, id)
	}
	if err != nil {
		return err
	}
	defer c.Hangup()

	p := newPresenter(out, "")
	p.follow(ctx, c)

	if err := c.AnswerCall(ctx, id); err != nil {
		if errors.Is(err, call.ErrCallNotFound) {
			return fmt.Errorf("no call with id %q: %w", id, err)
		}
		return err
	}

	return waitCall(ctx, c)
}

// statusWatcher is the part of call.Client that waitCall needs.
type statusWatcher interface {
	Watch() (<-chan call.Status, func())
}

var errCallFailed = errors.New("call failed")

// waitCall blocks until ctx is done or the call ends. A failed call returns
// the error recorded in its status.
func waitCall(ctx context.Context, c statusWatcher) error {
	updates, cancel := c.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			switch st.Phase {
			case call.PhaseFailed:
				if st.Err != nil {
					return st.Err
				}
				return errCallFailed
			case call.PhaseClosed:
				return nil
			}
		}
	}
}

func runInspect(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, id string) error {
	store, err := storeopen.Open(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	adapter := signaling.NewAdapter(store, logger, nil)

	rec, err := adapter.GetCallRecord(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "call %s version=%d\n", rec.ID, rec.Version)
	printDescription(out, "offer", rec.Offer)
	printDescription(out, "answer", rec.Answer)

	ref, err := adapter.Ref(id)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	var mu sync.Mutex
	for _, side := range []signaling.Side{signaling.Caller, signaling.Callee} {
		side := side
		unsub, err := adapter.SubscribeCandidates(ctx, ref, side, func(e signaling.CandidateEntry) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s candidate #%d: %s\n", side, e.Seq, e.Candidate.Candidate)
		}, func(err error) {
			errc <- err
		})
		if err != nil {
			return err
		}
		defer unsub()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func printDescription(out io.Writer, label string, d *signaling.SessionDescription) {
	if d == nil {
		fmt.Fprintf(out, "%s: none\n", label)
		return
	}
	fmt.Fprintf(out, "%s: type=%s sdp_bytes=%d\n", label, d.Type, len(d.SDP))
}

// runDemo places a call and answers it from the same process over an
// in-memory store, toggles the caller's audio twice and hangs up.
func runDemo(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	cfg.Store = config.StoreMemory
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.store.Close()

	caller, err := s.newClient(cfg, logger.With("side", "caller"))
	if err != nil {
		return err
	}
	defer caller.Hangup()
	callee, err := s.newClient(cfg, logger.With("side", "callee"))
	if err != nil {
		return err
	}
	defer callee.Hangup()

	newPresenter(out, "caller").follow(ctx, caller)
	newPresenter(out, "callee").follow(ctx, callee)

	id, err := caller.CreateCall(ctx)
	if err != nil {
		return err
	}
	if err := callee.AnswerCall(ctx, id); err != nil {
		return err
	}

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(demoToggleInterval):
		}
		enabled, err := caller.ToggleAudio()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "caller audio enabled=%t\n", enabled)
	}

	select {
	case <-ctx.Done():
	case <-time.After(demoToggleInterval):
	}
	if err := caller.Hangup(); err != nil {
		return err
	}
	return callee.Hangup()
}

// presenter prints status changes and drains remote tracks so their packet
// counters move.
type presenter struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

func newPresenter(out io.Writer, prefix string) *presenter {
	if prefix != "" {
		prefix += ": "
	}
	return &presenter{out: out, prefix: prefix}
}

func (p *presenter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, p.prefix+format+"\n", args...)
}

func (p *presenter) follow(ctx context.Context, c *call.Client) {
	updates, cancel := c.Watch()
	go func() {
		defer cancel()
		for st := range updates {
			p.printf("%s", st)
		}
	}()

	remote := c.RemoteStream()
	go func() {
		drained := 0
		for {
			changed := remote.Changed()
			tracks := remote.Tracks()
			for ; drained < len(tracks); drained++ {
				go p.drain(ctx, tracks[drained])
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
}

func (p *presenter) drain(ctx context.Context, t *media.RemoteTrack) {
	var first sync.Once
	err := media.Drain(ctx, t, func(*rtp.Packet) {
		first.Do(func() { p.printf("receiving media") })
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		p.printf("remote track ended: %v", err)
		return
	}
	p.printf("remote track ended after %d packets", t.Packets())
}
