// Package media holds the local and remote media of a call: local tracks
// with an enabled flag that gates outgoing RTP, the remote stream that
// accumulates tracks as they arrive, the mute/camera Control, and the
// Source boundary that produces local streams.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a local track whose enabled flag gates the RTP it sends. It is
// itself a webrtc.TrackLocal, so disabling it never touches the sender,
// transceiver or SDP.
type Track struct {
	inner   webrtc.TrackLocal
	enabled atomic.Bool
	close   func() error

	mu       sync.Mutex
	bindings map[string]webrtc.TrackLocalContext
}

var _ webrtc.TrackLocal = (*Track)(nil)

// NewTrack wraps inner. close, if non-nil, releases whatever produces the
// track's media.
func NewTrack(inner webrtc.TrackLocal, close func() error) *Track {
	t := &Track{
		inner:    inner,
		close:    close,
		bindings: make(map[string]webrtc.TrackLocalContext),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) ID() string                { return t.inner.ID() }
func (t *Track) RID() string               { return t.inner.RID() }
func (t *Track) StreamID() string          { return t.inner.StreamID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.inner.Kind() }

// BindingCount is the number of senders the track is currently bound to.
func (t *Track) BindingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gated := gatedContext{
		TrackLocalContext: ctx,
		writer:            gatedWriter{next: ctx.WriteStream(), track: t},
	}
	params, err := t.inner.Bind(gated)
	if err != nil {
		return params, err
	}
	t.mu.Lock()
	t.bindings[ctx.ID()] = gated
	t.mu.Unlock()
	return params, nil
}

// Unbind hands the inner track the same context it was bound with; some
// implementations key their bindings on the context value.
func (t *Track) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	gated, ok := t.bindings[ctx.ID()]
	delete(t.bindings, ctx.ID())
	t.mu.Unlock()
	if !ok {
		gated = ctx
	}
	return t.inner.Unbind(gated)
}

func (t *Track) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

type gatedContext struct {
	webrtc.TrackLocalContext
	writer gatedWriter
}

func (c gatedContext) WriteStream() webrtc.TrackLocalWriter { return c.writer }

// gatedWriter drops outgoing packets while the track is disabled. The
// packetizer keeps numbering, so the far end sees a gap rather than a reset.
type gatedWriter struct {
	next  webrtc.TrackLocalWriter
	track *Track
}

func (w gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return len(b), nil
	}
	return w.next.Write(b)
}
