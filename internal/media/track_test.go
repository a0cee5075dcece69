package media

import (
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type recordWriter struct {
	mu      sync.Mutex
	packets int
}

func (w *recordWriter) WriteRTP(h *rtp.Header, payload []byte) (int, error) {
	w.mu.Lock()
	w.packets++
	w.mu.Unlock()
	return h.MarshalSize() + len(payload), nil
}

func (w *recordWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.packets++
	w.mu.Unlock()
	return len(b), nil
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// fakeContext implements only what the tests' fake track touches.
type fakeContext struct {
	webrtc.TrackLocalContext
	id string
	w  webrtc.TrackLocalWriter
}

func (c fakeContext) ID() string                           { return c.id }
func (c fakeContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type fakeLocal struct {
	kind    webrtc.RTPCodecType
	bound   webrtc.TrackLocalContext
	unbound webrtc.TrackLocalContext
	writer  webrtc.TrackLocalWriter
}

func (f *fakeLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	f.bound = ctx
	f.writer = ctx.WriteStream()
	return webrtc.RTPCodecParameters{}, nil
}

func (f *fakeLocal) Unbind(ctx webrtc.TrackLocalContext) error {
	f.unbound = ctx
	return nil
}

func (f *fakeLocal) ID() string                { return "t1" }
func (f *fakeLocal) RID() string               { return "" }
func (f *fakeLocal) StreamID() string          { return "s1" }
func (f *fakeLocal) Kind() webrtc.RTPCodecType { return f.kind }

func TestDisabledTrackDropsRTP(t *testing.T) {
	inner := &fakeLocal{kind: webrtc.RTPCodecTypeAudio}
	track := NewTrack(inner, nil)
	out := &recordWriter{}

	if _, err := track.Bind(fakeContext{id: "sender-1", w: out}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if track.BindingCount() != 1 {
		t.Fatalf("BindingCount=%d, want 1", track.BindingCount())
	}

	hdr := &rtp.Header{Version: 2, SequenceNumber: 1}
	_, _ = inner.writer.WriteRTP(hdr, []byte{1, 2, 3})
	if out.count() != 1 {
		t.Fatalf("enabled track: packets=%d, want 1", out.count())
	}

	track.SetEnabled(false)
	n, err := inner.writer.WriteRTP(hdr, []byte{1, 2, 3})
	if err != nil || n == 0 {
		t.Fatalf("disabled write: n=%d err=%v", n, err)
	}
	_, _ = inner.writer.Write([]byte{0x80})
	if out.count() != 1 {
		t.Fatalf("disabled track: packets=%d, want 1", out.count())
	}

	track.SetEnabled(true)
	_, _ = inner.writer.WriteRTP(hdr, []byte{1})
	if out.count() != 2 {
		t.Fatalf("re-enabled track: packets=%d, want 2", out.count())
	}
}

func TestUnbindPassesBoundContext(t *testing.T) {
	inner := &fakeLocal{kind: webrtc.RTPCodecTypeVideo}
	track := NewTrack(inner, nil)
	ctx := fakeContext{id: "sender-1", w: &recordWriter{}}

	if _, err := track.Bind(ctx); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := track.Unbind(ctx); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if inner.unbound != inner.bound {
		t.Fatalf("Unbind received %v, want the context passed to Bind", inner.unbound)
	}
	if track.BindingCount() != 0 {
		t.Fatalf("BindingCount=%d, want 0", track.BindingCount())
	}
}

func TestTrackDelegates(t *testing.T) {
	closed := false
	track := NewTrack(&fakeLocal{kind: webrtc.RTPCodecTypeVideo}, func() error { closed = true; return nil })
	if track.ID() != "t1" || track.StreamID() != "s1" || track.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("delegation broken: id=%q stream=%q kind=%v", track.ID(), track.StreamID(), track.Kind())
	}
	if !track.Enabled() {
		t.Fatalf("new track should start enabled")
	}
	_ = track.Close()
	if !closed {
		t.Fatalf("Close did not release the producer")
	}
}
