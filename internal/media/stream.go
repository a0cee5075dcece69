package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Stream is a set of local tracks acquired together.
type Stream struct {
	id     string
	tracks []*Track
	stop   func()

	closeOnce sync.Once
}

// NewStream groups tracks. stop, if non-nil, runs once on Close after every
// track has been closed.
func NewStream(id string, tracks []*Track, stop func()) *Stream {
	return &Stream{id: id, tracks: append([]*Track(nil), tracks...), stop: stop}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) TracksOfKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.stop != nil {
			s.stop()
		}
	})
	return errors.Join(errs...)
}

// RTPReader is the part of *webrtc.TrackRemote the remote stream reads.
type RTPReader interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is one received track plus counters updated by Drain.
type RemoteTrack struct {
	Track RTPReader

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }
func (t *RemoteTrack) Bytes() uint64   { return t.bytes.Load() }

// RemoteStream accumulates remote tracks for the lifetime of a call. It is
// created once and only ever grows, so a viewer can hold on to it from the
// start.
type RemoteStream struct {
	mu      sync.Mutex
	tracks  []*RemoteTrack
	changed chan struct{}
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{changed: make(chan struct{})}
}

func (s *RemoteStream) Add(track RTPReader) *RemoteTrack {
	rt := &RemoteTrack{Track: track}
	s.mu.Lock()
	s.tracks = append(s.tracks, rt)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return rt
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Changed returns a channel closed by the next Add.
func (s *RemoteStream) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Drain reads t until the track ends or ctx is done, counting packets and
// passing each to fn when non-nil. Reading is what keeps pion's receive
// buffers and RTCP reports flowing.
func Drain(ctx context.Context, t *RemoteTrack, fn func(*rtp.Packet)) error {
	for {
		pkt, _, err := t.Track.ReadRTP()
		if err != nil {
			return err
		}
		t.packets.Add(1)
		t.bytes.Add(uint64(len(pkt.Payload)))
		if fn != nil {
			fn(pkt)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
