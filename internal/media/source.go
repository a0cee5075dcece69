package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrAccessDenied = errors.New("media: access denied")
	ErrNoDevice     = errors.New("media: no device")
)

// Constraints selects the kinds of track to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// AudioVideo asks for a combined microphone and camera capture.
var AudioVideo = Constraints{Audio: true, Video: true}

// Source acquires a local stream. Failures wrap ErrAccessDenied or
// ErrNoDevice.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

const (
	opusFrame = 20 * time.Millisecond
	vp8Frame  = 33 * time.Millisecond
)

var (
	// An Opus TOC byte plus empty frame: a valid 20ms packet of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// VP8 key frame header with a 16x16 frame; decoders treat the rest as
	// corrupt data, which is fine for a synthetic feed.
	vp8KeyFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// SyntheticSource produces Opus and VP8 sample tracks fed by tickers. It
// needs no devices and is what headless runs and tests use.
type SyntheticSource struct {
	Logger *slog.Logger
}

func (s SyntheticSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kind requested", ErrNoDevice)
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamID := "synthetic-" + uuid.NewString()
	feedCtx, cancel := context.WithCancel(context.Background())

	var tracks []*Track
	add := func(mime string, kind string, frame time.Duration, payload []byte) error {
		local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, streamID)
		if err != nil {
			return err
		}
		tracks = append(tracks, NewTrack(local, nil))
		go feed(feedCtx, logger, local, frame, payload)
		return nil
	}
	if c.Audio {
		if err := add(webrtc.MimeTypeOpus, "audio", opusFrame, opusSilence); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	if c.Video {
		if err := add(webrtc.MimeTypeVP8, "video", vp8Frame, vp8KeyFrame); err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	return NewStream(streamID, tracks, cancel), nil
}

func feed(ctx context.Context, logger *slog.Logger, track *webrtc.TrackLocalStaticSample, frame time.Duration, payload []byte) {
	t := time.NewTicker(frame)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := track.WriteSample(pionmedia.Sample{Data: payload, Duration: frame}); err != nil {
				logger.Debug("synthetic sample write failed", "track", track.ID(), "err", err)
			}
		}
	}
}
