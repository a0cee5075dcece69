//go:build mediadevices && linux

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// DeviceSource captures the camera and microphone with VP8 and Opus
// encoders.
type DeviceSource struct {
	Logger *slog.Logger
}

func (s DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kind requested", ErrNoDevice)
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrNoDevice)
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 encoder: %v", ErrNoDevice, err)
	}
	vpxParams.BitRate = 1_000_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus encoder: %v", ErrNoDevice, err)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	var tracks []*Track
	for _, mt := range ms.GetTracks() {
		mt.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("capture track ended", "kind", mt.Kind().String(), "err", err)
			}
		})
		tracks = append(tracks, NewTrack(mt, mt.Close))
	}
	logger.Info("local media captured", "tracks", len(tracks))
	return NewStream("device-"+uuid.NewString(), tracks, nil), nil
}
