//go:build !(mediadevices && linux)

package media

import (
	"context"
	"fmt"
	"log/slog"
)

// DeviceSource needs the mediadevices build tag on Linux; everywhere else
// it reports that no capture device exists.
type DeviceSource struct {
	Logger *slog.Logger
}

func (DeviceSource) GetUserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, fmt.Errorf("%w: built without camera/microphone support", ErrNoDevice)
}
