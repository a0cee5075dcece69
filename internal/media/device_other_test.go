//go:build !(mediadevices && linux)

package media

import (
	"context"
	"errors"
	"testing"
)

func TestDeviceSourceUnavailableWithoutTag(t *testing.T) {
	if _, err := (DeviceSource{}).GetUserMedia(context.Background(), AudioVideo); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err=%v, want %v", err, ErrNoDevice)
	}
}
