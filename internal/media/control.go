package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrNoLocalStream = errors.New("media: no local stream")

// ControlState is what the presentation layer shows for the local media.
type ControlState struct {
	HasStream    bool `json:"hasStream"`
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Control mutes and unmutes the local stream. Toggling only flips track
// enabled flags; tracks stay attached and nothing is renegotiated.
type Control struct {
	mu     sync.Mutex
	stream *Stream
}

func NewControl(stream *Stream) *Control {
	return &Control{stream: stream}
}

// SetStream swaps the stream under control; nil disables toggling.
func (c *Control) SetStream(stream *Stream) {
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
}

// ToggleAudio flips every audio track and reports whether audio is now on.
func (c *Control) ToggleAudio() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips every video track and reports whether video is now on.
func (c *Control) ToggleVideo() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Control) toggle(kind webrtc.RTPCodecType) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false, ErrNoLocalStream
	}
	on := false
	for _, t := range c.stream.TracksOfKind(kind) {
		t.SetEnabled(!t.Enabled())
		on = on || t.Enabled()
	}
	return on, nil
}

func (c *Control) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ControlState{}
	}
	return ControlState{
		HasStream:    true,
		AudioEnabled: anyEnabled(c.stream.TracksOfKind(webrtc.RTPCodecTypeAudio)),
		VideoEnabled: anyEnabled(c.stream.TracksOfKind(webrtc.RTPCodecTypeVideo)),
	}
}

func anyEnabled(tracks []*Track) bool {
	for _, t := range tracks {
		if t.Enabled() {
			return true
		}
	}
	return false
}
