package webrtcpeer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

func TestApplyNetworkSettingsRejectsUnknownCandidateType(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
		WebRTCNAT1To1IPCandidateType: "relay",
	})
	if err == nil {
		t.Fatalf("expected error for candidate type relay")
	}
}

func TestApplyNetworkSettingsAcceptsKnobs(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.Config{
		WebRTCUDPPortRange:           &config.UDPPortRange{Min: 50000, Max: 50100},
		WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
		WebRTCNAT1To1IPCandidateType: config.NAT1To1CandidateTypeSrflx,
		WebRTCUDPListenIP:            net.ParseIP("10.0.0.5"),
	})
	if err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}
}

func TestNewAPIFailsOnBadPortRange(t *testing.T) {
	_, err := NewAPI(config.Config{WebRTCUDPPortRange: &config.UDPPortRange{Min: 6000, Max: 5000}}, nil)
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestLoggerFactoryWritesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	l := NewLoggerFactory(logger).NewLogger("ice")

	l.Infof("gathered %d candidates", 3)
	l.Trace("very chatty")

	out := buf.String()
	if !strings.Contains(out, "gathered 3 candidates") || !strings.Contains(out, "pion=ice") {
		t.Fatalf("log output=%q", out)
	}
	if !strings.Contains(out, "very chatty") {
		t.Fatalf("trace line missing from %q", out)
	}
}

func TestAttachLocalStreamRollsBackOnPartialFailure(t *testing.T) {
	api, err := NewAPI(config.Config{}, slog.Default())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	p, err := New(api, webrtc.Configuration{}, slog.Default(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	stream, err := media.SyntheticSource{}.GetUserMedia(context.Background(), media.AudioVideo)
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	defer stream.Close()
	if n := len(stream.Tracks()); n < 2 {
		t.Fatalf("tracks=%d, want at least 2", n)
	}

	addErr := errors.New("add failed")
	calls := 0
	p.addTrack = func(tr webrtc.TrackLocal) (*webrtc.RTPSender, error) {
		calls++
		if calls == 2 {
			return nil, addErr
		}
		return p.pc.AddTrack(tr)
	}

	if err := p.AttachLocalStream(stream); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err=%v, want %v", err, ErrNegotiation)
	}
	if n := p.SenderCount(); n != 0 {
		t.Fatalf("SenderCount=%d after failed attach, want 0", n)
	}
	if p.LocalStream() != nil {
		t.Fatalf("LocalStream set after failed attach")
	}
	for _, sender := range p.pc.GetSenders() {
		if sender.Track() != nil {
			t.Fatalf("sender still carries track %s", sender.Track().ID())
		}
	}

	p.addTrack = p.pc.AddTrack
	if err := p.AttachLocalStream(stream); err != nil {
		t.Fatalf("attach after rollback: %v", err)
	}
	if got, want := p.SenderCount(), len(stream.Tracks()); got != want {
		t.Fatalf("SenderCount=%d, want %d", got, want)
	}
}
