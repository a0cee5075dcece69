package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

// ErrUnsupportedEnvironment means no usable WebRTC stack could be built.
// Callers degrade to a read-only view instead of placing calls.
var ErrUnsupportedEnvironment = errors.New("webrtcpeer: webrtc unsupported in this environment")

// Option adjusts the SettingEngine before the API is built.
type Option func(*webrtc.SettingEngine)

// WithNet replaces the host network, e.g. with a vnet.Net in tests.
func WithNet(n transport.Net) Option {
	return func(se *webrtc.SettingEngine) { se.SetNet(n) }
}

// NewAPI builds the pion API used for every peer: default codecs, the
// default interceptor chain (NACK, RTCP reports, TWCC), the configured ICE
// timeouts and network restrictions, and pion logging routed into logger.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...Option) (*webrtc.API, error) {
	if logger == nil {
		logger = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: register codecs: %v", ErrUnsupportedEnvironment, err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("%w: register interceptors: %v", ErrUnsupportedEnvironment, err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 && cfg.ICEKeepaliveInterval > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// Restricting gathering with an IP filter is how pion binds to a single
	// address.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
