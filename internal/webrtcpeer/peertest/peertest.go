// Package peertest builds pion APIs wired to an in-memory virtual network,
// so peers in tests connect without touching host interfaces.
package peertest

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

const cidr = "10.0.0.0/24"

// Network is a started vnet router with one API per host.
type Network struct {
	Router *vnet.Router
	APIs   []*webrtc.API
}

// New starts a router with n hosts (10.0.0.1 upwards) and builds an API
// for each through webrtcpeer.NewAPI. The router stops at test cleanup.
func New(t testing.TB, n int) *Network {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	nw := &Network{Router: router}
	var nets []*vnet.Net
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		vn, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(vn); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, vn)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	for _, vn := range nets {
		api, err := webrtcpeer.NewAPI(config.Config{}, slog.Default(), webrtcpeer.WithNet(vn))
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		nw.APIs = append(nw.APIs, api)
	}
	return nw
}
