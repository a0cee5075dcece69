package metrics

import "sync"

// Event names shared by the store, the store server and the call client.
const (
	StoreOp             = "store_op"
	StoreOpError        = "store_op_error"
	StoreSubscriptions  = "store_subscriptions"
	StoreRateLimited    = "store_ws_rate_limited"
	StoreConnections    = "store_ws_connections"
	StoreBadRequests    = "store_ws_bad_request"
	StoreAuthFailures   = "store_ws_auth_failure"
	OffersCreated       = "offers_created"
	AnswersCreated      = "answers_created"
	CandidatesPublished = "candidates_published"
	CandidatesApplied   = "candidates_applied"
	CandidatesQueued    = "candidates_queued"
	RemoteTracks        = "remote_tracks"
	RTCPPictureLoss     = "rtcp_pli_received"
	RTCPFullIntraFrame  = "rtcp_fir_received"
)

// Metrics is a minimal, concurrency-safe counter registry. A nil *Metrics
// discards everything, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
