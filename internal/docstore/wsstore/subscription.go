package wsstore

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

// subscription runs its callbacks one at a time on a goroutine of its own so
// a slow or re-entrant callback never stalls the connection's read loop.
type subscription struct {
	ref   docstore.DocRef
	doc   func(docstore.DocSnapshot)
	entry func(docstore.Entry)
	onErr func(error)

	mu      sync.Mutex
	queue   []func()
	running bool
	ended   bool // no more posts accepted
	stopped bool // queued callbacks are dropped
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) finished() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *subscription) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.done == nil {
			s.done = make(chan struct{})
		}
		close(s.done)
		s.mu.Unlock()
	})
}

func (s *subscription) post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.stopped {
		return
	}
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		go s.drain()
	}
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.queue = nil
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// end delivers err after everything already queued, then refuses further
// events.
func (s *subscription) end(err error) {
	if s.onErr != nil {
		s.post(func() { s.onErr(err) })
	}
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.finish()
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.ended = true
	s.mu.Unlock()
	s.finish()
}
