package session

import (
	"sync"
	"time"

	"github.com/talkincode/wabridge/internal/webhook"
)

type envelope struct {
	gen uint64
	ev  interface{}
}

// reconnectDue fires when a scheduled reconnect delay has elapsed.
type reconnectDue struct{}

// Session is the runtime record of one linked-device session. Its event
// loop is the only writer of the state machine fields; api goroutines read
// them under mu.
type Session struct {
	id string

	mu       sync.RWMutex
	status   Status
	qr       string
	jid      string
	endpoint webhook.Endpoint
	handle   Handle
	gen      uint64
	stopping bool

	events   chan envelope
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once
	queue    *webhook.Queue

	// owned by the event loop
	reconnect *time.Timer
}

func newSession(id string, ep webhook.Endpoint, buffer int, queue *webhook.Queue) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		id:       id,
		status:   StatusConnecting,
		endpoint: ep,
		events:   make(chan envelope, buffer),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		queue:    queue,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) state() (Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.qr
}

func (s *Session) setState(status Status, qr string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.status
	s.status = status
	s.qr = qr
	return from
}

func (s *Session) JID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

func (s *Session) setJID(jid string) {
	s.mu.Lock()
	s.jid = jid
	s.mu.Unlock()
}

func (s *Session) Endpoint() webhook.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *Session) setEndpoint(ep webhook.Endpoint) {
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
}

func (s *Session) currentHandle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// nextGeneration invalidates the current handle and returns it together
// with the generation its replacement must carry.
func (s *Session) nextGeneration() (uint64, Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	old := s.handle
	s.handle = nil
	return s.gen, old
}

// attach installs a freshly acquired handle unless it was superseded.
func (s *Session) attach(gen uint64, h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.gen != gen {
		return false
	}
	s.handle = h
	return true
}

func (s *Session) takeHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	return h
}

// emitter binds handle events to the generation that produced them.
func (s *Session) emitter(gen uint64) Emit {
	return func(ev interface{}) {
		s.post(gen, ev)
	}
}

func (s *Session) post(gen uint64, ev interface{}) {
	select {
	case s.events <- envelope{gen: gen, ev: ev}:
	case <-s.quit:
	}
}

// stop makes the loop exit and refuses further handles.
func (s *Session) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}
