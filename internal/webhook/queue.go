package webhook

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sender is what a Queue drains into.
type Sender interface {
	Deliver(ctx context.Context, ep Endpoint, sessionID, event string, payload interface{}) error
}

type job struct {
	ep      Endpoint
	event   string
	payload interface{}
}

// Queue delivers the events of one session in order on its own goroutine,
// so a slow endpoint only holds back that session.
type Queue struct {
	sessionID string
	sender    Sender
	jobs      chan job
	done      chan struct{}
	// stop releases senders blocked on a full queue so Close can take the lock
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewQueue(sessionID string, sender Sender, size int) *Queue {
	if size <= 0 {
		size = 512
	}
	q := &Queue{
		sessionID: sessionID,
		sender:    sender,
		jobs:      make(chan job, size),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules an event. It blocks while the queue is full until Close
// is called, and is a no-op after Close or for an empty endpoint.
func (q *Queue) Enqueue(ep Endpoint, event string, payload interface{}) {
	if ep.Empty() {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		zap.L().Debug("webhook: queue closed, dropping event",
			zap.String("session", q.sessionID), zap.String("event", event))
		return
	}
	select {
	case q.jobs <- job{ep: ep, event: event, payload: payload}:
	case <-q.stop:
		zap.L().Debug("webhook: queue closing, dropping event",
			zap.String("session", q.sessionID), zap.String("event", event))
	}
}

// Close stops accepting events. Queued events are still delivered.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Done is closed once every queued event has been handled.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		if err := q.sender.Deliver(context.Background(), j.ep, q.sessionID, j.event, j.payload); err != nil {
			zap.L().Debug("webhook: event dropped",
				zap.String("session", q.sessionID),
				zap.String("event", j.event),
				zap.Error(err))
		}
	}
}
