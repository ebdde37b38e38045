package session

import (
	"context"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/pkg/metrics"
	"go.uber.org/zap"
)

// ConnectionUpdate is the connection.update webhook payload.
type ConnectionUpdate struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// run is the event loop of s. Every state transition of the session happens
// here, one event at a time.
func (r *Registry) run(s *Session) {
	defer close(s.stopped)
	for {
		select {
		case env := <-s.events:
			if env.gen != s.generation() {
				zap.L().Debug("whatsapp: drop event of replaced handle",
					zap.String("session", s.id), zap.Uint64("gen", env.gen))
				continue
			}
			if r.dispatch(s, env.ev) {
				return
			}
		case <-s.quit:
			return
		}
	}
}

// dispatch handles one event and reports whether the loop must exit.
func (r *Registry) dispatch(s *Session, ev interface{}) bool {
	switch ev := ev.(type) {
	case PairingCode:
		r.onPairingCode(s, ev)
	case Opened:
		r.onOpened(s, ev)
	case Closed:
		return r.onClosed(s, ev)
	case Inbound:
		r.onInbound(s, ev)
	case reconnectDue:
		r.onReconnectDue(s)
	default:
		zap.L().Warn("whatsapp: unknown session event", zap.String("session", s.id), zap.Any("event", ev))
	}
	return false
}

func (r *Registry) onPairingCode(s *Session, ev PairingCode) {
	if s.Status() == StatusConnected {
		return
	}
	qr, err := r.renderQR(ev.Code)
	if err != nil {
		zap.L().Error("whatsapp: render pairing code", zap.String("session", s.id), zap.Error(err))
		return
	}
	if r.opts.PrintQR {
		PrintQR(ev.Code)
	}
	r.transition(s, StatusPairingRequired, qr, CauseUnknown, "")
	r.notify(s, ConnectionUpdate{Status: StatusPairingRequired.String(), QR: qr})
}

func (r *Registry) onOpened(s *Session, ev Opened) {
	s.stopReconnect()
	r.backoff.Reset(s.id)
	s.setJID(ev.JID)
	r.transition(s, StatusConnected, "", CauseUnknown, "")
	r.notify(s, ConnectionUpdate{Status: StatusConnected.String()})
	zap.L().Info("whatsapp: session connected", zap.String("session", s.id), zap.String("jid", ev.JID))
}

func (r *Registry) onClosed(s *Session, ev Closed) bool {
	var errMsg string
	if ev.Err != nil {
		errMsg = ev.Err.Error()
	}
	class := Classify(ev.Cause)
	if class.Retries() && s.Status() == StatusDisconnected && s.reconnect != nil {
		// a reconnect is already scheduled for this handle
		return false
	}
	s.stopReconnect()

	zap.L().Warn("whatsapp: connection closed",
		zap.String("session", s.id),
		zap.Int("cause", ev.Cause),
		zap.String("class", class.String()),
		zap.String("error", errMsg))

	if !class.Retries() {
		r.remove(s, class, ev.Cause, errMsg)
		return true
	}
	r.transition(s, StatusDisconnected, "", ev.Cause, errMsg)
	r.notify(s, ConnectionUpdate{Status: StatusDisconnected.String(), Error: errMsg})
	r.scheduleReconnect(s)
	return false
}

func (r *Registry) scheduleReconnect(s *Session) {
	delay := r.backoff.NextDelay(s.id)
	gen := s.generation()
	s.reconnect = time.AfterFunc(delay, func() {
		s.post(gen, reconnectDue{})
	})
	zap.L().Info("whatsapp: reconnect scheduled",
		zap.String("session", s.id),
		zap.Duration("delay", delay),
		zap.Int("attempt", r.backoff.Attempts(s.id)))
}

func (r *Registry) onReconnectDue(s *Session) {
	s.reconnect = nil
	if st := s.Status(); st == StatusConnected || st == StatusRemoved {
		return
	}
	if !r.guard.TryAcquire(s.id) {
		zap.L().Debug("whatsapp: reconnect skipped, start in flight", zap.String("session", s.id))
		return
	}
	metrics.IncReconnect()
	r.transition(s, StatusConnecting, "", CauseUnknown, "")
	r.notify(s, ConnectionUpdate{Status: StatusConnecting.String()})
	r.acquire(s)
}

// remove ends the session for good. Credentials are erased only when the
// account unlinked the device.
func (r *Registry) remove(s *Session, class DisconnectClass, cause int, errMsg string) {
	r.transition(s, StatusRemoved, "", cause, errMsg)
	r.notify(s, ConnectionUpdate{Status: StatusRemoved.String(), Reason: class.String(), Error: errMsg})

	r.detach(s)
	s.stop()
	if h := s.takeHandle(); h != nil {
		h.Disconnect()
	}
	s.queue.Close()
	r.backoff.Reset(s.id)

	if class.ErasesCredentials() {
		r.erase(context.Background(), s.id)
	}
	zap.L().Info("whatsapp: session removed", zap.String("session", s.id), zap.String("reason", class.String()))
}

func (r *Registry) onInbound(s *Session, ev Inbound) {
	ctx := context.Background()
	h := s.currentHandle()
	if h == nil {
		return
	}
	ep := s.Endpoint()
	for _, item := range r.normalizer.Normalize(ctx, s.id, h, ev.Raw) {
		s.queue.Enqueue(ep, item.Name, item.Payload)
	}
}

// transition moves s to status, publishes the change and records it.
func (r *Registry) transition(s *Session, to Status, qr string, cause int, errMsg string) {
	from := s.setState(to, qr)
	change := StateChange{SessionID: s.id, From: from, To: to, QR: qr}
	r.bus.Publish(TopicStateChange, change)
	r.bus.Publish(stateTopic(s.id), change)

	ctx := context.Background()
	if err := r.repo.UpdateStatus(ctx, s.id, to, s.JID(), errMsg); err != nil {
		zap.L().Error("whatsapp: persist status", zap.String("session", s.id), zap.Error(err))
	}
	if from == to {
		return
	}
	entry := &domain.SessionEventLog{
		SessionID:  s.id,
		FromStatus: from.String(),
		ToStatus:   to.String(),
		Cause:      cause,
		Message:    errMsg,
	}
	if err := r.repo.AppendLog(ctx, entry); err != nil {
		zap.L().Error("whatsapp: append session log", zap.String("session", s.id), zap.Error(err))
	}
}

func (r *Registry) notify(s *Session, update ConnectionUpdate) {
	s.queue.Enqueue(s.Endpoint(), webhook.EventConnectionUpdate, update)
}
