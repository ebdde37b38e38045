package whatsapp

import (
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// translate maps a whatsmeow event to the session event it stands for.
// Events the bridge has no use for are dropped.
func translate(evt interface{}, self func() string) (interface{}, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return session.Opened{JID: self()}, true
	case *events.LoggedOut:
		return session.Closed{Cause: session.CauseLoggedOut, Err: errors.Errorf("logged out: %s", e.Reason)}, true
	case *events.StreamReplaced:
		return session.Closed{Cause: session.CauseReplaced, Err: errors.New("stream replaced by another client")}, true
	case *events.ConnectFailure:
		return session.Closed{Cause: failureCause(e.Reason), Err: errors.Errorf("connect failure: %s", e.Reason)}, true
	case *events.TemporaryBan:
		return session.Closed{Cause: session.CauseForbidden, Err: errors.Errorf("temporary ban: %s", e)}, true
	case *events.ClientOutdated:
		return session.Closed{Cause: session.CauseBadSession, Err: errors.New("client outdated")}, true
	case *events.StreamError:
		return session.Closed{Cause: session.CauseBadSession, Err: errors.Errorf("stream error %s", e.Code)}, true
	case *events.Disconnected:
		return session.Closed{Cause: session.CauseConnectionClosed, Err: errors.New("connection closed")}, true
	case *events.Message, *events.Receipt, *events.Presence, *events.ChatPresence, *events.Contact:
		return session.Inbound{Raw: evt}, true
	}
	return nil, false
}

func failureCause(reason events.ConnectFailureReason) int {
	switch {
	case reason.IsLoggedOut():
		return session.CauseLoggedOut
	case reason == events.ConnectFailureTempBanned:
		return session.CauseForbidden
	case reason == events.ConnectFailureServiceUnavailable:
		return session.CauseUnavailable
	default:
		return session.CauseBadSession
	}
}

// translatePairing maps a pairing channel item. A successful pairing yields
// nothing; the Connected event that follows opens the session.
func translatePairing(item whatsmeow.QRChannelItem) (interface{}, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return session.PairingCode{Code: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		return nil, false
	case whatsmeow.QRChannelTimeout.Event:
		return session.Closed{Cause: session.CauseTimedOut, Err: errors.New("pairing timed out")}, true
	case whatsmeow.QRChannelEventError:
		return session.Closed{Cause: session.CauseUnknown, Err: item.Error}, true
	default:
		return session.Closed{Cause: session.CauseUnknown, Err: errors.Errorf("pairing failed: %s", item.Event)}, true
	}
}
