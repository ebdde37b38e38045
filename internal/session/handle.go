package session

import (
	"context"

	"github.com/talkincode/wabridge/internal/normalizer"
	"go.mau.fi/whatsmeow/types"
)

// Lifecycle events a Handle emits into its session.
type (
	// PairingCode a new pairing code is ready to be scanned.
	PairingCode struct{ Code string }
	// Opened the connection is established and authenticated.
	Opened struct{ JID string }
	// Closed the connection ended; Cause is one of the Cause* codes.
	Closed struct {
		Cause int
		Err   error
	}
	// Inbound any other protocol event, handed to the normalizer.
	Inbound struct{ Raw interface{} }
)

// Emit delivers a handle event to the owning session.
type Emit func(ev interface{})

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// OutboundMedia is a decoded attachment ready to upload.
type OutboundMedia struct {
	Kind     MediaKind
	Data     []byte
	Mimetype string
	Filename string
	Caption  string
	PTT      bool
}

type SendResult struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Handle is an exclusively owned protocol connection of one session.
type Handle interface {
	normalizer.Client

	// Connect starts connecting; progress is reported through Emit.
	Connect() error
	// Disconnect closes the connection and keeps the credentials.
	Disconnect()
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error

	SendText(ctx context.Context, to types.JID, text string) (SendResult, error)
	SendMedia(ctx context.Context, to types.JID, media OutboundMedia) (SendResult, error)

	IsOnWhatsApp(ctx context.Context, phone string) (types.JID, bool, error)
	ProfilePictureURL(ctx context.Context, jid types.JID) (string, error)
	About(ctx context.Context, jid types.JID) (string, error)
	SubscribePresence(ctx context.Context, jid types.JID) error
}

// Provider creates handles and owns their credential stores.
type Provider interface {
	// Acquire opens (or initializes empty) the credential store of id and
	// returns a handle that reports through emit. It does not connect.
	Acquire(ctx context.Context, id string, emit Emit) (Handle, error)
	// Erase deletes the credential store of id.
	Erase(ctx context.Context, id string) error
	// Known lists the ids that have a credential store.
	Known(ctx context.Context) ([]string, error)
}
