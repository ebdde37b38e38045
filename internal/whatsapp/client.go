package whatsapp

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Client is the session.Handle over one whatsmeow client and its store.
type Client struct {
	id        string
	cli       *whatsmeow.Client
	container *sqlstore.Container
	emit      session.Emit

	mu        sync.Mutex
	cancelQR  context.CancelFunc
	closeOnce sync.Once
}

var _ session.Handle = (*Client)(nil)

// Connect starts connecting. An unpaired device first opens the pairing
// code channel so codes are forwarded as they rotate.
func (c *Client) Connect() error {
	if c.cli.Store.ID == nil {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			cancel()
			return errors.Wrap(err, "open pairing channel")
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.forwardPairing(ch)
	}
	return c.cli.Connect()
}

func (c *Client) forwardPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if ev, ok := translatePairing(item); ok {
			c.emit(ev)
		} else {
			zap.L().Info("whatsapp: pairing finished", zap.String("session", c.id), zap.String("event", item.Event))
		}
	}
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
	c.mu.Unlock()
	c.cli.Disconnect()
	c.closeOnce.Do(func() {
		if err := c.container.Close(); err != nil {
			zap.L().Warn("whatsapp: close store", zap.String("session", c.id), zap.Error(err))
		}
	})
}

func (c *Client) Logout(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Logout(ctx)
}

func (c *Client) handleEvent(evt interface{}) {
	if _, ok := evt.(*events.PairSuccess); ok {
		zap.L().Info("whatsapp: device paired", zap.String("session", c.id))
		return
	}
	if ev, ok := translate(evt, c.self); ok {
		c.emit(ev)
	}
}

func (c *Client) self() string {
	if id := c.cli.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

func (c *Client) GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error) {
	return c.cli.Store.LIDs.GetPNForLID(ctx, lid)
}

func (c *Client) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return c.cli.Download(ctx, msg)
}

func (c *Client) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	return c.cli.GetGroupInfo(ctx, jid)
}

func (c *Client) SendText(ctx context.Context, to types.JID, text string) (session.SendResult, error) {
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
}

func (c *Client) SendMedia(ctx context.Context, to types.JID, m session.OutboundMedia) (session.SendResult, error) {
	up, err := c.cli.Upload(ctx, m.Data, uploadType(m.Kind))
	if err != nil {
		return session.SendResult{}, errors.Wrapf(err, "upload %s", m.Kind)
	}
	return c.send(ctx, to, buildMediaMessage(m, up))
}

func (c *Client) send(ctx context.Context, to types.JID, msg *waE2E.Message) (session.SendResult, error) {
	resp, err := c.cli.SendMessage(ctx, to, msg)
	if err != nil {
		return session.SendResult{}, errors.Wrapf(err, "send to %s", to)
	}
	return session.SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp.Unix()}, nil
}

// IsOnWhatsApp checks a phone number given in any common notation.
func (c *Client) IsOnWhatsApp(ctx context.Context, phone string) (types.JID, bool, error) {
	digits := onlyDigits(phone)
	if digits == "" {
		return types.EmptyJID, false, session.ErrInvalidReceiver
	}
	resp, err := c.cli.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return types.EmptyJID, false, errors.Wrap(err, "is on whatsapp")
	}
	if len(resp) == 0 {
		return types.EmptyJID, false, nil
	}
	return resp[0].JID, resp[0].IsIn, nil
}

func (c *Client) ProfilePictureURL(ctx context.Context, jid types.JID) (string, error) {
	info, err := c.cli.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (c *Client) About(ctx context.Context, jid types.JID) (string, error) {
	users, err := c.cli.GetUserInfo(ctx, []types.JID{jid})
	if err != nil {
		return "", err
	}
	return users[jid].Status, nil
}

func (c *Client) SubscribePresence(ctx context.Context, jid types.JID) error {
	return c.cli.SubscribePresence(ctx, jid)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func uploadType(kind session.MediaKind) whatsmeow.MediaType {
	switch kind {
	case session.MediaImage:
		return whatsmeow.MediaImage
	case session.MediaVideo:
		return whatsmeow.MediaVideo
	case session.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func buildMediaMessage(m session.OutboundMedia, up whatsmeow.UploadResponse) *waE2E.Message {
	switch m.Kind {
	case session.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case session.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case session.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(m.PTT),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(m.Mimetype),
			FileName:      proto.String(m.Filename),
			Title:         proto.String(m.Filename),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}
