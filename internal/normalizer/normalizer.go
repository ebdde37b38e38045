package normalizer

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/talkincode/wabridge/internal/identity"
	"github.com/talkincode/wabridge/internal/webhook"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Client is the part of a session handle the normalizer needs.
type Client interface {
	identity.Lookup
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
}

// Normalizer turns raw protocol events into consumer callbacks.
type Normalizer struct {
	resolver   *identity.Resolver
	groupNames *expirable.LRU[string, string]
	now        func() time.Time
}

func New(resolver *identity.Resolver) *Normalizer {
	return &Normalizer{
		resolver:   resolver,
		groupNames: expirable.NewLRU[string, string](1024, nil, 10*time.Minute),
		now:        time.Now,
	}
}

// Normalize converts one raw event. It returns nothing for events the
// consumer does not receive; a receipt may fan out to several events.
func (n *Normalizer) Normalize(ctx context.Context, sessionID string, cli Client, raw interface{}) []Event {
	switch evt := raw.(type) {
	case *events.Message:
		if m := n.message(ctx, sessionID, cli, evt); m != nil {
			return []Event{{Name: webhook.EventMessagesUpsert, Payload: MessagesUpsert{Messages: []IncomingMessage{*m}}}}
		}
	case *events.Receipt:
		return n.receipt(evt)
	case *events.Presence:
		from, _ := n.resolver.Resolve(ctx, sessionID, evt.From, cli)
		p := PresenceUpdate{From: from, Presence: "available"}
		if evt.Unavailable {
			p.Presence = "unavailable"
		}
		if !evt.LastSeen.IsZero() {
			p.LastSeen = evt.LastSeen.Unix()
		}
		return []Event{{Name: webhook.EventPresenceUpdate, Payload: p}}
	case *events.ChatPresence:
		from, _ := n.resolver.Resolve(ctx, sessionID, evt.Sender, cli)
		presence := string(evt.State)
		if evt.State == types.ChatPresenceComposing && evt.Media == types.ChatPresenceMediaAudio {
			presence = "recording"
		}
		return []Event{{Name: webhook.EventPresenceUpdate, Payload: PresenceUpdate{From: from, Presence: presence}}}
	case *events.Contact:
		n.contact(ctx, sessionID, evt)
	}
	return nil
}

func (n *Normalizer) message(ctx context.Context, sessionID string, cli Client, evt *events.Message) *IncomingMessage {
	info := evt.Info
	if info.IsFromMe || evt.Message == nil {
		return nil
	}
	if info.Chat.Server == types.BroadcastServer || info.Chat.IsBroadcastList() {
		return nil
	}

	n.observeSender(ctx, sessionID, info.MessageSource)

	msg := evt.Message
	text := extractText(msg)
	ref := mediaOf(msg)
	var media *Media
	if ref != nil {
		media = n.download(ctx, sessionID, cli, ref)
		if text == "" {
			text = "[Media: " + ref.kind + "]"
		}
	}
	if text == "" && media == nil {
		return nil
	}

	from, resolved := n.resolver.Resolve(ctx, sessionID, info.Sender, cli)
	out := &IncomingMessage{
		ID:         info.ID,
		From:       from,
		Text:       text,
		Timestamp:  info.Timestamp.Unix(),
		PushName:   info.PushName,
		Media:      media,
		IsGroup:    info.IsGroup || info.Chat.Server == types.GroupServer,
		Unresolved: !resolved,
	}
	if out.IsGroup {
		out.GroupID = info.Chat.User
		out.Participant = from
		out.GroupName = n.groupName(ctx, sessionID, cli, info.Chat)
	}
	if ci := contextInfo(msg); ci != nil && ci.GetStanzaID() != "" {
		quoted := extractText(ci.GetQuotedMessage())
		if quoted == "" {
			quoted = "[Media]"
		}
		out.ReplyTo = &Reply{ID: ci.GetStanzaID(), Text: quoted}
	}
	return out
}

// observeSender records the LID and phone pair carried by the message
// addressing, in either direction.
func (n *Normalizer) observeSender(ctx context.Context, sessionID string, src types.MessageSource) {
	if src.SenderAlt.IsEmpty() {
		return
	}
	switch {
	case src.Sender.Server == types.HiddenUserServer && src.SenderAlt.Server == types.DefaultUserServer:
		n.resolver.Observe(ctx, sessionID, src.Sender, src.SenderAlt, identity.SourceParticipant)
	case src.Sender.Server == types.DefaultUserServer && src.SenderAlt.Server == types.HiddenUserServer:
		n.resolver.Observe(ctx, sessionID, src.SenderAlt, src.Sender, identity.SourceParticipant)
	}
}

func (n *Normalizer) groupName(ctx context.Context, sessionID string, cli Client, chat types.JID) string {
	key := sessionID + "|" + chat.User
	if name, ok := n.groupNames.Get(key); ok {
		return name
	}
	if cli == nil {
		return ""
	}
	info, err := cli.GetGroupInfo(ctx, chat)
	if err != nil || info == nil {
		zap.L().Debug("normalizer: group info unavailable",
			zap.String("session", sessionID), zap.String("group", chat.User), zap.Error(err))
		return ""
	}
	for _, p := range info.Participants {
		if !p.LID.IsEmpty() && !p.PhoneNumber.IsEmpty() {
			n.resolver.Observe(ctx, sessionID, p.LID, p.PhoneNumber, identity.SourceParticipant)
		}
	}
	n.groupNames.Add(key, info.Name)
	return info.Name
}

func (n *Normalizer) receipt(evt *events.Receipt) []Event {
	status := StatusFromCode(receiptCode(evt.Type))
	out := make([]Event, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, Event{
			Name: webhook.EventMessageStatus,
			Payload: DeliveryStatusUpdate{
				MessageID: id,
				Status:    status,
				Timestamp: evt.Timestamp.Unix(),
			},
		})
	}
	return out
}

func receiptCode(t types.ReceiptType) int {
	switch t {
	case types.ReceiptTypeSender:
		return 1
	case types.ReceiptTypeDelivered:
		return 2
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf, types.ReceiptTypePlayed:
		return 3
	default:
		return 0
	}
}

func (n *Normalizer) contact(ctx context.Context, sessionID string, evt *events.Contact) {
	if evt.Action == nil || evt.JID.Server != types.DefaultUserServer {
		return
	}
	raw := evt.Action.GetLidJID()
	if raw == "" {
		return
	}
	lid, err := types.ParseJID(raw)
	if err != nil {
		return
	}
	n.resolver.Observe(ctx, sessionID, lid, evt.JID, identity.SourceContact)
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	for _, t := range []string{
		msg.GetConversation(),
		msg.GetExtendedTextMessage().GetText(),
		msg.GetImageMessage().GetCaption(),
		msg.GetVideoMessage().GetCaption(),
		msg.GetDocumentMessage().GetCaption(),
		msg.GetButtonsResponseMessage().GetSelectedButtonID(),
		msg.GetListResponseMessage().GetTitle(),
	} {
		if t != "" {
			return t
		}
	}
	return ""
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	}
	return nil
}
