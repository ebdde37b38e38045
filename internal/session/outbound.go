package session

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow/types"
)

const defaultDocumentMime = "application/pdf"

// MediaInput is an attachment as received from the api.
type MediaInput struct {
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename"`
}

// legacyGroup matches the <creator>-<unix time> id of groups created before
// numeric group ids.
var legacyGroup = regexp.MustCompile(`^[0-9]{5,}-[0-9]{9,}$`)

// ParseReceiver turns a consumer supplied receiver into an address. A full
// address is used as is. Spaces and '+' are dropped first; a <creator>-<time>
// id or a number of 15 digits or more is a group, anything else a phone
// number whose '-' separators are ignored.
func ParseReceiver(receiver string) (types.JID, error) {
	receiver = strings.TrimSpace(receiver)
	if receiver == "" {
		return types.EmptyJID, ErrInvalidReceiver
	}
	if strings.Contains(receiver, "@") {
		jid, err := types.ParseJID(receiver)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: %v", ErrInvalidReceiver, err)
		}
		return jid, nil
	}
	cleaned := strings.Join(strings.FieldsFunc(receiver, func(r rune) bool {
		return unicode.IsSpace(r) || r == '+'
	}), "")
	if legacyGroup.MatchString(cleaned) {
		return types.NewJID(cleaned, types.GroupServer), nil
	}
	digits := strings.ReplaceAll(cleaned, "-", "")
	if digits == "" || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return types.EmptyJID, ErrInvalidReceiver
	}
	if len(digits) >= 15 {
		return types.NewJID(digits, types.GroupServer), nil
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// SelectMedia decodes an api attachment and picks how it is sent.
func SelectMedia(in MediaInput, caption string) (OutboundMedia, error) {
	raw := in.Data
	if strings.HasPrefix(raw, "data:") {
		if i := strings.Index(raw, ","); i >= 0 {
			raw = raw[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(data) == 0 {
		return OutboundMedia{}, fmt.Errorf("%w: data is not base64", ErrInvalidMedia)
	}

	mt := strings.TrimSpace(in.Mimetype)
	if mt == "" {
		mt = mimetype.Detect(data).String()
		if strings.HasPrefix(mt, "application/octet-stream") {
			mt = defaultDocumentMime
		}
	}

	out := OutboundMedia{
		Data:     data,
		Mimetype: mt,
		Filename: in.Filename,
		Caption:  caption,
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		out.Kind = MediaImage
	case strings.HasPrefix(mt, "video/"):
		out.Kind = MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		out.Kind = MediaAudio
		out.PTT = strings.Contains(in.Filename, "voice_note") || strings.Contains(caption, "🎤")
	default:
		out.Kind = MediaDocument
		if out.Filename == "" {
			out.Filename = "document" + extensionOf(mt)
		}
	}
	if out.Caption == out.Filename {
		out.Caption = ""
	}
	return out, nil
}

func extensionOf(mt string) string {
	if m := mimetype.Lookup(mt); m != nil {
		return m.Extension()
	}
	return ""
}
