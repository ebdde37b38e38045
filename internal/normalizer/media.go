package normalizer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
)

type mediaRef struct {
	kind     string
	msg      whatsmeow.DownloadableMessage
	mimetype string
	filename string
}

func mediaOf(msg *waE2E.Message) *mediaRef {
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return &mediaRef{kind: "image", msg: m, mimetype: m.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return &mediaRef{kind: "video", msg: m, mimetype: m.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return &mediaRef{kind: "audio", msg: m, mimetype: m.GetMimetype()}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return &mediaRef{kind: "document", msg: m, mimetype: m.GetMimetype(), filename: m.GetFileName()}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return &mediaRef{kind: "sticker", msg: m, mimetype: m.GetMimetype()}
	}
	return nil
}

// download fetches and encodes an attachment. A failure is logged and the
// message is delivered without media.
func (n *Normalizer) download(ctx context.Context, sessionID string, cli Client, ref *mediaRef) *Media {
	if cli == nil {
		return nil
	}
	data, err := cli.Download(ctx, ref.msg)
	if err != nil {
		zap.L().Warn("normalizer: media download failed",
			zap.String("session", sessionID),
			zap.String("kind", ref.kind),
			zap.Error(err))
		return nil
	}

	mt := ref.mimetype
	if mt == "" {
		mt = mimetype.Detect(data).String()
	}
	filename := ref.filename
	if filename == "" {
		filename = fmt.Sprintf("media_%d%s", n.now().UnixMilli(), extensionFor(mt))
	}
	zap.L().Debug("normalizer: media downloaded",
		zap.String("session", sessionID),
		zap.String("kind", ref.kind),
		zap.Int("size", len(data)))
	return &Media{
		Data:     base64.StdEncoding.EncodeToString(data),
		Mimetype: mt,
		Filename: filename,
	}
}

func extensionFor(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	if m := mimetype.Lookup(strings.TrimSpace(mt)); m != nil {
		return m.Extension()
	}
	return ""
}
