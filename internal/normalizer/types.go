package normalizer

// Media is an inbound attachment, base64 encoded.
type Media struct {
	Data     string `json:"data"`
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename"`
}

type Reply struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// IncomingMessage is one entry of a messages.upsert callback.
type IncomingMessage struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
	PushName    string `json:"pushName"`
	Media       *Media `json:"media"`
	IsGroup     bool   `json:"isGroup"`
	GroupID     string `json:"groupId,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	Participant string `json:"participant,omitempty"`
	ReplyTo     *Reply `json:"replyTo,omitempty"`
	Unresolved  bool   `json:"unresolved,omitempty"`
}

type MessagesUpsert struct {
	Messages []IncomingMessage `json:"messages"`
}

type PresenceUpdate struct {
	From     string `json:"from"`
	Presence string `json:"presence"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type DeliveryStatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Event is a normalized callback: the webhook event name and its payload.
type Event struct {
	Name    string
	Payload interface{}
}

const (
	StatusSent      = "Sent"
	StatusDelivered = "Delivered"
	StatusRead      = "Read"
)

// StatusFromCode maps a delivery status code to its display name. Unknown
// codes are reported as Sent.
func StatusFromCode(code int) string {
	switch code {
	case 2:
		return StatusDelivered
	case 3:
		return StatusRead
	default:
		return StatusSent
	}
}
