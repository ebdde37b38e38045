package domain

import "time"

// WhatsAppSession is the durable record of one linked-device session. The
// protocol credentials live in the session's own store directory; this row
// carries what the bridge itself needs to bring the session back.
type WhatsAppSession struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	SessionID    string    `json:"session_id" gorm:"uniqueIndex;size:128"`
	WebhookURL   string    `json:"webhook_url"`
	WebhookToken string    `json:"-"`
	Jid          string    `json:"jid"`    // own account, set once the session opens
	Status       string    `json:"status"` // last observed connection status
	LastError    string    `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_session"
}

// IdentityMapping links an opaque privacy identifier to a phone number
// within one session.
type IdentityMapping struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"uniqueIndex:idx_identity_session_lid;size:128"`
	Lid       string    `json:"lid" gorm:"uniqueIndex:idx_identity_session_lid;size:64"`
	Phone     string    `json:"phone"`
	Source    string    `json:"source"` // query, contact, participant
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IdentityMapping) TableName() string {
	return "identity_mapping"
}
