package domain

import "time"

// SessionEventLog audit trail of session state transitions
type SessionEventLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	SessionID  string    `json:"session_id" gorm:"index;size:128"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Cause      int       `json:"cause"` // disconnect cause code, 0 when not a close
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name
func (SessionEventLog) TableName() string {
	return "session_event_log"
}
