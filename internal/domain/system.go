package domain

import (
	"time"
)

// SysOprLog records management api operations (session start, delete)
type SysOprLog struct {
	ID        int64     `json:"id,string"`
	OprIp     string    `json:"opr_ip"`
	OptAction string    `json:"opt_action"`
	OptTarget string    `json:"opt_target" gorm:"index"`
	OptDesc   string    `json:"opt_desc"`
	OptTime   time.Time `json:"opt_time" gorm:"index"`
}

// TableName Specify table name
func (SysOprLog) TableName() string {
	return "sys_opr_log"
}
