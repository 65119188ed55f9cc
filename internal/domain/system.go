package domain

import "time"

// Log levels recorded in sys_log.
const (
	LogDebug = "DEBUG"
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// Log service names.
const (
	LogServiceAPI    = "api"
	LogServiceWorker = "worker"
)

// SysLog is the diagnostic trail written by the DB log sink.
type SysLog struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Level     string    `gorm:"index" json:"level"`
	Service   string    `gorm:"index" json:"service"`
	Message   string    `json:"message" gorm:"type:text"`
	Error     string    `json:"error" gorm:"type:text"`
	Metadata  string    `json:"metadata" gorm:"type:text"`
	TenantID  string    `json:"tenant_id" gorm:"index;size:32"`
	DeviceID  string    `json:"device_id" gorm:"index;size:32"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName Specify table name
func (SysLog) TableName() string {
	return "sys_log"
}
