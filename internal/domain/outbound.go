package domain

import "time"

// OutboundMessage status values. The history is always a prefix of
// QUEUED -> PROCESSING -> (SENT | FAILED).
const (
	OutboundQueued     = "QUEUED"
	OutboundProcessing = "PROCESSING"
	OutboundSent       = "SENT"
	OutboundFailed     = "FAILED"
)

// OutboundMessageTypeText is the only supported outbound payload type.
const OutboundMessageTypeText = "text"

// OutboundMessage is one send request, exclusively owned by the outbound
// dispatcher after creation.
type OutboundMessage struct {
	ID                string    `json:"id" gorm:"primaryKey;size:32"`
	TenantID          string    `json:"tenant_id" gorm:"index;size:32"`
	DeviceID          string    `json:"device_id" gorm:"index;size:32"`
	To                string    `json:"to"`
	Type              string    `json:"type"`
	PayloadJSON       string    `json:"payload_json" gorm:"type:text"`
	IsTest            bool      `json:"is_test"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id"`
	Error             string    `json:"error"`
	CreatedAt         time.Time `json:"created_at"`
}

func (OutboundMessage) TableName() string {
	return "outbound_message"
}
