package domain

import "time"

// WebhookDelivery status values.
const (
	DeliveryPending = "PENDING"
	DeliverySuccess = "SUCCESS"
	DeliveryFailed  = "FAILED"
	DeliveryDLQ     = "DLQ"
)

// EventTypeMessageInbound is the only event type currently emitted.
const EventTypeMessageInbound = "message.inbound"

// WebhookEndpoint is a per-tenant HMAC-signing sink.
type WebhookEndpoint struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	TenantID  string    `json:"tenant_id" gorm:"index;size:32"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func (WebhookEndpoint) TableName() string {
	return "webhook_endpoint"
}

// Event is the append-only record of an observed inbound. Immutable once
// written.
type Event struct {
	ID             string    `json:"id" gorm:"primaryKey;size:32"`
	TenantID       string    `json:"tenant_id" gorm:"index;size:32"`
	DeviceID       string    `json:"device_id" gorm:"index;size:32"`
	Type           string    `json:"type"`
	NormalizedJSON string    `json:"normalized_json" gorm:"type:text"`
	RawJSON        string    `json:"raw_json" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Event) TableName() string {
	return "event"
}

// WebhookDelivery is one delivery attempt chain for one (event, endpoint)
// pair. Mutated only by the webhook dispatcher.
type WebhookDelivery struct {
	ID          string     `json:"id" gorm:"primaryKey;size:32"`
	EndpointID  string     `json:"endpoint_id" gorm:"index;size:32"`
	EventID     string     `json:"event_id" gorm:"index;size:32"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error"`
	NextRetryAt *time.Time `json:"next_retry_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (WebhookDelivery) TableName() string {
	return "webhook_delivery"
}
