package domain

import "time"

// Tenant status values.
const (
	TenantActive   = "ACTIVE"
	TenantDisabled = "DISABLED"
)

// Device status values. A session transitions OFFLINE -> (QR ->)? ONLINE ->
// OFFLINE; ERROR is a terminal annotation cleared by the next connect attempt.
const (
	DeviceOffline = "OFFLINE"
	DeviceQR      = "QR"
	DeviceOnline  = "ONLINE"
	DeviceError   = "ERROR"
)

// Tenant is the scoping root. Every device, endpoint, event and delivery
// chain is reachable from exactly one tenant.
type Tenant struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Name      string    `gorm:"index" json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenant"
}

// Device is one logical chat account. Mutated exclusively by the session
// manager and the control-plane (labels/delete).
type Device struct {
	ID         string     `json:"id" gorm:"primaryKey;size:32"`
	TenantID   string     `json:"tenant_id" gorm:"index;size:32"`
	Label      string     `json:"label"`
	PhoneHint  string     `json:"phone_hint"`
	Status     string     `json:"status"`
	Qr         string     `json:"qr" gorm:"type:text"`
	LastError  string     `json:"last_error"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Device) TableName() string {
	return "device"
}

// WaSession holds the ciphertext blob of one device's serialized auth
// credentials and key buckets. Deleting it forces a fresh pairing.
type WaSession struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	DeviceID     string    `json:"device_id" gorm:"uniqueIndex;size:32"`
	AuthStateEnc string    `json:"-" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (WaSession) TableName() string {
	return "wa_session"
}

// PublicQrLink is a one-time QR exposure link. Valid iff now <= ExpiresAt;
// a successful ONLINE transition expires all live links for the device.
type PublicQrLink struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	DeviceID  string    `json:"device_id" gorm:"index;size:32"`
	Token     string    `json:"token" gorm:"uniqueIndex;size:128"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (PublicQrLink) TableName() string {
	return "public_qr_link"
}
