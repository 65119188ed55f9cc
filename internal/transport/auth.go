package transport

// KeyKind enumerates the Signal-style key buckets the protocol library
// reads and writes through the key store facade.
type KeyKind string

const (
	KindSession         KeyKind = "session"
	KindSenderKey       KeyKind = "sender-key"
	KindSenderKeyMemory KeyKind = "sender-key-memory"
	KindPreKey          KeyKind = "pre-key"
	KindAppStateSyncKey KeyKind = "app-state-sync-key"
)

// KeyKinds lists every bucket, in persistence order.
var KeyKinds = []KeyKind{KindSession, KindSenderKey, KindSenderKeyMemory, KindPreKey, KindAppStateSyncKey}

// KeyUpdates maps bucket kind to id to blob. A nil blob deletes the entry.
type KeyUpdates map[KeyKind]map[string][]byte

// KeyStore is the mapping from (kind, id) to an opaque blob with
// upsert-or-delete semantics. Set returns with all deletions and updates
// applied.
type KeyStore interface {
	Get(kind KeyKind, ids []string) (map[string][]byte, error)
	Set(updates KeyUpdates) error
}

// Contact is the authenticated principal of a paired device.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Creds is the opaque credential document the transport maintains across
// pairing and key rotation. Fields beyond Me/Registered are not
// interpreted by the engine.
type Creds struct {
	RegistrationID  uint32   `json:"registrationId"`
	NoiseKey        []byte   `json:"noiseKey,omitempty"`
	SignedIdentity  []byte   `json:"signedIdentityKey,omitempty"`
	AdvSecretKey    []byte   `json:"advSecretKey,omitempty"`
	NextPreKeyID    uint32   `json:"nextPreKeyId"`
	FirstUnuploaded uint32   `json:"firstUnuploadedPreKeyId"`
	Platform        string   `json:"platform,omitempty"`
	Me              *Contact `json:"me,omitempty"`
	Registered      bool     `json:"registered"`
}

// AuthState is the authentication state handed to Dial: the credential
// document plus the typed key buckets.
type AuthState struct {
	Creds *Creds
	Keys  KeyStore
}
