// Package authstate backs the chat transport's authentication-state
// abstraction with one durable, vault-encrypted row per device.
package authstate

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/vault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// saveDebounce is the trailing window that amortizes chatty key rotation
// writes while guaranteeing eventual persistence.
const saveDebounce = 2 * time.Second

// document is the plaintext layout of wa_session.auth_state_enc.
type document struct {
	Creds *transport.Creds             `json:"creds"`
	Keys  map[string]map[string][]byte `json:"keys"`
}

// Store loads and persists device auth state.
type Store struct {
	db    *gorm.DB
	vault *vault.Vault
}

func NewStore(db *gorm.DB, v *vault.Vault) *Store {
	return &Store{db: db, vault: v}
}

// Handle is one device's in-memory auth state. The session manager hands at
// most one live handle per device to the transport, which serializes saves.
type Handle struct {
	store    *Store
	deviceID string

	mu      sync.Mutex
	creds   *transport.Creds
	buckets map[transport.KeyKind]map[string][]byte
	timer   *time.Timer
}

// Load reads and decrypts the device row. A missing or undecipherable row
// falls back to fresh credentials, equivalent to an unpaired device.
func (s *Store) Load(deviceID string) (*Handle, error) {
	h := &Handle{
		store:    s,
		deviceID: deviceID,
		buckets:  emptyBuckets(),
	}
	var row domain.WaSession
	err := s.db.Where("device_id = ?", deviceID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		h.creds = freshCreds()
	case err != nil:
		return nil, errors.Wrap(err, "authstate: load")
	default:
		doc, derr := s.decode(row.AuthStateEnc)
		if derr != nil {
			zap.L().Warn("authstate: stored state unreadable, initializing fresh credentials",
				zap.String("device_id", deviceID), zap.Error(derr))
			h.creds = freshCreds()
		} else {
			h.creds = doc.Creds
			for kind, entries := range doc.Keys {
				h.buckets[transport.KeyKind(kind)] = entries
			}
		}
	}
	return h, nil
}

func (s *Store) decode(token string) (*document, error) {
	plaintext, err := s.vault.Decrypt(token)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, err
	}
	if doc.Creds == nil {
		return nil, errors.New("authstate: document without creds")
	}
	return &doc, nil
}

func emptyBuckets() map[transport.KeyKind]map[string][]byte {
	m := make(map[transport.KeyKind]map[string][]byte, len(transport.KeyKinds))
	for _, kind := range transport.KeyKinds {
		m[kind] = make(map[string][]byte)
	}
	return m
}

func freshCreds() *transport.Creds {
	return &transport.Creds{
		RegistrationID: randomRegistrationID(),
		NoiseKey:       randomBytes(32),
		SignedIdentity: randomBytes(32),
		AdvSecretKey:   randomBytes(32),
		NextPreKeyID:   1,
	}
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

func randomRegistrationID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(buf[:])%16380 + 1
}

// State exposes the credential document plus the key-store facade.
func (h *Handle) State() transport.AuthState {
	return transport.AuthState{Creds: h.creds, Keys: (*keyFacade)(h)}
}

// Save schedules a debounced persist. Repeated calls within the window
// coalesce into one write.
func (h *Handle) Save() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		return
	}
	h.timer = time.AfterFunc(saveDebounce, func() {
		h.mu.Lock()
		h.timer = nil
		h.mu.Unlock()
		h.flush()
	})
}

// SaveNow cancels any pending timer and persists immediately.
func (h *Handle) SaveNow() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	h.flush()
}

// flush writes the encrypted document. Failures are logged and never
// propagate; the engine must continue.
func (h *Handle) flush() {
	h.mu.Lock()
	doc := document{Creds: h.creds, Keys: make(map[string]map[string][]byte, len(h.buckets))}
	for kind, entries := range h.buckets {
		copied := make(map[string][]byte, len(entries))
		for id, blob := range entries {
			copied[id] = blob
		}
		doc.Keys[string(kind)] = copied
	}
	h.mu.Unlock()

	plaintext, err := json.Marshal(&doc)
	if err != nil {
		zap.L().Error("authstate: marshal failed", zap.String("device_id", h.deviceID), zap.Error(err))
		return
	}
	token, err := h.store.vault.Encrypt(plaintext)
	if err != nil {
		zap.L().Error("authstate: encrypt failed", zap.String("device_id", h.deviceID), zap.Error(err))
		return
	}
	now := time.Now()
	err = h.store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"auth_state_enc": token, "updated_at": now}),
	}).Create(&domain.WaSession{
		ID:           domain.NewID(),
		DeviceID:     h.deviceID,
		AuthStateEnc: token,
		UpdatedAt:    now,
	}).Error
	if err != nil {
		zap.L().Error("authstate: save failed", zap.String("device_id", h.deviceID), zap.Error(err))
	}
}

// ClearCorrupted removes every entry in the session and sender-key buckets
// and persists immediately. Used when the peer reports desynchronization
// beyond targeted eviction.
func (h *Handle) ClearCorrupted() {
	h.mu.Lock()
	h.buckets[transport.KindSession] = make(map[string][]byte)
	h.buckets[transport.KindSenderKey] = make(map[string][]byte)
	h.buckets[transport.KindSenderKeyMemory] = make(map[string][]byte)
	h.mu.Unlock()
	h.SaveNow()
}

// ClearSenderInMemory purges the in-memory key entries belonging to the
// given jids. The caller decides when to persist.
func (h *Handle) ClearSenderInMemory(jids []string) int {
	parts := userParts(jids)
	if len(parts) == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return purgeBuckets(h.buckets, parts)
}

// userParts extracts the address local parts, dropping empties.
func userParts(jids []string) []string {
	parts := make([]string, 0, len(jids))
	for _, jid := range jids {
		if jid == "" {
			continue
		}
		part := jid
		if i := strings.Index(part, "@"); i >= 0 {
			part = part[:i]
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// purgeBuckets removes session entries addressed to a user part and any
// sender-key entry whose key string contains one.
func purgeBuckets(buckets map[transport.KeyKind]map[string][]byte, parts []string) int {
	removed := 0
	sessions := buckets[transport.KindSession]
	for id := range sessions {
		for _, part := range parts {
			if id == part || strings.HasPrefix(id, part+":") || strings.HasPrefix(id, part+".") {
				delete(sessions, id)
				removed++
				break
			}
		}
	}
	for _, kind := range []transport.KeyKind{transport.KindSenderKey, transport.KindSenderKeyMemory} {
		entries := buckets[kind]
		for id := range entries {
			for _, part := range parts {
				if strings.Contains(id, part) {
					delete(entries, id)
					removed++
					break
				}
			}
		}
	}
	return removed
}

// ClearSessionsForJids rewrites the persisted row directly, without a live
// handle. Used by the reset-sender-sessions device command.
func (s *Store) ClearSessionsForJids(deviceID string, jids []string) error {
	var row domain.WaSession
	if err := s.db.Where("device_id = ?", deviceID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return errors.Wrap(err, "authstate: clear sessions")
	}
	doc, err := s.decode(row.AuthStateEnc)
	if err != nil {
		return errors.Wrap(err, "authstate: clear sessions decode")
	}
	buckets := emptyBuckets()
	for kind, entries := range doc.Keys {
		buckets[transport.KeyKind(kind)] = entries
	}
	if purgeBuckets(buckets, userParts(jids)) == 0 {
		return nil
	}
	doc.Keys = make(map[string]map[string][]byte, len(buckets))
	for kind, entries := range buckets {
		doc.Keys[string(kind)] = entries
	}
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "authstate: clear sessions marshal")
	}
	token, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return errors.Wrap(err, "authstate: clear sessions encrypt")
	}
	return s.db.Model(&domain.WaSession{}).Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{"auth_state_enc": token, "updated_at": time.Now()}).Error
}

// keyFacade adapts a Handle to the transport.KeyStore contract.
type keyFacade Handle

func (f *keyFacade) Get(kind transport.KeyKind, ids []string) (map[string][]byte, error) {
	h := (*Handle)(f)
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.buckets[kind]
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if blob, ok := entries[id]; ok {
			out[id] = blob
		}
	}
	return out, nil
}

func (f *keyFacade) Set(updates transport.KeyUpdates) error {
	h := (*Handle)(f)
	h.mu.Lock()
	changed := false
	for kind, entries := range updates {
		bucket, ok := h.buckets[kind]
		if !ok {
			bucket = make(map[string][]byte)
			h.buckets[kind] = bucket
		}
		for id, blob := range entries {
			if blob == nil {
				if _, ok := bucket[id]; ok {
					delete(bucket, id)
					changed = true
				}
				continue
			}
			bucket[id] = blob
			changed = true
		}
	}
	h.mu.Unlock()
	if changed {
		h.Save()
	}
	return nil
}
