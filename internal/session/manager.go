// Package session owns the process-wide registry of live chat sessions:
// connect/disconnect, QR propagation, close policy, reconnect, and the
// per-device event loops.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/authstate"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bus topics published by the manager.
const (
	TopicDeviceStatus     = "device.status"
	TopicSessionReconcile = "session.reconcile"
)

// Reconnect delays. Variables so tests can compress the schedule.
var (
	reconnectAfterClose     = 2 * time.Second
	reconnectAfterReconcile = 5 * time.Second
)

const statusBroadcastJid = "status@broadcast"

// Reconcile signals that the peer reported desynchronization for a sender
// and its keys must be evicted before reconnecting.
type Reconcile struct {
	RemoteJid string
	SenderPn  string
}

// InboundSink consumes fresh inbound message batches for one device and
// returns any reconcile signals.
type InboundSink interface {
	HandleInbound(ctx context.Context, dev *domain.Device, sess *Session, msgs []*transport.RawMessage) []Reconcile
}

// Manager is the authoritative presence view of this worker process: at
// most one live session per device id.
type Manager struct {
	db     *gorm.DB
	store  *authstate.Store
	dialer transport.Dialer
	bus    EventBus.Bus
	sink   InboundSink

	mu       sync.Mutex
	sessions map[string]*Session
	// reconnecting guards against two pending reconnect timers per device.
	reconnecting map[string]bool

	versionMu sync.Mutex
	version   transport.ProtocolVersion
	hasVer    bool
}

func NewManager(db *gorm.DB, store *authstate.Store, dialer transport.Dialer, bus EventBus.Bus) *Manager {
	return &Manager{
		db:           db,
		store:        store,
		dialer:       dialer,
		bus:          bus,
		sessions:     make(map[string]*Session),
		reconnecting: make(map[string]bool),
	}
}

// SetInbound wires the inbound pipeline. Must be called before Connect.
func (m *Manager) SetInbound(sink InboundSink) {
	m.sink = sink
}

// Get returns the live session for deviceID, nil when none exists. This is
// the outbound path's lookup; a stale nil is acceptable.
func (m *Manager) Get(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot lists the device ids with a live session, for diagnostics.
func (m *Manager) Snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Connect opens a session for the device. Idempotent: a live session makes
// it a no-op. On construction failure the device is marked ERROR and the
// error is returned.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var dev domain.Device
	if err := m.db.Where("id = ?", deviceID).First(&dev).Error; err != nil {
		return errors.Wrapf(err, "session: device %s", deviceID)
	}

	m.updateDevice(deviceID, map[string]interface{}{
		"status": domain.DeviceOffline, "last_error": "",
	})

	auth, err := m.store.Load(deviceID)
	if err != nil {
		m.updateDevice(deviceID, map[string]interface{}{
			"status": domain.DeviceError, "last_error": "connect_error: " + err.Error(),
		})
		return err
	}

	version, err := m.protocolVersion(ctx)
	if err != nil {
		m.updateDevice(deviceID, map[string]interface{}{
			"status": domain.DeviceError, "last_error": "connect_error: " + err.Error(),
		})
		return err
	}

	sock, err := m.dialer.Dial(ctx, transport.SocketOptions{
		Auth:       auth.State(),
		Version:    version,
		GetMessage: m.getMessageLookup(deviceID),
	})
	if err != nil {
		m.updateDevice(deviceID, map[string]interface{}{
			"status": domain.DeviceError, "last_error": "connect_error: " + err.Error(),
		})
		return errors.Wrapf(err, "session: dial %s", deviceID)
	}

	sess := newSession(deviceID, sock, auth)
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		// Lost the race to a concurrent connect; the existing session wins.
		m.mu.Unlock()
		sock.End(nil)
		return nil
	}
	m.sessions[deviceID] = sess
	m.mu.Unlock()

	zap.L().Info("session: connected socket", zap.String("device_id", deviceID))
	go m.eventLoop(sess)
	return nil
}

// Disconnect terminates the device's session and settles it OFFLINE. Safe
// to call on unknown devices.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	sess := m.sessions[deviceID]
	if sess != nil {
		sess.markClosing()
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if sess != nil {
		sess.stopTimers()
		sess.sock.End(nil)
	}
	m.updateDevice(deviceID, map[string]interface{}{
		"status": domain.DeviceOffline, "qr": "",
	})
}

// protocolVersion resolves the transport protocol version once and caches
// it for the life of the process.
func (m *Manager) protocolVersion(ctx context.Context) (transport.ProtocolVersion, error) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if m.hasVer {
		return m.version, nil
	}
	v, err := m.dialer.LatestVersion(ctx)
	if err != nil {
		return transport.ProtocolVersion{}, errors.Wrap(err, "session: resolve protocol version")
	}
	m.version = v
	m.hasVer = true
	return v, nil
}

// getMessageLookup searches recent raw events for a message the transport
// asks to resend.
func (m *Manager) getMessageLookup(deviceID string) transport.GetMessageFunc {
	return func(key transport.MessageKey) *transport.MessageContent {
		var rows []domain.Event
		err := m.db.Where("device_id = ? AND type = ?", deviceID, domain.EventTypeMessageInbound).
			Where("raw_json LIKE ?", "%"+key.ID+"%").
			Order("created_at desc").Limit(50).Find(&rows).Error
		if err != nil {
			zap.L().Debug("session: getMessage lookup failed", zap.String("device_id", deviceID), zap.Error(err))
			return nil
		}
		for i := range rows {
			var raw transport.RawMessage
			if err := json.Unmarshal([]byte(rows[i].RawJSON), &raw); err != nil {
				continue
			}
			if raw.Key.ID == key.ID && raw.Key.RemoteJid == key.RemoteJid {
				return raw.Message
			}
		}
		return nil
	}
}

// eventLoop consumes the socket's typed event stream. Events for one device
// are processed serially; sessions for different devices run concurrently.
func (m *Manager) eventLoop(sess *Session) {
	for ev := range sess.sock.Events() {
		switch e := ev.(type) {
		case transport.CredsUpdated:
			sess.auth.Save()
		case transport.ConnectionUpdate:
			m.handleConnectionUpdate(sess, e)
		case transport.MessagesUpsert:
			m.handleMessagesUpsert(sess, e)
		}
	}
}

func (m *Manager) handleConnectionUpdate(sess *Session, e transport.ConnectionUpdate) {
	switch {
	case e.QR != "":
		m.updateDevice(sess.deviceID, map[string]interface{}{
			"status": domain.DeviceQR, "qr": e.QR, "last_error": "",
		})
	case e.Close != nil:
		m.handleClose(sess, e.Close)
	case e.State == transport.StateConnecting:
		m.updateDevice(sess.deviceID, map[string]interface{}{
			"status": domain.DeviceOffline, "last_error": "",
		})
	case e.State == transport.StateOpen:
		now := time.Now()
		m.updateDevice(sess.deviceID, map[string]interface{}{
			"status": domain.DeviceOnline, "qr": "", "last_seen_at": now, "last_error": "",
		})
		m.expireQrLinks(sess.deviceID, now)
	}
}

// expireQrLinks forces every unexpired public QR link for the device into
// the past, so the validity predicate fails on the next read.
func (m *Manager) expireQrLinks(deviceID string, now time.Time) {
	err := m.db.Model(&domain.PublicQrLink{}).
		Where("device_id = ? AND expires_at > ?", deviceID, now).
		Update("expires_at", now).Error
	if err != nil {
		zap.L().Warn("session: expire qr links failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (m *Manager) handleClose(sess *Session, info *transport.CloseInfo) {
	reason := info.Reason
	if reason == "" && info.Err != nil {
		reason = info.Err.Error()
	}
	updates := map[string]interface{}{
		"status": domain.DeviceOffline, "qr": "",
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	m.updateDevice(sess.deviceID, updates)

	m.mu.Lock()
	if m.sessions[sess.deviceID] == sess {
		delete(m.sessions, sess.deviceID)
	}
	m.mu.Unlock()
	sess.stopTimers()

	if info.LoggedOut {
		zap.L().Info("session: peer logged out, no reconnect",
			zap.String("device_id", sess.deviceID))
		return
	}
	if sess.isClosing() {
		return
	}
	zap.L().Info("session: connection closed, scheduling reconnect",
		zap.String("device_id", sess.deviceID), zap.String("reason", reason))
	m.scheduleReconnect(sess.deviceID, reconnectAfterClose)
}

// scheduleReconnect arms a single pending reconnect timer per device; the
// closing flag plus idempotent Connect absorbs any race with the sweeper.
func (m *Manager) scheduleReconnect(deviceID string, delay time.Duration) {
	m.mu.Lock()
	if m.reconnecting[deviceID] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[deviceID] = true
	m.mu.Unlock()

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.reconnecting, deviceID)
		m.mu.Unlock()
		if err := m.Connect(context.Background(), deviceID); err != nil {
			zap.L().Warn("session: reconnect failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	})
}

func (m *Manager) handleMessagesUpsert(sess *Session, e transport.MessagesUpsert) {
	if e.Type != "notify" || m.sink == nil {
		return
	}
	fresh := make([]*transport.RawMessage, 0, len(e.Messages))
	for _, msg := range e.Messages {
		if msg == nil || msg.Key.ID == "" {
			continue
		}
		if msg.Key.FromMe || msg.Key.RemoteJid == statusBroadcastJid {
			continue
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return
	}

	var dev domain.Device
	if err := m.db.Where("id = ?", sess.deviceID).First(&dev).Error; err != nil {
		zap.L().Error("session: device row missing for inbound",
			zap.String("device_id", sess.deviceID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, rec := range m.sink.HandleInbound(ctx, &dev, sess, fresh) {
		m.reconcile(sess, rec)
	}
}

// reconcile evicts the desynchronized sender's keys, persists immediately,
// and tears the socket down for a delayed reconnect.
func (m *Manager) reconcile(sess *Session, rec Reconcile) {
	jids := []string{rec.RemoteJid}
	if rec.SenderPn != "" {
		jids = append(jids, rec.SenderPn)
	}
	removed := sess.auth.ClearSenderInMemory(jids)
	sess.auth.SaveNow()
	zap.L().Warn("session: reconciling sender keys after decryption failure",
		zap.String("device_id", sess.deviceID),
		zap.Strings("jids", jids), zap.Int("evicted", removed))
	m.bus.Publish(TopicSessionReconcile, sess.deviceID, rec.RemoteJid)

	sess.markClosing()
	m.mu.Lock()
	if m.sessions[sess.deviceID] == sess {
		delete(m.sessions, sess.deviceID)
	}
	m.mu.Unlock()
	sess.stopTimers()
	sess.sock.End(errors.New("sender key reconcile"))
	m.scheduleReconnect(sess.deviceID, reconnectAfterReconcile)
}

// ResetSenderSessions is the out-of-band variant used by the
// reset-sender-sessions device command: it rewrites the persisted row and
// bounces any live session so the fresh state is loaded.
func (m *Manager) ResetSenderSessions(deviceID string, jids []string) error {
	if sess := m.Get(deviceID); sess != nil {
		sess.auth.ClearSenderInMemory(jids)
		sess.auth.SaveNow()
		m.Disconnect(deviceID)
		m.scheduleReconnect(deviceID, reconnectAfterClose)
		return nil
	}
	return m.store.ClearSessionsForJids(deviceID, jids)
}

// updateDevice applies a partial device update and publishes the status
// transition on the bus.
func (m *Manager) updateDevice(deviceID string, updates map[string]interface{}) {
	updates["updated_at"] = time.Now()
	if err := m.db.Model(&domain.Device{}).Where("id = ?", deviceID).Updates(updates).Error; err != nil {
		zap.L().Error("session: device update failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	if status, ok := updates["status"].(string); ok {
		m.bus.Publish(TopicDeviceStatus, deviceID, status)
	}
}

// IsStatusBroadcast reports whether jid is the status broadcast address.
func IsStatusBroadcast(jid string) bool {
	return strings.EqualFold(jid, statusBroadcastJid)
}
