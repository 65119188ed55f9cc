package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/authstate"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

// pausedAfter is how long after the typing indicator a "paused" presence is
// emitted unless an outbound send supersedes it.
const pausedAfter = 25 * time.Second

// Session is one live connection for one device. Readers outside the
// manager receive the handle, never the registry entry.
type Session struct {
	deviceID string
	sock     transport.Socket
	auth     *authstate.Handle

	mu      sync.Mutex
	closing bool
	paused  map[string]*time.Timer
}

func newSession(deviceID string, sock transport.Socket, auth *authstate.Handle) *Session {
	return &Session{
		deviceID: deviceID,
		sock:     sock,
		auth:     auth,
		paused:   make(map[string]*time.Timer),
	}
}

// DeviceID returns the owning device id.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Socket returns the live socket handle.
func (s *Session) Socket() transport.Socket {
	return s.sock
}

// OwnJid returns the authenticated principal, empty while unauthenticated.
func (s *Session) OwnJid() string {
	return s.sock.AuthenticatedUser()
}

// Auth returns the device's auth-state handle.
func (s *Session) Auth() *authstate.Handle {
	return s.auth
}

func (s *Session) markClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// SchedulePaused arranges a "paused" presence to jid unless an outbound
// send supersedes it first. Best-effort.
func (s *Session) SchedulePaused(jid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.paused[jid]; ok {
		t.Stop()
	}
	s.paused[jid] = time.AfterFunc(pausedAfter, func() {
		s.CancelPaused(jid)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sock.SendPresence(ctx, transport.PresencePaused, jid); err != nil {
			zap.L().Debug("session: paused presence failed",
				zap.String("device_id", s.deviceID), zap.String("jid", jid), zap.Error(err))
		}
	})
}

// CancelPaused drops a pending paused-presence timer for jid.
func (s *Session) CancelPaused(jid string) {
	s.mu.Lock()
	if t, ok := s.paused[jid]; ok {
		t.Stop()
		delete(s.paused, jid)
	}
	s.mu.Unlock()
}

// stopTimers cancels every pending presence timer on teardown.
func (s *Session) stopTimers() {
	s.mu.Lock()
	for jid, t := range s.paused {
		t.Stop()
		delete(s.paused, jid)
	}
	s.mu.Unlock()
}
