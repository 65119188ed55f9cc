// Package transporttest provides an in-memory chat transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

// SentText records one SendText call.
type SentText struct {
	Jid  string
	Text string
}

// PresenceCall records one SendPresence call.
type PresenceCall struct {
	Presence transport.Presence
	Jid      string
}

// FakeSocket is a scriptable transport.Socket.
type FakeSocket struct {
	mu        sync.Mutex
	user      string
	events    chan transport.Event
	ended     bool
	endErr    error
	sent      []SentText
	presences []PresenceCall
	read      [][]transport.MessageKey

	// SendErr, when set, fails SendText.
	SendErr error
}

func NewFakeSocket(user string) *FakeSocket {
	return &FakeSocket{
		user:   user,
		events: make(chan transport.Event, 64),
	}
}

// Emit delivers an event to the consumer.
func (s *FakeSocket) Emit(ev transport.Event) {
	s.events <- ev
}

func (s *FakeSocket) SendText(_ context.Context, jid, text string) (transport.SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return transport.SendReceipt{}, s.SendErr
	}
	s.sent = append(s.sent, SentText{Jid: jid, Text: text})
	return transport.SendReceipt{ID: fmt.Sprintf("3EB0%04d", len(s.sent))}, nil
}

func (s *FakeSocket) SendPresence(_ context.Context, p transport.Presence, jid string) error {
	s.mu.Lock()
	s.presences = append(s.presences, PresenceCall{Presence: p, Jid: jid})
	s.mu.Unlock()
	return nil
}

func (s *FakeSocket) ReadMessages(_ context.Context, keys []transport.MessageKey) error {
	s.mu.Lock()
	s.read = append(s.read, keys)
	s.mu.Unlock()
	return nil
}

func (s *FakeSocket) AuthenticatedUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser changes the authenticated principal.
func (s *FakeSocket) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *FakeSocket) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.endErr = err
	close(s.events)
}

func (s *FakeSocket) Events() <-chan transport.Event {
	return s.events
}

func (s *FakeSocket) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *FakeSocket) Sent() []SentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentText, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *FakeSocket) Presences() []PresenceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PresenceCall, len(s.presences))
	copy(out, s.presences)
	return out
}

func (s *FakeSocket) ReadCalls() [][]transport.MessageKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]transport.MessageKey{}, s.read...)
}

// DialRecord captures one Dial call.
type DialRecord struct {
	At     time.Time
	Socket *FakeSocket
}

// FakeDialer hands out fake sockets and records dial times.
type FakeDialer struct {
	mu    sync.Mutex
	dials map[string][]DialRecord // keyed by authenticated user passed via NextUser
	order []DialRecord

	calls int

	// NextUser is the authenticated principal of the next socket.
	NextUser string
	// DialErr, when set, fails every Dial.
	DialErr error
	// FailDials fails the n-th Dial call (0-based).
	FailDials map[int]error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dials: make(map[string][]DialRecord)}
}

func (d *FakeDialer) Dial(_ context.Context, _ transport.SocketOptions) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.calls
	d.calls++
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if err, ok := d.FailDials[call]; ok && err != nil {
		return nil, err
	}
	sock := NewFakeSocket(d.NextUser)
	rec := DialRecord{At: time.Now(), Socket: sock}
	d.dials[d.NextUser] = append(d.dials[d.NextUser], rec)
	d.order = append(d.order, rec)
	return sock, nil
}

func (d *FakeDialer) LatestVersion(_ context.Context) (transport.ProtocolVersion, error) {
	return transport.ProtocolVersion{2, 3000, 0}, nil
}

// CallCount returns how many Dial calls were made, failed ones included.
func (d *FakeDialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Dials returns every dial in order.
func (d *FakeDialer) Dials() []DialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialRecord{}, d.order...)
}

// LastSocket returns the most recently dialed socket, nil when none.
func (d *FakeDialer) LastSocket() *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) == 0 {
		return nil
	}
	return d.order[len(d.order)-1].Socket
}
