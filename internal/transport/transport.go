// Package transport defines the seam to the chat protocol library. The
// engine consumes a typed event stream per socket instead of a dynamic
// event bus; the concrete protocol implementation is provided at wiring
// time.
package transport

import "context"

// Presence values accepted by SendPresence.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
	PresenceAvailable Presence = "available"
)

// ConnState reports the coarse connection state in ConnectionUpdate events.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// Event is the tagged union of socket events.
type Event interface{ isEvent() }

// CredsUpdated signals that the authentication credentials changed and the
// auth state should be persisted.
type CredsUpdated struct{}

// ConnectionUpdate carries exactly one of QR, State or Close.
type ConnectionUpdate struct {
	QR    string
	State ConnState
	Close *CloseInfo
}

// CloseInfo describes why the socket closed.
type CloseInfo struct {
	Reason    string
	LoggedOut bool
	Err       error
}

// MessagesUpsert delivers a batch of inbound envelopes. Only Type "notify"
// carries fresh user messages.
type MessagesUpsert struct {
	Type     string
	Messages []*RawMessage
}

func (CredsUpdated) isEvent()     {}
func (ConnectionUpdate) isEvent() {}
func (MessagesUpsert) isEvent()   {}

// SendReceipt is returned by SendText.
type SendReceipt struct {
	ID string
}

// Socket is one live authenticated connection for one device. Events are
// delivered serially on the returned channel; the channel closes when the
// socket terminates.
type Socket interface {
	SendText(ctx context.Context, jid string, text string) (SendReceipt, error)
	SendPresence(ctx context.Context, presence Presence, jid string) error
	ReadMessages(ctx context.Context, keys []MessageKey) error
	// AuthenticatedUser returns this device's own address, empty while the
	// socket has no authenticated principal.
	AuthenticatedUser() string
	End(err error)
	Events() <-chan Event
}

// GetMessageFunc lets the transport look up a previously observed raw
// message when the peer requests a resend.
type GetMessageFunc func(key MessageKey) *MessageContent

// SocketOptions configures a dial.
type SocketOptions struct {
	Auth       AuthState
	Version    ProtocolVersion
	GetMessage GetMessageFunc
}

// ProtocolVersion is the protocol-version pair resolved before dialing.
type ProtocolVersion [3]int

// Dialer constructs sockets. LatestVersion may hit the network; callers
// cache the result.
type Dialer interface {
	Dial(ctx context.Context, opts SocketOptions) (Socket, error)
	LatestVersion(ctx context.Context) (ProtocolVersion, error)
}
