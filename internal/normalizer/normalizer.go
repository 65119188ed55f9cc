// Package normalizer converts raw inbound protocol envelopes into the
// stable representation persisted on events and delivered to webhooks.
package normalizer

import (
	"strconv"
	"strings"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

// Content classification values.
const (
	ContentText    = "text"
	ContentMedia   = "media"
	ContentStub    = "stub"
	ContentUnknown = "unknown"
)

// Media describes referenced media on an inbound message. File sizes are
// stringified so receivers never lose precision on large files.
type Media struct {
	Kind       string `json:"kind"`
	Mimetype   string `json:"mimetype,omitempty"`
	FileLength string `json:"fileLength,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// Content is the classified payload of an inbound message.
type Content struct {
	Type  string  `json:"type"`
	Text  *string `json:"text"`
	Media *Media  `json:"media"`
}

// NormalizedInboundMessage is the stable inbound representation.
type NormalizedInboundMessage struct {
	Kind       string  `json:"kind"`
	MessageID  string  `json:"messageId"`
	From       string  `json:"from"`
	ReplyToJid string  `json:"replyToJid"`
	RemoteJid  string  `json:"remoteJid"`
	SenderPn   string  `json:"senderPn,omitempty"`
	To         *string `json:"to"`
	Timestamp  *int64  `json:"timestamp"`
	Content    Content `json:"content"`
}

// Normalize classifies a raw envelope and resolves the canonical reply
// address. It is a pure function of its input; ownJid is this device's own
// address when known, empty otherwise.
func Normalize(msg *transport.RawMessage, ownJid string) *NormalizedInboundMessage {
	out := &NormalizedInboundMessage{
		Kind:      "inbound_message",
		MessageID: msg.Key.ID,
		RemoteJid: msg.Key.RemoteJid,
		SenderPn:  msg.Key.SenderPn,
	}
	if ownJid != "" {
		own := NormalizeUserJid(ownJid)
		out.To = &own
	}
	if msg.MessageTimestamp > 0 {
		ts := msg.MessageTimestamp
		out.Timestamp = &ts
	}

	from := resolveReplyAddress(msg.Key.RemoteJid, msg.Key.SenderPn)
	out.From = from
	out.ReplyToJid = from
	out.Content = classify(msg)
	return out
}

// classify applies the content rules in order; first match wins. Stub
// metadata only wins when no decoded text or media is present.
func classify(msg *transport.RawMessage) Content {
	text, hasText := textOf(msg.Message)
	media := mediaOf(msg.Message)

	if (msg.MessageStubType != "" || len(msg.MessageStubParameters) > 0) && !hasText && media == nil {
		joined := strings.TrimSpace(strings.Join(msg.MessageStubParameters, " "))
		c := Content{Type: ContentStub}
		if joined != "" {
			c.Text = &joined
		}
		return c
	}
	if hasText {
		return Content{Type: ContentText, Text: &text}
	}
	if media != nil {
		return Content{Type: ContentMedia, Media: media}
	}
	return Content{Type: ContentUnknown}
}

// textOf extracts the first text field, in order: conversation, extended
// text, image caption, video caption.
func textOf(m *transport.MessageContent) (string, bool) {
	if m == nil {
		return "", false
	}
	if m.Conversation != "" {
		return m.Conversation, true
	}
	if m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "" {
		return m.ExtendedTextMessage.Text, true
	}
	if m.ImageMessage != nil && m.ImageMessage.Caption != "" {
		return m.ImageMessage.Caption, true
	}
	if m.VideoMessage != nil && m.VideoMessage.Caption != "" {
		return m.VideoMessage.Caption, true
	}
	return "", false
}

func mediaOf(m *transport.MessageContent) *Media {
	if m == nil {
		return nil
	}
	switch {
	case m.ImageMessage != nil:
		return describeMedia("image", m.ImageMessage)
	case m.VideoMessage != nil:
		return describeMedia("video", m.VideoMessage)
	case m.AudioMessage != nil:
		return describeMedia("audio", m.AudioMessage)
	case m.DocumentMessage != nil:
		return describeMedia("document", m.DocumentMessage)
	}
	return nil
}

func describeMedia(kind string, m *transport.MediaMessage) *Media {
	out := &Media{Kind: kind, Mimetype: m.Mimetype, FileName: m.FileName}
	if m.FileLength > 0 {
		out.FileLength = strconv.FormatUint(m.FileLength, 10)
	}
	return out
}

// resolveReplyAddress commits to the group id for group and broadcast
// chats, and to the phone-form address for 1:1 chats when the transport
// provided one, so downstream replies land in the same conversation.
func resolveReplyAddress(remoteJid, senderPn string) string {
	if IsGroupOrBroadcastJid(remoteJid) {
		return remoteJid
	}
	if senderPn != "" {
		return NormalizeUserJid(senderPn)
	}
	return NormalizeUserJid(remoteJid)
}

// IsGroupOrBroadcastJid reports whether the chat id addresses a group or a
// broadcast list.
func IsGroupOrBroadcastJid(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast")
}

// NormalizeUserJid strips device and resource suffixes from the local part
// of a user-form address: "123:4@s.whatsapp.net" -> "123@s.whatsapp.net".
func NormalizeUserJid(jid string) string {
	at := strings.Index(jid, "@")
	if at < 0 {
		return jid
	}
	local, dom := jid[:at], jid[at+1:]
	if i := strings.IndexAny(local, ":."); i >= 0 {
		local = local[:i]
	}
	return local + "@" + dom
}
