package normalizer

import (
	"testing"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
)

func TestNormalizeTextPrefersPhoneForm(t *testing.T) {
	msg := &transport.RawMessage{
		Key: transport.MessageKey{
			ID:        "3EB0A001",
			RemoteJid: "67229240574002@lid",
			SenderPn:  "5491122223333@s.whatsapp.net",
		},
		Message:          &transport.MessageContent{Conversation: "hola"},
		MessageTimestamp: 1736900000,
	}
	got := Normalize(msg, "5493515550000:12@s.whatsapp.net")

	if got.Kind != "inbound_message" {
		t.Fatalf("kind = %q", got.Kind)
	}
	if got.From != "5491122223333@s.whatsapp.net" {
		t.Errorf("from = %q, want phone-form address", got.From)
	}
	if got.ReplyToJid != got.From {
		t.Errorf("replyToJid = %q, want same as from", got.ReplyToJid)
	}
	if got.RemoteJid != "67229240574002@lid" {
		t.Errorf("remoteJid = %q", got.RemoteJid)
	}
	if got.To == nil || *got.To != "5493515550000@s.whatsapp.net" {
		t.Errorf("to = %v, want normalized own address", got.To)
	}
	if got.Timestamp == nil || *got.Timestamp != 1736900000 {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
	if got.Content.Type != ContentText || got.Content.Text == nil || *got.Content.Text != "hola" {
		t.Errorf("content = %+v", got.Content)
	}
	if got.Content.Media != nil {
		t.Errorf("media = %+v, want nil", got.Content.Media)
	}
}

func TestNormalizeFallsBackToChatId(t *testing.T) {
	msg := &transport.RawMessage{
		Key:     transport.MessageKey{ID: "A", RemoteJid: "5491122223333:7@s.whatsapp.net"},
		Message: &transport.MessageContent{Conversation: "hi"},
	}
	got := Normalize(msg, "")
	if got.From != "5491122223333@s.whatsapp.net" {
		t.Errorf("from = %q, want device suffix stripped", got.From)
	}
	if got.To != nil {
		t.Errorf("to = %v, want nil without own jid", got.To)
	}
	if got.Timestamp != nil {
		t.Errorf("timestamp = %v, want nil", got.Timestamp)
	}
}

func TestNormalizeGroupKeepsChatId(t *testing.T) {
	for _, jid := range []string{"120363040111222333@g.us", "1234567@broadcast"} {
		msg := &transport.RawMessage{
			Key: transport.MessageKey{
				ID:          "B",
				RemoteJid:   jid,
				Participant: "5491122223333@s.whatsapp.net",
				SenderPn:    "5491122223333@s.whatsapp.net",
			},
			Message: &transport.MessageContent{Conversation: "grp"},
		}
		got := Normalize(msg, "")
		if got.From != jid {
			t.Errorf("from = %q, want group id %q as-is", got.From, jid)
		}
	}
}

func TestTextSourceOrder(t *testing.T) {
	cases := []struct {
		name    string
		content *transport.MessageContent
		want    string
	}{
		{"conversation", &transport.MessageContent{Conversation: "a"}, "a"},
		{"extendedText", &transport.MessageContent{ExtendedTextMessage: &transport.ExtendedTextMessage{Text: "b"}}, "b"},
		{"imageCaption", &transport.MessageContent{ImageMessage: &transport.MediaMessage{Caption: "c", Mimetype: "image/jpeg"}}, "c"},
		{"videoCaption", &transport.MessageContent{VideoMessage: &transport.MediaMessage{Caption: "d", Mimetype: "video/mp4"}}, "d"},
		{"conversationWins", &transport.MessageContent{
			Conversation:        "a",
			ExtendedTextMessage: &transport.ExtendedTextMessage{Text: "b"},
		}, "a"},
	}
	for _, tc := range cases {
		msg := &transport.RawMessage{
			Key:     transport.MessageKey{ID: "C", RemoteJid: "1@s.whatsapp.net"},
			Message: tc.content,
		}
		got := Normalize(msg, "")
		if got.Content.Type != ContentText {
			t.Errorf("%s: type = %q", tc.name, got.Content.Type)
			continue
		}
		if got.Content.Text == nil || *got.Content.Text != tc.want {
			t.Errorf("%s: text = %v, want %q", tc.name, got.Content.Text, tc.want)
		}
	}
}

func TestNormalizeMedia(t *testing.T) {
	msg := &transport.RawMessage{
		Key: transport.MessageKey{ID: "D", RemoteJid: "1@s.whatsapp.net"},
		Message: &transport.MessageContent{
			DocumentMessage: &transport.MediaMessage{
				Mimetype:   "application/pdf",
				FileLength: 123456789,
				FileName:   "invoice.pdf",
			},
		},
	}
	got := Normalize(msg, "")
	if got.Content.Type != ContentMedia {
		t.Fatalf("type = %q", got.Content.Type)
	}
	m := got.Content.Media
	if m == nil || m.Kind != "document" || m.Mimetype != "application/pdf" {
		t.Fatalf("media = %+v", m)
	}
	if m.FileLength != "123456789" {
		t.Errorf("fileLength = %q, want stringified size", m.FileLength)
	}
	if m.FileName != "invoice.pdf" {
		t.Errorf("fileName = %q", m.FileName)
	}
}

func TestNormalizeStub(t *testing.T) {
	msg := &transport.RawMessage{
		Key:                   transport.MessageKey{ID: "E", RemoteJid: "1@s.whatsapp.net"},
		MessageStubType:       "CIPHERTEXT",
		MessageStubParameters: []string{" No matching sessions", "found for message "},
	}
	got := Normalize(msg, "")
	if got.Content.Type != ContentStub {
		t.Fatalf("type = %q", got.Content.Type)
	}
	if got.Content.Text == nil || *got.Content.Text != "No matching sessions found for message" {
		t.Errorf("stub text = %v", got.Content.Text)
	}

	// A stub with decoded text is classified as text.
	msg.Message = &transport.MessageContent{Conversation: "still readable"}
	got = Normalize(msg, "")
	if got.Content.Type != ContentText {
		t.Errorf("stub with decoded text: type = %q, want text", got.Content.Type)
	}

	// Stub without parameters has null text.
	bare := &transport.RawMessage{
		Key:             transport.MessageKey{ID: "F", RemoteJid: "1@s.whatsapp.net"},
		MessageStubType: "REVOKE",
	}
	got = Normalize(bare, "")
	if got.Content.Type != ContentStub || got.Content.Text != nil {
		t.Errorf("bare stub = %+v", got.Content)
	}
}

func TestNormalizeUnknown(t *testing.T) {
	msg := &transport.RawMessage{
		Key:     transport.MessageKey{ID: "G", RemoteJid: "1@s.whatsapp.net"},
		Message: &transport.MessageContent{},
	}
	if got := Normalize(msg, ""); got.Content.Type != ContentUnknown {
		t.Errorf("type = %q, want unknown", got.Content.Type)
	}
}

func TestNormalizeUserJid(t *testing.T) {
	cases := map[string]string{
		"5491122223333@s.whatsapp.net":    "5491122223333@s.whatsapp.net",
		"5491122223333:12@s.whatsapp.net": "5491122223333@s.whatsapp.net",
		"5491122223333.0@s.whatsapp.net":  "5491122223333@s.whatsapp.net",
		"no-at-sign":                      "no-at-sign",
	}
	for in, want := range cases {
		if got := NormalizeUserJid(in); got != want {
			t.Errorf("NormalizeUserJid(%q) = %q, want %q", in, got, want)
		}
	}
}
