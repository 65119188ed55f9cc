package transport

// MessageKey identifies one message within a chat.
type MessageKey struct {
	ID        string `json:"id"`
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	// Participant is set for group messages.
	Participant string `json:"participant,omitempty"`
	// SenderPn is the phone-form address when the transport surfaced a
	// linked-id form as RemoteJid.
	SenderPn string `json:"senderPn,omitempty"`
}

// ExtendedTextMessage is a text body with link/quote metadata stripped.
type ExtendedTextMessage struct {
	Text string `json:"text,omitempty"`
}

// MediaMessage describes referenced (not relayed) media.
type MediaMessage struct {
	Caption    string `json:"caption,omitempty"`
	Mimetype   string `json:"mimetype,omitempty"`
	FileLength uint64 `json:"fileLength,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	Seconds    uint32 `json:"seconds,omitempty"`
}

// MessageContent mirrors the decoded protocol message payload. At most one
// of the fields is populated for the content classes the engine handles.
type MessageContent struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage        `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage        `json:"videoMessage,omitempty"`
	AudioMessage        *MediaMessage        `json:"audioMessage,omitempty"`
	DocumentMessage     *MediaMessage        `json:"documentMessage,omitempty"`
}

// RawMessage is the inbound envelope as observed on the wire. It is stored
// verbatim in event.raw_json, so the JSON shape is part of the contract.
type RawMessage struct {
	Key                   MessageKey      `json:"key"`
	Message               *MessageContent `json:"message,omitempty"`
	MessageStubType       string          `json:"messageStubType,omitempty"`
	MessageStubParameters []string        `json:"messageStubParameters,omitempty"`
	MessageTimestamp      int64           `json:"messageTimestamp,omitempty"`
	PushName              string          `json:"pushName,omitempty"`
}
