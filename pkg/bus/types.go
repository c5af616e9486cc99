package bus

import "time"

// ContentKind classifies the payload of a source-network message.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindVoice ContentKind = "voice"
	KindPhoto ContentKind = "photo"
	KindVideo ContentKind = "video"
	KindOther ContentKind = "other"
)

// InboundMessage is the canonical envelope for a message received from the
// source network. It is constructed once by the ingestion pipeline and not
// modified afterwards.
type InboundMessage struct {
	ID         string            `json:"id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ThreadID   string            `json:"thread_id"`
	Text       string            `json:"text,omitempty"`
	Kind       ContentKind       `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	VoiceURL   string            `json:"voice_url,omitempty"`
	VoiceSecs  int               `json:"voice_secs,omitempty"`
	MediaURL   string            `json:"media_url,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	Raw        map[string]string `json:"raw,omitempty"` // opaque source metadata, passed through for content extraction only
}

// OutboundMessage is a message arriving from the destination network that
// should be relayed back into a source thread. MessageID identifies the
// destination message so the relay can acknowledge it.
type OutboundMessage struct {
	MessageID int         `json:"message_id"`
	TopicID   int         `json:"topic_id"`
	SenderID  int64       `json:"sender_id"`
	Text      string      `json:"text"`
	Kind      ContentKind `json:"kind"`
}
