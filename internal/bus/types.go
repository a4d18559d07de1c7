// Package bus defines the ingress/egress message shapes shared between the
// messaging transport and the orchestration engine.
package bus

// InboundMessage is a normalized message received from a transport.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	TopicID  string            `json:"topic_id,omitempty"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	PeerKind string            `json:"peer_kind"` // "direct" or "group"
	AgentID  string            `json:"agent_id,omitempty"`
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a normalized message to deliver through a transport.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	TopicID  string            `json:"topic_id,omitempty"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Media kind values.
const (
	KindVoice    = "voice"
	KindAudio    = "audio"
	KindImage    = "image"
	KindDocument = "document"
)

// MediaAttachment is an inbound or outbound media reference.
type MediaAttachment struct {
	Kind        string `json:"kind"`
	URL         string `json:"url"` // file path or remote URL
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageHandler processes one inbound message.
type MessageHandler func(InboundMessage) error

// MessageBus decouples transports from the engine: transports publish
// inbound messages and subscribe to outbound ones. A single process runs
// one bus; the per-topic queue (internal/queue) serializes engine-side
// consumption so only one handler mutates per-thread state at a time.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound []func(OutboundMessage)
}

// New creates a MessageBus with the given inbound buffer size.
func New(bufferSize int) *MessageBus {
	return &MessageBus{inbound: make(chan InboundMessage, bufferSize)}
}

// PublishInbound enqueues an inbound message for the engine to consume.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound returns the channel of inbound messages.
func (b *MessageBus) ConsumeInbound() <-chan InboundMessage {
	return b.inbound
}

// PublishOutbound fans an outbound message out to every subscriber (normally
// exactly one: the transport matching msg.Channel).
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	for _, sub := range b.outbound {
		sub(msg)
	}
}

// SubscribeOutbound registers a sink for outbound messages.
func (b *MessageBus) SubscribeOutbound(fn func(OutboundMessage)) {
	b.outbound = append(b.outbound, fn)
}
