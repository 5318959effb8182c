package fanout

import "context"

// Topic names one class of domain event on the bus.
type Topic string

const (
	TopicMessages     Topic = "messages"
	TopicTyping       Topic = "typing"
	TopicReadReceipts Topic = "read_receipts"
	TopicReactions    Topic = "reactions"
	TopicPresence     Topic = "presence"
)

func AllTopics() []Topic {
	return []Topic{TopicMessages, TopicTyping, TopicReadReceipts, TopicReactions, TopicPresence}
}

// Handler consumes one raw event. Returning an error lets the transport
// redeliver where it supports that; handlers must therefore be idempotent.
type Handler func(ctx context.Context, topic Topic, data []byte) error

// Bus delivers an event published once by one gateway process to every
// gateway process, this one included. Delivery is at-least-once and
// unordered across topics; within a topic, ordering is best effort only.
// No per-recipient filtering happens at this layer.
type Bus interface {
	// Publish returns only after the transport accepted the event (or after
	// bounded retries failed): no fire-and-forget, callers decide what a
	// failed publish means for them.
	Publish(ctx context.Context, topic Topic, data []byte) error

	Subscribe(topics []Topic, h Handler) error

	Close() error
}
