// Package bus carries messages between channel implementations and the router.
// It is a plain in-process queue pair: channels publish inbound replies and
// consume outbound events; the router does the opposite.
package bus

import (
	"context"
	"log/slog"
)

const queueDepth = 256

// MessageBus is the concrete in-process ReplyRouter.
// Publishing never blocks: when a queue is full the message is dropped with a
// warning, because a stalled consumer must not back-pressure the PTY reader.
type MessageBus struct {
	inbound  chan InboundReply
	outbound chan OutboundEvent
}

// NewMessageBus creates a bus with bounded queues.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundReply, queueDepth),
		outbound: make(chan OutboundEvent, queueDepth),
	}
}

// PublishInbound enqueues a reply candidate from a channel.
func (b *MessageBus) PublishInbound(msg InboundReply) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping reply", "channel", msg.Channel, "identity", msg.Identity)
	}
}

// ConsumeInbound blocks until a reply candidate is available or ctx is done.
// The second return is false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundReply, bool) {
	select {
	case <-ctx.Done():
		return InboundReply{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues an event for the channel dispatcher.
func (b *MessageBus) PublishOutbound(evt OutboundEvent) {
	select {
	case b.outbound <- evt:
	default:
		slog.Warn("outbound queue full, dropping event", "kind", evt.Kind, "session_id", evt.SessionID)
	}
}

// ConsumeOutbound blocks until an outbound event is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundEvent, bool) {
	select {
	case <-ctx.Done():
		return OutboundEvent{}, false
	case evt := <-b.outbound:
		return evt, true
	}
}
