// Package transport defines the narrow chat-platform surface the engine
// consumes: send a message to a channel, edit it, attach reaction
// affordances, and receive reaction changes back. Everything
// platform-specific lives in an adapter implementing Messenger.
package transport

import "context"

// ChannelTarget addresses a tenant's notification channel.
type ChannelTarget struct {
	ChannelID int64
	ThreadID  int
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	ChannelID int64
	ThreadID  int
	MessageID int
}

// IsZero reports whether the ref points at nothing.
func (r MessageRef) IsZero() bool { return r.ChannelID == 0 && r.MessageID == 0 }

// Outbound is one notification message. Mention, when set, is prepended so
// the platform pings the targeted members/roles.
type Outbound struct {
	Mention string
	Title   string
	Body    string

	// Reactions are the response affordances to attach after sending,
	// in order. Empty means none.
	Reactions []string
}

// ReactionChange is delivered by the adapter whenever a member's reaction on
// a message changes. Emoji is empty when the member cleared their reaction.
type ReactionChange struct {
	Message  MessageRef
	MemberID string
	Emoji    string
}

// ReactionHandler receives reaction changes. Called synchronously from the
// adapter's update loop; implementations must not block on network I/O.
type ReactionHandler func(ReactionChange)

// Messenger is the chat-platform adapter interface.
type Messenger interface {
	// Start begins receiving platform updates; reaction changes are passed
	// to onReaction until Stop.
	Start(ctx context.Context, onReaction ReactionHandler) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, to ChannelTarget, msg Outbound) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, msg Outbound) error
	React(ctx context.Context, ref MessageRef, emojis []string) error
}
