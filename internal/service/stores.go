package service

import (
	"context"

	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/internal/realtime"
)

// ConversationStore is the persistence contract for conversations.
// Satisfied by repository.ConversationRepo; tests use in-memory fakes.
type ConversationStore interface {
	// FindOrCreate returns the conversation for pairKey, inserting the given
	// row when absent. Must be safe under concurrent callers: at most one
	// conversation per pair key. Returns (conversation, created, error).
	FindOrCreate(ctx context.Context, id, pairKey string, participantIds []string, now int64) (*entity.Conversation, bool, error)
	GetById(ctx context.Context, id string) (*entity.Conversation, error)
	ListForUser(ctx context.Context, userId string, excludeDeleted bool) ([]*entity.Conversation, error)
	// HideWithMessages masks the conversation and all of its messages for
	// userId, atomically and idempotently.
	HideWithMessages(ctx context.Context, id, userId string) error
	// RestoreForUser clears userId's own conversation-level mask; message
	// masks stay intact.
	RestoreForUser(ctx context.Context, id, userId string) error
	// MergeDuplicates repairs a violated uniqueness invariant by folding all
	// rows for pairKey into the earliest-created one.
	MergeDuplicates(ctx context.Context, pairKey string) (*entity.Conversation, error)
}

// MessageStore is the persistence contract for messages.
type MessageStore interface {
	// Append inserts the message and advances the owning conversation's
	// last_message_at atomically.
	Append(ctx context.Context, msg *entity.Message) error
	GetById(ctx context.Context, id string) (*entity.Message, error)
	GetByClientMsgId(ctx context.Context, senderId, clientMsgId string) (*entity.Message, error)
	ListForConversation(ctx context.Context, conversationId, viewerId string, beforeCreatedAt int64, limit int) ([]*entity.Message, error)
	LastVisible(ctx context.Context, conversationId, viewerId string) (*entity.Message, error)
	// MarkRead stamps read_at on the viewer's unread messages in the
	// conversation and returns the number of rows affected; second call in a
	// row returns 0.
	MarkRead(ctx context.Context, conversationId, viewerId string, now int64) (int64, error)
	HideForUser(ctx context.Context, messageId, userId string) error
	CountUnread(ctx context.Context, userId string, excludePairKeys []string) (int64, error)
	CountUnreadByConversation(ctx context.Context, userId string, conversationIds []string) (map[string]int64, error)
	HardDelete(ctx context.Context, messageId string) error
}

// BlockStore is the read-side contract against the user relationship store.
type BlockStore interface {
	IsBlocked(ctx context.Context, userId, otherId string) (bool, error)
	GetBlockedIds(ctx context.Context, userId string) ([]string, error)
}

// BlockWriter adds the mutating side of the user relationship store.
type BlockWriter interface {
	BlockStore
	Block(ctx context.Context, userId, blockedUserId string) error
	Unblock(ctx context.Context, userId, blockedUserId string) error
}

// UserDirectory resolves user existence for validation.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Notifier publishes change cues to interested viewers. Best effort: sends
// may be dropped, consumers recover via the fallback poll.
type Notifier interface {
	Publish(ctx context.Context, ev realtime.Event)
}

// NopNotifier discards events; used when no realtime layer is wired.
type NopNotifier struct{}

// Publish implements Notifier
func (NopNotifier) Publish(ctx context.Context, ev realtime.Event) {}
