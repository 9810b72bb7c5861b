package repository

import (
	"context"
	"errors"

	"github.com/mbeoliero/parley/internal/entity"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// MessageRepo is the repository for message operations
type MessageRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewMessageRepo creates a new MessageRepo
func NewMessageRepo(db *gorm.DB, rdb *redis.Client) *MessageRepo {
	return &MessageRepo{db: db, rdb: rdb}
}

// Create creates a new message
func (r *MessageRepo) Create(ctx context.Context, tx *gorm.DB, msg *entity.Message) error {
	if tx == nil {
		tx = r.db
	}
	now := entity.NowUnixMilli()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	return tx.WithContext(ctx).Create(msg).Error
}

// Append inserts a message and advances the conversation's last_message_at
// in one transaction, so a conversation can never list a message it does not
// account for in its ordering timestamp.
func (r *MessageRepo) Append(ctx context.Context, msg *entity.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.Create(ctx, tx, msg); err != nil {
			return err
		}
		return touchConversation(ctx, tx, msg.ConversationId, msg.CreatedAt)
	})
}

// GetById gets a message by id
func (r *MessageRepo) GetById(ctx context.Context, id string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// GetByClientMsgId gets message by sender_id and client_msg_id (for idempotency check)
func (r *MessageRepo) GetByClientMsgId(ctx context.Context, senderId, clientMsgId string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_msg_id = ?", senderId, clientMsgId).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// ListForConversation lists messages oldest first, skipping rows the viewer
// has soft-deleted. beforeCreatedAt pages backwards; 0 means newest page.
// limit is capped at 100.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationId, viewerId string, beforeCreatedAt int64, limit int) ([]*entity.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationId).
		Where("NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", viewerId)
	if beforeCreatedAt > 0 {
		query = query.Where("created_at < ?", beforeCreatedAt)
	}

	var messages []*entity.Message
	err := query.Order("created_at DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Reverse to ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// LastVisible returns the newest message visible to the viewer, or nil.
func (r *MessageRepo) LastVisible(ctx context.Context, conversationId, viewerId string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationId).
		Where("NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", viewerId).
		Order("created_at DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// MarkRead stamps read_at on every unread message in the conversation that the
// viewer did not send and has not hidden. One bulk UPDATE; the read_at IS NULL
// guard makes a second call affect zero rows.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationId, viewerId string, now int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL", conversationId, viewerId).
		Where("NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", viewerId).
		Updates(map[string]interface{}{
			"read_at":    now,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// HideForUser adds userId to a single message's deleted_for mask, idempotently.
func (r *MessageRepo) HideForUser(ctx context.Context, messageId, userId string) error {
	return r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("id = ? AND NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", messageId, userId).
		Updates(map[string]interface{}{
			"deleted_for": gorm.Expr("JSON_ARRAY_APPEND(deleted_for, '$', ?)", userId),
			"updated_at":  entity.NowUnixMilli(),
		}).Error
}

// HideAllForUser masks every message of a conversation for userId.
// Used by the conversation-level hide cascade.
func (r *MessageRepo) HideAllForUser(ctx context.Context, tx *gorm.DB, conversationId, userId string) error {
	if tx == nil {
		tx = r.db
	}
	return hideConversationMessages(ctx, tx, conversationId, userId)
}

// hideConversationMessages masks a conversation's messages for userId in one
// batched UPDATE rather than a write per row.
func hideConversationMessages(ctx context.Context, tx *gorm.DB, conversationId, userId string) error {
	return tx.WithContext(ctx).
		Model(&entity.Message{}).
		Where("conversation_id = ? AND NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", conversationId, userId).
		Updates(map[string]interface{}{
			"deleted_for": gorm.Expr("JSON_ARRAY_APPEND(deleted_for, '$', ?)", userId),
			"updated_at":  entity.NowUnixMilli(),
		}).Error
}

// CountUnread computes the user's global unread badge: messages in visible
// conversations the user participates in, sent by someone else, not yet read
// and not individually hidden. excludePairKeys removes conversations with
// blocked peers.
func (r *MessageRepo) CountUnread(ctx context.Context, userId string, excludePairKeys []string) (int64, error) {
	query := r.db.WithContext(ctx).
		Table("messages m").
		Joins("JOIN conversations c ON c.id = m.conversation_id").
		Where("JSON_CONTAINS(c.participant_ids, JSON_QUOTE(?))", userId).
		Where("NOT JSON_CONTAINS(c.deleted_for, JSON_QUOTE(?))", userId).
		Where("m.sender_id <> ? AND m.read_at IS NULL", userId).
		Where("NOT JSON_CONTAINS(m.deleted_for, JSON_QUOTE(?))", userId)
	if len(excludePairKeys) > 0 {
		query = query.Where("c.pair_key NOT IN ?", excludePairKeys)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}

// conversationUnread is a scan target for CountUnreadByConversation
type conversationUnread struct {
	ConversationId string `gorm:"column:conversation_id"`
	UnreadCount    int64  `gorm:"column:unread_count"`
}

// CountUnreadByConversation returns per-conversation unread counts for the
// given conversations. Conversations with no unread messages are absent from
// the result map.
func (r *MessageRepo) CountUnreadByConversation(ctx context.Context, userId string, conversationIds []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(conversationIds))
	if len(conversationIds) == 0 {
		return counts, nil
	}

	var rows []conversationUnread
	err := r.db.WithContext(ctx).
		Table("messages").
		Select("conversation_id, COUNT(*) as unread_count").
		Where("conversation_id IN ?", conversationIds).
		Where("sender_id <> ? AND read_at IS NULL", userId).
		Where("NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", userId).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		counts[row.ConversationId] = row.UnreadCount
	}
	return counts, nil
}

// HardDelete removes a message row permanently. Rare destructive operation,
// restricted to the sender at the service layer.
func (r *MessageRepo) HardDelete(ctx context.Context, messageId string) error {
	return r.db.WithContext(ctx).Delete(&entity.Message{}, "id = ?", messageId).Error
}
