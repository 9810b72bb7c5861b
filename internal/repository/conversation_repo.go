package repository

import (
	"context"
	"errors"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/entity"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepo is the repository for conversation operations
type ConversationRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewConversationRepo creates a new ConversationRepo
func NewConversationRepo(db *gorm.DB, rdb *redis.Client) *ConversationRepo {
	return &ConversationRepo{db: db, rdb: rdb}
}

// FindOrCreate returns the conversation for pairKey, inserting it when absent.
// The unique index on pair_key makes concurrent creators converge on a single
// row: the loser's insert is a no-op and both sides read back the same id.
// Returns (conversation, created, error).
func (r *ConversationRepo) FindOrCreate(ctx context.Context, id, pairKey string, participantIds []string, now int64) (*entity.Conversation, bool, error) {
	conv := &entity.Conversation{
		Id:             id,
		PairKey:        pairKey,
		ParticipantIds: datatypes.NewJSONSlice(participantIds),
		LastMessageAt:  now,
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_key"}},
		DoNothing: true,
	}).Create(conv)
	if result.Error != nil {
		return nil, false, result.Error
	}
	created := result.RowsAffected > 0

	existing, err := r.GetByPairKey(ctx, pairKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Lost a race against a concurrent hard delete; extremely rare.
		return nil, false, gorm.ErrRecordNotFound
	}
	return existing, created, nil
}

// GetById gets a conversation by id
func (r *ConversationRepo) GetById(ctx context.Context, id string) (*entity.Conversation, error) {
	var conv entity.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// GetByPairKey gets a conversation by its canonical pair key
func (r *ConversationRepo) GetByPairKey(ctx context.Context, pairKey string) (*entity.Conversation, error) {
	var conv entity.Conversation
	err := r.db.WithContext(ctx).Where("pair_key = ?", pairKey).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// ListForUser lists conversations containing userId, newest activity first.
// When excludeDeleted is set, rows the user has soft-deleted are filtered out.
func (r *ConversationRepo) ListForUser(ctx context.Context, userId string, excludeDeleted bool) ([]*entity.Conversation, error) {
	query := r.db.WithContext(ctx).
		Where("JSON_CONTAINS(participant_ids, JSON_QUOTE(?))", userId)
	if excludeDeleted {
		query = query.Where("NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", userId)
	}

	var convs []*entity.Conversation
	err := query.Order("last_message_at DESC").Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// Touch advances last_message_at
func (r *ConversationRepo) Touch(ctx context.Context, tx *gorm.DB, id string, timestamp int64) error {
	if tx == nil {
		tx = r.db
	}
	return touchConversation(ctx, tx, id, timestamp)
}

// touchConversation advances last_message_at. GREATEST keeps it monotonic
// when an older write lands after a newer one.
func touchConversation(ctx context.Context, tx *gorm.DB, id string, timestamp int64) error {
	return tx.WithContext(ctx).
		Model(&entity.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message_at": gorm.Expr("GREATEST(last_message_at, ?)", timestamp),
			"updated_at":      entity.NowUnixMilli(),
		}).Error
}

// HideForUser adds userId to the conversation's deleted_for mask.
// The NOT JSON_CONTAINS guard makes repeated hides a no-op.
func (r *ConversationRepo) HideForUser(ctx context.Context, tx *gorm.DB, id, userId string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&entity.Conversation{}).
		Where("id = ? AND NOT JSON_CONTAINS(deleted_for, JSON_QUOTE(?))", id, userId).
		Updates(map[string]interface{}{
			"deleted_for": gorm.Expr("JSON_ARRAY_APPEND(deleted_for, '$', ?)", userId),
			"updated_at":  entity.NowUnixMilli(),
		}).Error
}

// HideWithMessages adds userId to the conversation's mask and cascades to
// every message of the conversation in one transaction. Both updates are
// guarded, so repeating the operation changes nothing.
func (r *ConversationRepo) HideWithMessages(ctx context.Context, id, userId string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.HideForUser(ctx, tx, id, userId); err != nil {
			return err
		}
		return hideConversationMessages(ctx, tx, id, userId)
	})
}

// RestoreForUser removes userId from the conversation's deleted_for mask.
// Only called when the user re-initiates the conversation themselves; message
// masks are left untouched so hidden history stays hidden.
func (r *ConversationRepo) RestoreForUser(ctx context.Context, id, userId string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv entity.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&conv).Error
		if err != nil {
			return err
		}

		if !conv.HiddenFor(userId) {
			return nil
		}

		mask := make([]string, 0, len(conv.DeletedFor))
		for _, uid := range conv.DeletedFor {
			if uid != userId {
				mask = append(mask, uid)
			}
		}

		return tx.Model(&entity.Conversation{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"deleted_for": datatypes.NewJSONSlice(mask),
				"updated_at":  entity.NowUnixMilli(),
			}).Error
	})
}

// ListByPairKey lists all rows carrying the same pair key, earliest first.
// More than one row means the uniqueness invariant was violated before the
// index existed; callers repair via MergeDuplicates.
func (r *ConversationRepo) ListByPairKey(ctx context.Context, pairKey string) ([]*entity.Conversation, error) {
	var convs []*entity.Conversation
	err := r.db.WithContext(ctx).
		Where("pair_key = ?", pairKey).
		Order("created_at ASC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// MergeDuplicates folds duplicate conversations for a pair key into the
// earliest-created one: messages are repointed, masks unioned, activity
// timestamps kept monotonic, and the duplicate rows removed.
func (r *ConversationRepo) MergeDuplicates(ctx context.Context, pairKey string) (*entity.Conversation, error) {
	convs, err := r.ListByPairKey(ctx, pairKey)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	if len(convs) == 1 {
		return convs[0], nil
	}

	keeper := convs[0]
	log.CtxWarn(ctx, "merging %d duplicate conversations: pair_key=%s, keeper=%s", len(convs), pairKey, keeper.Id)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mask := append([]string(nil), keeper.DeletedFor...)
		lastMessageAt := keeper.LastMessageAt

		for _, dup := range convs[1:] {
			if err := tx.Model(&entity.Message{}).
				Where("conversation_id = ?", dup.Id).
				Update("conversation_id", keeper.Id).Error; err != nil {
				return err
			}

			// A user only stays masked if every duplicate agreed they hid it.
			kept := mask[:0]
			for _, uid := range mask {
				if dup.HiddenFor(uid) {
					kept = append(kept, uid)
				}
			}
			mask = kept

			if dup.LastMessageAt > lastMessageAt {
				lastMessageAt = dup.LastMessageAt
			}

			if err := tx.Delete(&entity.Conversation{}, "id = ?", dup.Id).Error; err != nil {
				return err
			}
		}

		return tx.Model(&entity.Conversation{}).
			Where("id = ?", keeper.Id).
			Updates(map[string]interface{}{
				"deleted_for":     datatypes.NewJSONSlice(mask),
				"last_message_at": lastMessageAt,
				"updated_at":      entity.NowUnixMilli(),
			}).Error
	})
	if err != nil {
		return nil, err
	}

	return r.GetByPairKey(ctx, pairKey)
}
