package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/pkg/constant"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// blockedSetTTL bounds staleness if an invalidation is lost.
const blockedSetTTL = 10 * time.Minute

// BlockRepo is the repository for block-relationship operations.
// Blocked-id sets are cached in Redis since the query layer consults them on
// every listing and unread computation.
type BlockRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewBlockRepo creates a new BlockRepo
func NewBlockRepo(db *gorm.DB, rdb *redis.Client) *BlockRepo {
	return &BlockRepo{db: db, rdb: rdb}
}

// Block records that userId blocked blockedUserId. Re-blocking is a no-op.
func (r *BlockRepo) Block(ctx context.Context, userId, blockedUserId string) error {
	block := &entity.Block{
		UserId:        userId,
		BlockedUserId: blockedUserId,
		CreatedAt:     entity.NowUnixMilli(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "blocked_user_id"}},
		DoNothing: true,
	}).Create(block).Error
	if err != nil {
		return err
	}

	r.invalidateCache(ctx, userId)
	return nil
}

// Unblock removes the block relationship
func (r *BlockRepo) Unblock(ctx context.Context, userId, blockedUserId string) error {
	err := r.db.WithContext(ctx).
		Delete(&entity.Block{}, "user_id = ? AND blocked_user_id = ?", userId, blockedUserId).Error
	if err != nil {
		return err
	}

	r.invalidateCache(ctx, userId)
	return nil
}

// IsBlocked checks if userId has blocked otherId
func (r *BlockRepo) IsBlocked(ctx context.Context, userId, otherId string) (bool, error) {
	ids, err := r.GetBlockedIds(ctx, userId)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == otherId {
			return true, nil
		}
	}
	return false, nil
}

// GetBlockedIds returns all user ids blocked by userId, through the Redis
// set cache when warm.
func (r *BlockRepo) GetBlockedIds(ctx context.Context, userId string) ([]string, error) {
	key := fmt.Sprintf(constant.RedisKeyBlockedSet(), userId)

	if r.rdb != nil {
		ids, err := r.rdb.SMembers(ctx, key).Result()
		if err == nil && len(ids) > 0 {
			// Placeholder member marks a cached-but-empty set.
			if len(ids) == 1 && ids[0] == blockedSetEmptyMarker {
				return nil, nil
			}
			return filterMarker(ids), nil
		}
		if err != nil && err != redis.Nil {
			log.CtxWarn(ctx, "blocked set cache read failed: user_id=%s, error=%v", userId, err)
		}
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.Block{}).
		Where("user_id = ?", userId).
		Pluck("blocked_user_id", &ids).Error
	if err != nil {
		return nil, err
	}

	r.fillCache(ctx, key, ids)
	return ids, nil
}

// blockedSetEmptyMarker caches "no blocks" without an empty set, which Redis
// cannot represent.
const blockedSetEmptyMarker = "\x00none"

func filterMarker(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != blockedSetEmptyMarker {
			out = append(out, id)
		}
	}
	return out
}

// fillCache repopulates the blocked set; best effort.
func (r *BlockRepo) fillCache(ctx context.Context, key string, ids []string) {
	if r.rdb == nil {
		return
	}

	members := make([]interface{}, 0, len(ids)+1)
	if len(ids) == 0 {
		members = append(members, blockedSetEmptyMarker)
	}
	for _, id := range ids {
		members = append(members, id)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, blockedSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.CtxWarn(ctx, "blocked set cache fill failed: key=%s, error=%v", key, err)
	}
}

// invalidateCache drops the cached blocked set for a user
func (r *BlockRepo) invalidateCache(ctx context.Context, userId string) {
	if r.rdb == nil {
		return
	}
	key := fmt.Sprintf(constant.RedisKeyBlockedSet(), userId)
	r.rdb.Del(ctx, key)
}
