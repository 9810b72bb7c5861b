package service

import (
	"context"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/repository"
	"github.com/mbeoliero/parley/pkg/errcode"
)

// BlockService handles the one-directional block list. Blocking never touches
// conversation or message rows; it only filters what the blocker sees, so an
// unblock restores the thread exactly as it was.
type BlockService struct {
	blockStore BlockWriter
	users      UserDirectory
	notifier   Notifier
}

// NewBlockService creates a new BlockService
func NewBlockService(repos *repository.Repositories, notifier Notifier) *BlockService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &BlockService{
		blockStore: repos.Block,
		users:      repos.User,
		notifier:   notifier,
	}
}

// Block adds blockedUserId to userId's block list
func (s *BlockService) Block(ctx context.Context, userId, blockedUserId string) error {
	if blockedUserId == "" {
		return errcode.ErrInvalidParam
	}
	if userId == blockedUserId {
		return errcode.ErrSelfRelation
	}

	exists, err := s.users.Exists(ctx, blockedUserId)
	if err != nil {
		log.CtxError(ctx, "check user exists failed: %v", err)
		return errcode.ErrStoreFailed.Wrap(err)
	}
	if !exists {
		return errcode.ErrUserNotFound
	}

	already, err := s.blockStore.IsBlocked(ctx, userId, blockedUserId)
	if err != nil {
		log.CtxError(ctx, "check block failed: user_id=%s, blocked=%s, error=%v", userId, blockedUserId, err)
		return errcode.ErrStoreFailed.Wrap(err)
	}
	if already {
		return errcode.ErrAlreadyBlocked
	}

	if err := s.blockStore.Block(ctx, userId, blockedUserId); err != nil {
		log.CtxError(ctx, "block failed: user_id=%s, blocked=%s, error=%v", userId, blockedUserId, err)
		return errcode.ErrStoreFailed.Wrap(err)
	}

	// The blocker's list and badge no longer include this peer.
	s.notifier.Publish(ctx, realtime.Event{UserIds: []string{userId}})

	log.CtxInfo(ctx, "user blocked: user_id=%s, blocked=%s", userId, blockedUserId)
	return nil
}

// Unblock removes blockedUserId from userId's block list
func (s *BlockService) Unblock(ctx context.Context, userId, blockedUserId string) error {
	if blockedUserId == "" {
		return errcode.ErrInvalidParam
	}
	if userId == blockedUserId {
		return errcode.ErrSelfRelation
	}

	if err := s.blockStore.Unblock(ctx, userId, blockedUserId); err != nil {
		log.CtxError(ctx, "unblock failed: user_id=%s, blocked=%s, error=%v", userId, blockedUserId, err)
		return errcode.ErrStoreFailed.Wrap(err)
	}

	s.notifier.Publish(ctx, realtime.Event{UserIds: []string{userId}})

	log.CtxInfo(ctx, "user unblocked: user_id=%s, blocked=%s", userId, blockedUserId)
	return nil
}

// ListBlocked returns the ids the user has blocked
func (s *BlockService) ListBlocked(ctx context.Context, userId string) ([]string, error) {
	ids, err := s.blockStore.GetBlockedIds(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "list blocked failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	return ids, nil
}
