package service

import (
	"context"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/repository"
	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/mbeoliero/parley/pkg/idgen"
)

// ConversationService handles conversation-related business logic
type ConversationService struct {
	convStore  ConversationStore
	msgStore   MessageStore
	blockStore BlockStore
	notifier   Notifier
}

// NewConversationService creates a new ConversationService
func NewConversationService(repos *repository.Repositories, notifier Notifier) *ConversationService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ConversationService{
		convStore:  repos.Conversation,
		msgStore:   repos.Message,
		blockStore: repos.Block,
		notifier:   notifier,
	}
}

// FindOrCreate resolves the conversation between the caller and peerId,
// creating it on first contact. Idempotent: both participants racing to start
// the same conversation converge on one id. When the caller had previously
// hidden the conversation, re-initiating it restores it to their view;
// individually hidden history stays hidden.
func (s *ConversationService) FindOrCreate(ctx context.Context, userId, peerId string) (*entity.Conversation, error) {
	if peerId == "" || peerId == userId {
		return nil, errcode.ErrInvalidParam
	}

	blocked, err := s.blockStore.IsBlocked(ctx, userId, peerId)
	if err != nil {
		log.CtxError(ctx, "check block failed: user_id=%s, peer=%s, error=%v", userId, peerId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	if blocked {
		// Starting a thread with a peer the caller blocks would create a
		// conversation their own listing immediately filters out.
		return nil, errcode.ErrForbidden
	}

	id, err := idgen.NextID()
	if err != nil {
		log.CtxError(ctx, "generate conversation id failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	pairKey := entity.GenPairKey(userId, peerId)
	now := entity.NowUnixMilli()

	conv, created, err := s.convStore.FindOrCreate(ctx, id, pairKey, []string{userId, peerId}, now)
	if err != nil {
		log.CtxError(ctx, "find or create conversation failed: pair_key=%s, error=%v", pairKey, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	if !conv.HasParticipant(userId) {
		// A row under this key that excludes the caller means the key scheme
		// or the stored data is corrupt; never hand out someone else's thread.
		log.CtxError(ctx, "pair key resolved to foreign conversation: id=%s, pair_key=%s, user_id=%s", conv.Id, pairKey, userId)
		return nil, errcode.ErrInternalServer
	}

	if created {
		log.CtxInfo(ctx, "conversation created: id=%s, pair_key=%s", conv.Id, pairKey)
	} else if conv.HiddenFor(userId) {
		if err := s.convStore.RestoreForUser(ctx, conv.Id, userId); err != nil {
			log.CtxError(ctx, "restore conversation failed: id=%s, user_id=%s, error=%v", conv.Id, userId, err)
			return nil, errcode.ErrStoreFailed.Wrap(err)
		}
		conv, err = s.convStore.GetById(ctx, conv.Id)
		if err != nil || conv == nil {
			return nil, errcode.ErrStoreFailed.Wrap(err)
		}
		s.notifier.Publish(ctx, realtime.Event{ConversationId: conv.Id, UserIds: []string{userId}})
	}

	return conv, nil
}

// ListForUser returns the caller's visible conversations annotated with the
// last message preview (viewer-filtered) and per-conversation unread counts.
// Conversations whose peer the caller has blocked are excluded, not deleted.
func (s *ConversationService) ListForUser(ctx context.Context, userId string) ([]*entity.ConversationInfo, error) {
	convs, err := s.convStore.ListForUser(ctx, userId, true)
	if err != nil {
		log.CtxError(ctx, "list conversations failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}

	convs, err = s.reconcileDuplicates(ctx, userId, convs)
	if err != nil {
		return nil, err
	}

	blockedIds, err := s.blockStore.GetBlockedIds(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "load blocked ids failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	blocked := make(map[string]struct{}, len(blockedIds))
	for _, id := range blockedIds {
		blocked[id] = struct{}{}
	}

	visible := make([]*entity.Conversation, 0, len(convs))
	visibleIds := make([]string, 0, len(convs))
	for _, conv := range convs {
		if _, ok := blocked[conv.PeerOf(userId)]; ok {
			continue
		}
		visible = append(visible, conv)
		visibleIds = append(visibleIds, conv.Id)
	}

	counts, err := s.msgStore.CountUnreadByConversation(ctx, userId, visibleIds)
	if err != nil {
		// Listing without badges beats no listing; the badge is non-critical.
		log.CtxError(ctx, "count unread per conversation failed: user_id=%s, error=%v", userId, err)
		counts = map[string]int64{}
	}

	result := make([]*entity.ConversationInfo, 0, len(visible))
	for _, conv := range visible {
		info := &entity.ConversationInfo{
			Id:            conv.Id,
			PeerUserId:    conv.PeerOf(userId),
			LastMessageAt: conv.LastMessageAt,
			UnreadCount:   counts[conv.Id],
			CreatedAt:     conv.CreatedAt,
			UpdatedAt:     conv.UpdatedAt,
		}

		last, err := s.msgStore.LastVisible(ctx, conv.Id, userId)
		if err != nil {
			log.CtxWarn(ctx, "load last message failed: conversation_id=%s, error=%v", conv.Id, err)
		} else if last != nil {
			info.LastMessage = last.ToMessageInfo()
		}

		result = append(result, info)
	}

	return result, nil
}

// reconcileDuplicates repairs pair-key collisions observed in a listing.
// The unique index prevents new ones; rows predating it are merged into the
// earliest conversation rather than surfaced as an error.
func (s *ConversationService) reconcileDuplicates(ctx context.Context, userId string, convs []*entity.Conversation) ([]*entity.Conversation, error) {
	seen := make(map[string]struct{}, len(convs))
	dupKeys := make([]string, 0)
	for _, conv := range convs {
		if _, ok := seen[conv.PairKey]; ok {
			dupKeys = append(dupKeys, conv.PairKey)
		}
		seen[conv.PairKey] = struct{}{}
	}
	if len(dupKeys) == 0 {
		return convs, nil
	}

	for _, pairKey := range dupKeys {
		if _, err := s.convStore.MergeDuplicates(ctx, pairKey); err != nil {
			log.CtxError(ctx, "merge duplicate conversations failed: pair_key=%s, error=%v", pairKey, err)
			return nil, errcode.ErrStoreFailed.Wrap(err)
		}
	}

	convs, err := s.convStore.ListForUser(ctx, userId, true)
	if err != nil {
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	return convs, nil
}

// GetConversation returns one conversation scoped to the caller.
// A missing conversation and one the caller may not see are both ErrNotFound,
// so callers cannot enumerate threads they are not part of.
func (s *ConversationService) GetConversation(ctx context.Context, userId, conversationId string) (*entity.ConversationInfo, error) {
	conv, err := s.visibleConversation(ctx, userId, conversationId)
	if err != nil {
		return nil, err
	}

	info := &entity.ConversationInfo{
		Id:            conv.Id,
		PeerUserId:    conv.PeerOf(userId),
		LastMessageAt: conv.LastMessageAt,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}

	counts, err := s.msgStore.CountUnreadByConversation(ctx, userId, []string{conv.Id})
	if err != nil {
		log.CtxWarn(ctx, "count unread failed: conversation_id=%s, error=%v", conv.Id, err)
	} else {
		info.UnreadCount = counts[conv.Id]
	}

	last, err := s.msgStore.LastVisible(ctx, conv.Id, userId)
	if err == nil && last != nil {
		info.LastMessage = last.ToMessageInfo()
	}

	return info, nil
}

// Hide soft-deletes the conversation for the caller only: the conversation
// and all its messages vanish from the caller's view while every other
// participant's view is untouched. Idempotent; a failed hide is reported,
// never silently swallowed.
func (s *ConversationService) Hide(ctx context.Context, userId, conversationId string) error {
	conv, err := s.participantConversation(ctx, userId, conversationId)
	if err != nil {
		return err
	}

	if err := s.convStore.HideWithMessages(ctx, conv.Id, userId); err != nil {
		log.CtxError(ctx, "hide conversation failed: id=%s, user_id=%s, error=%v", conv.Id, userId, err)
		return errcode.ErrHideFailed.Wrap(err)
	}

	// Only the hiding user's views need refreshing; nothing changed for peers.
	s.notifier.Publish(ctx, realtime.Event{ConversationId: conv.Id, UserIds: []string{userId}})

	log.CtxInfo(ctx, "conversation hidden: id=%s, user_id=%s", conv.Id, userId)
	return nil
}

// MarkRead stamps every unread message from the peer as read and returns how
// many were affected. Idempotent: a second call is a zero-row no-op.
func (s *ConversationService) MarkRead(ctx context.Context, userId, conversationId string) (int64, error) {
	conv, err := s.visibleConversation(ctx, userId, conversationId)
	if err != nil {
		return 0, err
	}

	count, err := s.msgStore.MarkRead(ctx, conv.Id, userId, entity.NowUnixMilli())
	if err != nil {
		log.CtxError(ctx, "mark read failed: conversation_id=%s, user_id=%s, error=%v", conv.Id, userId, err)
		return 0, errcode.ErrMarkFailed.Wrap(err)
	}

	if count > 0 {
		// The sender's read receipts changed too, so cue all participants.
		s.notifier.Publish(ctx, realtime.Event{ConversationId: conv.Id, UserIds: conv.ParticipantIds})
	}

	return count, nil
}

// participantConversation loads a conversation the caller participates in,
// regardless of their own soft-delete mask.
func (s *ConversationService) participantConversation(ctx context.Context, userId, conversationId string) (*entity.Conversation, error) {
	if conversationId == "" {
		return nil, errcode.ErrInvalidParam
	}

	conv, err := s.convStore.GetById(ctx, conversationId)
	if err != nil {
		log.CtxError(ctx, "get conversation failed: id=%s, error=%v", conversationId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	if conv == nil || !conv.HasParticipant(userId) {
		return nil, errcode.ErrNotFound
	}
	return conv, nil
}

// visibleConversation additionally requires that the caller has not hidden
// the conversation; a hidden thread behaves as if it does not exist.
func (s *ConversationService) visibleConversation(ctx context.Context, userId, conversationId string) (*entity.Conversation, error) {
	conv, err := s.participantConversation(ctx, userId, conversationId)
	if err != nil {
		return nil, err
	}
	if conv.HiddenFor(userId) {
		return nil, errcode.ErrNotFound
	}
	return conv, nil
}
