package service

import (
	"context"
	"strings"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/repository"
	"github.com/mbeoliero/parley/pkg/constant"
	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/mbeoliero/parley/pkg/idgen"
	"gorm.io/datatypes"
)

// MessageService handles message-related business logic
type MessageService struct {
	msgStore    MessageStore
	convService *ConversationService
	notifier    Notifier
}

// NewMessageService creates a new MessageService
func NewMessageService(repos *repository.Repositories, convService *ConversationService, notifier Notifier) *MessageService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &MessageService{
		msgStore:    repos.Message,
		convService: convService,
		notifier:    notifier,
	}
}

// SendMessageRequest represents send message request. Either RecvId (first
// contact, resolves the conversation) or ConversationId (existing thread)
// must be set.
type SendMessageRequest struct {
	ClientMsgId    string            `json:"client_msg_id"`
	RecvId         string            `json:"recv_id,omitempty"`
	ConversationId string            `json:"conversation_id,omitempty"`
	MsgType        string            `json:"msg_type"`
	Content        string            `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Send appends a message. Empty content and a sender outside the conversation
// are validation failures; a duplicate client_msg_id returns the previously
// stored message, so a client can retry a failed send without double-posting.
func (s *MessageService) Send(ctx context.Context, senderId string, req *SendMessageRequest) (*entity.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, errcode.ErrInvalidParam
	}
	if req.ClientMsgId == "" {
		return nil, errcode.ErrInvalidParam
	}

	// Idempotency: the retry of a send that already landed returns that row.
	existing, err := s.msgStore.GetByClientMsgId(ctx, senderId, req.ClientMsgId)
	if err != nil {
		log.CtxError(ctx, "check send idempotency failed: %v", err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	if existing != nil {
		log.CtxDebug(ctx, "duplicate message: client_msg_id=%s", req.ClientMsgId)
		return existing, nil
	}

	conv, err := s.resolveConversation(ctx, senderId, req)
	if err != nil {
		return nil, err
	}

	id, err := idgen.NextID()
	if err != nil {
		log.CtxError(ctx, "generate message id failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	msgType := req.MsgType
	if msgType == "" {
		msgType = constant.MsgTypeText
	}

	msg := &entity.Message{
		Id:             id,
		ConversationId: conv.Id,
		ClientMsgId:    req.ClientMsgId,
		SenderId:       senderId,
		MsgType:        msgType,
		Content:        req.Content,
		Metadata:       datatypes.JSONMap(req.Metadata),
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      entity.NowUnixMilli(),
	}

	if err := s.msgStore.Append(ctx, msg); err != nil {
		log.CtxError(ctx, "append message failed: conversation_id=%s, error=%v", conv.Id, err)
		return nil, errcode.ErrSendFailed.Wrap(err)
	}

	s.notifier.Publish(ctx, realtime.Event{ConversationId: conv.Id, UserIds: conv.ParticipantIds})

	log.CtxInfo(ctx, "message sent: id=%s, conversation_id=%s, sender_id=%s", msg.Id, conv.Id, senderId)
	return msg, nil
}

// resolveConversation maps the request onto a conversation the sender
// belongs to, creating it for first contact.
func (s *MessageService) resolveConversation(ctx context.Context, senderId string, req *SendMessageRequest) (*entity.Conversation, error) {
	if req.RecvId != "" {
		return s.convService.FindOrCreate(ctx, senderId, req.RecvId)
	}
	if req.ConversationId != "" {
		// Sending into a thread the sender had hidden is a message-intent,
		// same as first contact, so the visibility check is participant-only
		// followed by a self-restore.
		conv, err := s.convService.participantConversation(ctx, senderId, req.ConversationId)
		if err != nil {
			return nil, err
		}
		if conv.HiddenFor(senderId) {
			return s.convService.FindOrCreate(ctx, senderId, conv.PeerOf(senderId))
		}
		return conv, nil
	}
	return nil, errcode.ErrInvalidParam
}

// List returns the conversation's messages visible to the caller, oldest
// first. beforeCreatedAt pages backwards through history; 0 means the newest
// page.
func (s *MessageService) List(ctx context.Context, viewerId, conversationId string, beforeCreatedAt int64, limit int) ([]*entity.Message, error) {
	conv, err := s.convService.visibleConversation(ctx, viewerId, conversationId)
	if err != nil {
		return nil, err
	}

	messages, err := s.msgStore.ListForConversation(ctx, conv.Id, viewerId, beforeCreatedAt, limit)
	if err != nil {
		log.CtxError(ctx, "list messages failed: conversation_id=%s, error=%v", conv.Id, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	return messages, nil
}

// Hide soft-deletes a single message for the caller only
func (s *MessageService) Hide(ctx context.Context, userId, messageId string) error {
	msg, err := s.ownedOrVisibleMessage(ctx, userId, messageId)
	if err != nil {
		return err
	}

	if err := s.msgStore.HideForUser(ctx, msg.Id, userId); err != nil {
		log.CtxError(ctx, "hide message failed: id=%s, user_id=%s, error=%v", msg.Id, userId, err)
		return errcode.ErrHideFailed.Wrap(err)
	}

	s.notifier.Publish(ctx, realtime.Event{ConversationId: msg.ConversationId, UserIds: []string{userId}})
	return nil
}

// Delete permanently removes a message. Destructive and rare; only the sender
// may do it, and every participant's view changes.
func (s *MessageService) Delete(ctx context.Context, userId, messageId string) error {
	msg, err := s.ownedOrVisibleMessage(ctx, userId, messageId)
	if err != nil {
		return err
	}
	if msg.SenderId != userId {
		return errcode.ErrNotSender
	}

	conv, err := s.convService.participantConversation(ctx, userId, msg.ConversationId)
	if err != nil {
		return err
	}

	if err := s.msgStore.HardDelete(ctx, msg.Id); err != nil {
		log.CtxError(ctx, "hard delete message failed: id=%s, error=%v", msg.Id, err)
		return errcode.ErrStoreFailed.Wrap(err)
	}

	s.notifier.Publish(ctx, realtime.Event{ConversationId: conv.Id, UserIds: conv.ParticipantIds})

	log.CtxInfo(ctx, "message hard-deleted: id=%s, sender_id=%s", msg.Id, userId)
	return nil
}

// ownedOrVisibleMessage loads a message the caller is allowed to act on.
// Missing rows and rows in conversations the caller is not part of are both
// ErrNotFound.
func (s *MessageService) ownedOrVisibleMessage(ctx context.Context, userId, messageId string) (*entity.Message, error) {
	if messageId == "" {
		return nil, errcode.ErrInvalidParam
	}

	msg, err := s.msgStore.GetById(ctx, messageId)
	if err != nil {
		log.CtxError(ctx, "get message failed: id=%s, error=%v", messageId, err)
		return nil, errcode.ErrStoreFailed.Wrap(err)
	}
	if msg == nil {
		return nil, errcode.ErrNotFound
	}

	if _, err := s.convService.participantConversation(ctx, userId, msg.ConversationId); err != nil {
		return nil, err
	}
	return msg, nil
}
