package service

import (
	"context"
	"sort"
	"sync"

	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/internal/realtime"
	"gorm.io/datatypes"
)

// fakeState is the shared in-memory backing for the store fakes, so message
// writes can touch conversations the way the real repos do in a transaction.
type fakeState struct {
	mu    sync.Mutex
	convs map[string]*entity.Conversation
	msgs  []*entity.Message
}

func newFakeState() *fakeState {
	return &fakeState{convs: make(map[string]*entity.Conversation)}
}

func hasId(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func addMask(mask datatypes.JSONSlice[string], userId string) datatypes.JSONSlice[string] {
	if hasId(mask, userId) {
		return mask
	}
	return append(mask, userId)
}

type fakeConvStore struct {
	st *fakeState
}

func (s *fakeConvStore) FindOrCreate(ctx context.Context, id, pairKey string, participantIds []string, now int64) (*entity.Conversation, bool, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	if existing := s.earliestByPairKey(pairKey); existing != nil {
		return existing, false, nil
	}

	conv := &entity.Conversation{
		Id:             id,
		PairKey:        pairKey,
		ParticipantIds: datatypes.NewJSONSlice(participantIds),
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.st.convs[id] = conv
	return conv, true, nil
}

func (s *fakeConvStore) earliestByPairKey(pairKey string) *entity.Conversation {
	var found *entity.Conversation
	for _, conv := range s.st.convs {
		if conv.PairKey != pairKey {
			continue
		}
		if found == nil || conv.CreatedAt < found.CreatedAt {
			found = conv
		}
	}
	return found
}

func (s *fakeConvStore) GetById(ctx context.Context, id string) (*entity.Conversation, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.st.convs[id], nil
}

func (s *fakeConvStore) ListForUser(ctx context.Context, userId string, excludeDeleted bool) ([]*entity.Conversation, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var result []*entity.Conversation
	for _, conv := range s.st.convs {
		if !conv.HasParticipant(userId) {
			continue
		}
		if excludeDeleted && conv.HiddenFor(userId) {
			continue
		}
		result = append(result, conv)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt > result[j].LastMessageAt
	})
	return result, nil
}

func (s *fakeConvStore) HideWithMessages(ctx context.Context, id, userId string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	conv, ok := s.st.convs[id]
	if !ok {
		return nil
	}
	conv.DeletedFor = addMask(conv.DeletedFor, userId)
	for _, msg := range s.st.msgs {
		if msg.ConversationId == id {
			msg.DeletedFor = addMask(msg.DeletedFor, userId)
		}
	}
	return nil
}

func (s *fakeConvStore) RestoreForUser(ctx context.Context, id, userId string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	conv, ok := s.st.convs[id]
	if !ok {
		return nil
	}
	kept := make([]string, 0, len(conv.DeletedFor))
	for _, uid := range conv.DeletedFor {
		if uid != userId {
			kept = append(kept, uid)
		}
	}
	conv.DeletedFor = datatypes.NewJSONSlice(kept)
	return nil
}

func (s *fakeConvStore) MergeDuplicates(ctx context.Context, pairKey string) (*entity.Conversation, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	keep := s.earliestByPairKey(pairKey)
	if keep == nil {
		return nil, nil
	}
	for id, conv := range s.st.convs {
		if conv.PairKey != pairKey || conv.Id == keep.Id {
			continue
		}
		for _, msg := range s.st.msgs {
			if msg.ConversationId == conv.Id {
				msg.ConversationId = keep.Id
			}
		}
		// A user's mask survives a merge only if every duplicate carried it.
		intersected := make([]string, 0, len(keep.DeletedFor))
		for _, uid := range keep.DeletedFor {
			if hasId(conv.DeletedFor, uid) {
				intersected = append(intersected, uid)
			}
		}
		keep.DeletedFor = datatypes.NewJSONSlice(intersected)
		if conv.LastMessageAt > keep.LastMessageAt {
			keep.LastMessageAt = conv.LastMessageAt
		}
		delete(s.st.convs, id)
	}
	return keep, nil
}

type fakeMsgStore struct {
	st       *fakeState
	countErr error
}

func (s *fakeMsgStore) Append(ctx context.Context, msg *entity.Message) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	s.st.msgs = append(s.st.msgs, msg)
	if conv, ok := s.st.convs[msg.ConversationId]; ok && msg.CreatedAt > conv.LastMessageAt {
		conv.LastMessageAt = msg.CreatedAt
	}
	return nil
}

func (s *fakeMsgStore) GetById(ctx context.Context, id string) (*entity.Message, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for _, msg := range s.st.msgs {
		if msg.Id == id {
			return msg, nil
		}
	}
	return nil, nil
}

func (s *fakeMsgStore) GetByClientMsgId(ctx context.Context, senderId, clientMsgId string) (*entity.Message, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for _, msg := range s.st.msgs {
		if msg.SenderId == senderId && msg.ClientMsgId == clientMsgId {
			return msg, nil
		}
	}
	return nil, nil
}

func (s *fakeMsgStore) ListForConversation(ctx context.Context, conversationId, viewerId string, beforeCreatedAt int64, limit int) ([]*entity.Message, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var result []*entity.Message
	for _, msg := range s.st.msgs {
		if msg.ConversationId != conversationId || msg.HiddenFor(viewerId) {
			continue
		}
		if beforeCreatedAt > 0 && msg.CreatedAt >= beforeCreatedAt {
			continue
		}
		result = append(result, msg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt < result[j].CreatedAt
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *fakeMsgStore) LastVisible(ctx context.Context, conversationId, viewerId string) (*entity.Message, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var last *entity.Message
	for _, msg := range s.st.msgs {
		if msg.ConversationId != conversationId || msg.HiddenFor(viewerId) {
			continue
		}
		if last == nil || msg.CreatedAt > last.CreatedAt {
			last = msg
		}
	}
	return last, nil
}

func (s *fakeMsgStore) MarkRead(ctx context.Context, conversationId, viewerId string, now int64) (int64, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var count int64
	for _, msg := range s.st.msgs {
		if msg.ConversationId != conversationId {
			continue
		}
		if msg.SenderId == viewerId || msg.IsRead() || msg.HiddenFor(viewerId) {
			continue
		}
		ts := now
		msg.ReadAt = &ts
		count++
	}
	return count, nil
}

func (s *fakeMsgStore) HideForUser(ctx context.Context, messageId, userId string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for _, msg := range s.st.msgs {
		if msg.Id == messageId {
			msg.DeletedFor = addMask(msg.DeletedFor, userId)
		}
	}
	return nil
}

func (s *fakeMsgStore) CountUnread(ctx context.Context, userId string, excludePairKeys []string) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var count int64
	for _, msg := range s.st.msgs {
		conv, ok := s.st.convs[msg.ConversationId]
		if !ok || !conv.HasParticipant(userId) || conv.HiddenFor(userId) {
			continue
		}
		if hasId(excludePairKeys, conv.PairKey) {
			continue
		}
		if msg.UnreadBy(userId) {
			count++
		}
	}
	return count, nil
}

func (s *fakeMsgStore) CountUnreadByConversation(ctx context.Context, userId string, conversationIds []string) (map[string]int64, error) {
	if s.countErr != nil {
		return nil, s.countErr
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	counts := make(map[string]int64)
	for _, msg := range s.st.msgs {
		if !hasId(conversationIds, msg.ConversationId) {
			continue
		}
		if msg.UnreadBy(userId) {
			counts[msg.ConversationId]++
		}
	}
	return counts, nil
}

func (s *fakeMsgStore) HardDelete(ctx context.Context, messageId string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	kept := s.st.msgs[:0]
	for _, msg := range s.st.msgs {
		if msg.Id != messageId {
			kept = append(kept, msg)
		}
	}
	s.st.msgs = kept
	return nil
}

type fakeBlockStore struct {
	mu      sync.Mutex
	blocked map[string][]string
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{blocked: make(map[string][]string)}
}

func (s *fakeBlockStore) block(userId, otherId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[userId] = append(s.blocked[userId], otherId)
}

func (s *fakeBlockStore) IsBlocked(ctx context.Context, userId, otherId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hasId(s.blocked[userId], otherId), nil
}

func (s *fakeBlockStore) GetBlockedIds(ctx context.Context, userId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[userId], nil
}

func (s *fakeBlockStore) Block(ctx context.Context, userId, blockedUserId string) error {
	s.block(userId, blockedUserId)
	return nil
}

func (s *fakeBlockStore) Unblock(ctx context.Context, userId, blockedUserId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]string, 0, len(s.blocked[userId]))
	for _, id := range s.blocked[userId] {
		if id != blockedUserId {
			kept = append(kept, id)
		}
	}
	s.blocked[userId] = kept
	return nil
}

// fakeUserDirectory answers existence checks from a fixed id set
type fakeUserDirectory struct {
	ids map[string]bool
}

func newFakeUserDirectory(ids ...string) *fakeUserDirectory {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return &fakeUserDirectory{ids: known}
}

func (d *fakeUserDirectory) Exists(ctx context.Context, id string) (bool, error) {
	return d.ids[id], nil
}

// captureNotifier records published events for assertions
type captureNotifier struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (n *captureNotifier) Publish(ctx context.Context, ev realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) all() []realtime.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]realtime.Event(nil), n.events...)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// newTestServices wires the fakes into a service stack for tests
func newTestServices() (*ConversationService, *MessageService, *fakeState, *fakeBlockStore, *captureNotifier) {
	st := newFakeState()
	cs := &fakeConvStore{st: st}
	ms := &fakeMsgStore{st: st}
	bs := newFakeBlockStore()
	notifier := &captureNotifier{}

	convSvc := &ConversationService{convStore: cs, msgStore: ms, blockStore: bs, notifier: notifier}
	msgSvc := &MessageService{msgStore: ms, convService: convSvc, notifier: notifier}
	return convSvc, msgSvc, st, bs, notifier
}
