package service

import (
	"context"
	"sync"
	"testing"

	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func seedMessage(st *fakeState, id, convId, senderId, content string, createdAt int64) *entity.Message {
	msg := &entity.Message{
		Id:             id,
		ConversationId: convId,
		ClientMsgId:    id,
		SenderId:       senderId,
		Content:        content,
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      createdAt,
	}
	st.mu.Lock()
	st.msgs = append(st.msgs, msg)
	if conv, ok := st.convs[convId]; ok && createdAt > conv.LastMessageAt {
		conv.LastMessageAt = createdAt
	}
	st.mu.Unlock()
	return msg
}

func TestFindOrCreateConverges(t *testing.T) {
	convSvc, _, _, _, _ := newTestServices()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
			require.NoError(t, err)
			ids <- conv.Id
		}()
		go func() {
			defer wg.Done()
			conv, err := convSvc.FindOrCreate(ctx, "bob", "alice")
			require.NoError(t, err)
			ids <- conv.Id
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	require.NotEmpty(t, first)
}

func TestFindOrCreateRejectsSelfAndEmpty(t *testing.T) {
	convSvc, _, _, _, _ := newTestServices()
	ctx := context.Background()

	_, err := convSvc.FindOrCreate(ctx, "alice", "alice")
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)

	_, err = convSvc.FindOrCreate(ctx, "alice", "")
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)
}

func TestHideIsAsymmetricAndIdempotent(t *testing.T) {
	convSvc, _, st, _, notifier := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "alice", "hello", 100)
	seedMessage(st, "m2", conv.Id, "bob", "hi", 200)

	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))
	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))
	assert.Equal(t, []string{"alice"}, []string(st.convs[conv.Id].DeletedFor))

	// Alice's listing is empty, Bob's is untouched.
	aliceList, err := convSvc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, aliceList)

	bobList, err := convSvc.ListForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	require.NotNil(t, bobList[0].LastMessage)
	assert.Equal(t, "hi", bobList[0].LastMessage.Content)

	// The cascade masked every message for Alice only.
	for _, msg := range st.msgs {
		assert.True(t, msg.HiddenFor("alice"))
		assert.False(t, msg.HiddenFor("bob"))
	}

	// Only the hiding user gets an invalidation cue.
	for _, ev := range notifier.all() {
		assert.Equal(t, []string{"alice"}, ev.UserIds)
	}
}

func TestHiddenConversationBehavesAsMissing(t *testing.T) {
	convSvc, _, _, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))

	_, err = convSvc.GetConversation(ctx, "alice", conv.Id)
	assert.ErrorIs(t, err, errcode.ErrNotFound)

	_, err = convSvc.MarkRead(ctx, "alice", conv.Id)
	assert.ErrorIs(t, err, errcode.ErrNotFound)

	// An outsider gets the same answer as a hidden participant.
	_, err = convSvc.GetConversation(ctx, "mallory", conv.Id)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestFindOrCreateRestoresHiddenThread(t *testing.T) {
	convSvc, _, st, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "bob", "old history", 100)
	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))

	restored, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.Id, restored.Id)
	assert.False(t, restored.HiddenFor("alice"))

	// Restoring the thread does not resurrect individually masked history.
	assert.True(t, st.msgs[0].HiddenFor("alice"))
}

func TestMarkReadIdempotentAndScoped(t *testing.T) {
	convSvc, _, st, _, notifier := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "alice", "one", 100)
	seedMessage(st, "m2", conv.Id, "alice", "two", 200)
	seedMessage(st, "m3", conv.Id, "bob", "reply", 300)

	before := notifier.count()
	count, err := convSvc.MarkRead(ctx, "bob", conv.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Bob's own message is untouched; read receipts only cover the peer's.
	for _, msg := range st.msgs {
		if msg.SenderId == "alice" {
			assert.True(t, msg.IsRead())
		} else {
			assert.False(t, msg.IsRead())
		}
	}

	// All participants get cued, once.
	events := notifier.all()[before:]
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[0].UserIds)

	// Second call is a no-op and publishes nothing.
	count, err = convSvc.MarkRead(ctx, "bob", conv.Id)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, notifier.all()[before:], 1)
}

func TestListForUserFiltersBlockedPeers(t *testing.T) {
	convSvc, _, st, blocks, _ := newTestServices()
	ctx := context.Background()

	convBob, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	convCarol, err := convSvc.FindOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	seedMessage(st, "m1", convBob.Id, "bob", "from bob", 100)
	seedMessage(st, "m2", convCarol.Id, "carol", "from carol", 200)

	blocks.block("alice", "bob")

	list, err := convSvc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "carol", list[0].PeerUserId)
	assert.Equal(t, int64(1), list[0].UnreadCount)

	// The block hides, it does not delete: bob still sees the thread, and
	// unblocking brings it straight back.
	bobList, err := convSvc.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobList, 1)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	convSvc, _, st, _, _ := newTestServices()
	ctx := context.Background()

	convBob, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	convCarol, err := convSvc.FindOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	seedMessage(st, "m1", convBob.Id, "bob", "old", 100)
	seedMessage(st, "m2", convCarol.Id, "carol", "new", 500)

	list, err := convSvc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, convCarol.Id, list[0].Id)
	assert.Equal(t, convBob.Id, list[1].Id)
}

func TestListForUserMergesDuplicates(t *testing.T) {
	convSvc, _, st, _, _ := newTestServices()
	ctx := context.Background()

	// Seed two rows for the same pair, the kind a pre-index deploy left behind.
	pairKey := entity.GenPairKey("alice", "bob")
	st.convs["c1"] = &entity.Conversation{
		Id:             "c1",
		PairKey:        pairKey,
		ParticipantIds: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      100,
	}
	st.convs["c2"] = &entity.Conversation{
		Id:             "c2",
		PairKey:        pairKey,
		ParticipantIds: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      200,
	}
	seedMessage(st, "m1", "c1", "alice", "first", 150)
	seedMessage(st, "m2", "c2", "bob", "second", 250)

	list, err := convSvc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].Id)
	assert.Equal(t, int64(250), list[0].LastMessageAt)

	// Both messages now live on the surviving conversation.
	for _, msg := range st.msgs {
		assert.Equal(t, "c1", msg.ConversationId)
	}
	_, ok := st.convs["c2"]
	assert.False(t, ok)
}

func TestFindOrCreateGuardsForeignRow(t *testing.T) {
	convSvc, _, st, _, _ := newTestServices()
	ctx := context.Background()

	// A corrupt row stored under alice/bob's key but listing other people.
	st.convs["c1"] = &entity.Conversation{
		Id:             "c1",
		PairKey:        entity.GenPairKey("alice", "bob"),
		ParticipantIds: datatypes.NewJSONSlice([]string{"mallory", "trent"}),
		DeletedFor:     datatypes.NewJSONSlice([]string{}),
		CreatedAt:      100,
	}

	_, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	assert.ErrorIs(t, err, errcode.ErrInternalServer)
}

func TestFindOrCreateRejectsBlockedPeer(t *testing.T) {
	convSvc, _, _, bs, _ := newTestServices()
	ctx := context.Background()

	bs.block("alice", "bob")

	_, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	assert.ErrorIs(t, err, errcode.ErrForbidden)

	// Blocking only filters the blocker's own view; bob can still initiate.
	_, err = convSvc.FindOrCreate(ctx, "bob", "alice")
	assert.NoError(t, err)
}
