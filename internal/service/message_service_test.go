package service

import (
	"context"
	"testing"

	"github.com/mbeoliero/parley/pkg/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFirstContact(t *testing.T) {
	convSvc, msgSvc, st, _, notifier := newTestServices()
	ctx := context.Background()

	msg, err := msgSvc.Send(ctx, "alice", &SendMessageRequest{
		ClientMsgId: "cli-1",
		RecvId:      "bob",
		Content:     "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Nil(t, msg.ReadAt)
	assert.Equal(t, "alice", msg.SenderId)

	// The conversation materialized and its activity timestamp advanced.
	conv, err := convSvc.GetConversation(ctx, "bob", msg.ConversationId)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.PeerUserId)
	assert.Equal(t, msg.CreatedAt, conv.LastMessageAt)
	assert.Equal(t, int64(1), conv.UnreadCount)

	require.Len(t, st.msgs, 1)

	// Both participants get the invalidation cue.
	events := notifier.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, msg.ConversationId, last.ConversationId)
	assert.ElementsMatch(t, []string{"alice", "bob"}, last.UserIds)
}

func TestSendValidation(t *testing.T) {
	_, msgSvc, _, _, _ := newTestServices()
	ctx := context.Background()

	_, err := msgSvc.Send(ctx, "alice", &SendMessageRequest{ClientMsgId: "c1", RecvId: "bob", Content: "   "})
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)

	_, err = msgSvc.Send(ctx, "alice", &SendMessageRequest{RecvId: "bob", Content: "hello"})
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)

	_, err = msgSvc.Send(ctx, "alice", &SendMessageRequest{ClientMsgId: "c1", Content: "hello"})
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)

	_, err = msgSvc.Send(ctx, "alice", &SendMessageRequest{ClientMsgId: "c1", RecvId: "alice", Content: "hello"})
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)
}

func TestSendClientMsgIdIdempotent(t *testing.T) {
	_, msgSvc, st, _, _ := newTestServices()
	ctx := context.Background()

	req := &SendMessageRequest{ClientMsgId: "cli-1", RecvId: "bob", Content: "hello"}
	first, err := msgSvc.Send(ctx, "alice", req)
	require.NoError(t, err)

	second, err := msgSvc.Send(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Len(t, st.msgs, 1)

	// The same client id from a different sender is a different message.
	other, err := msgSvc.Send(ctx, "bob", &SendMessageRequest{ClientMsgId: "cli-1", RecvId: "alice", Content: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Id, other.Id)
	assert.Len(t, st.msgs, 2)
}

func TestSendIntoHiddenThreadRestores(t *testing.T) {
	convSvc, msgSvc, _, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))

	msg, err := msgSvc.Send(ctx, "alice", &SendMessageRequest{
		ClientMsgId:    "cli-1",
		ConversationId: conv.Id,
		Content:        "picking this back up",
	})
	require.NoError(t, err)
	assert.Equal(t, conv.Id, msg.ConversationId)

	// The thread is back in alice's view.
	list, err := convSvc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.Id, list[0].Id)
}

func TestSendIntoForeignConversation(t *testing.T) {
	convSvc, msgSvc, _, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = msgSvc.Send(ctx, "mallory", &SendMessageRequest{
		ClientMsgId:    "cli-1",
		ConversationId: conv.Id,
		Content:        "let me in",
	})
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestListAppliesViewerMask(t *testing.T) {
	convSvc, msgSvc, st, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "alice", "one", 100)
	seedMessage(st, "m2", conv.Id, "bob", "two", 200)
	seedMessage(st, "m3", conv.Id, "alice", "three", 300)

	require.NoError(t, msgSvc.Hide(ctx, "bob", "m2"))
	require.NoError(t, msgSvc.Hide(ctx, "bob", "m2"))

	bobView, err := msgSvc.List(ctx, "bob", conv.Id, 0, 50)
	require.NoError(t, err)
	require.Len(t, bobView, 2)
	assert.Equal(t, "m1", bobView[0].Id)
	assert.Equal(t, "m3", bobView[1].Id)

	// Alice still sees all three.
	aliceView, err := msgSvc.List(ctx, "alice", conv.Id, 0, 50)
	require.NoError(t, err)
	assert.Len(t, aliceView, 3)
}

func TestListPagesBackwards(t *testing.T) {
	convSvc, msgSvc, st, _, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "alice", "one", 100)
	seedMessage(st, "m2", conv.Id, "bob", "two", 200)
	seedMessage(st, "m3", conv.Id, "alice", "three", 300)

	page, err := msgSvc.List(ctx, "alice", conv.Id, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].Id)
	assert.Equal(t, "m3", page[1].Id)

	older, err := msgSvc.List(ctx, "alice", conv.Id, page[0].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "m1", older[0].Id)
}

func TestDeleteIsSenderOnly(t *testing.T) {
	convSvc, msgSvc, st, _, notifier := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "alice", "regret this", 100)

	err = msgSvc.Delete(ctx, "bob", "m1")
	assert.ErrorIs(t, err, errcode.ErrNotSender)
	assert.Len(t, st.msgs, 1)

	before := notifier.count()
	require.NoError(t, msgSvc.Delete(ctx, "alice", "m1"))
	assert.Empty(t, st.msgs)

	events := notifier.all()[before:]
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, events[0].UserIds)
}

func TestDeleteMissingMessage(t *testing.T) {
	_, msgSvc, _, _, _ := newTestServices()
	ctx := context.Background()

	err := msgSvc.Delete(ctx, "alice", "no-such-message")
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestSendDelimiterIdsStayIsolated(t *testing.T) {
	convSvc, msgSvc, _, _, _ := newTestServices()
	ctx := context.Background()

	// Two pairs whose ids interleave around the key separator.
	seeded, err := convSvc.FindOrCreate(ctx, "alice:x", "y")
	require.NoError(t, err)

	msg, err := msgSvc.Send(ctx, "alice", &SendMessageRequest{
		ClientMsgId: "cli-1",
		RecvId:      "x:y",
		Content:     "hello",
	})
	require.NoError(t, err)
	require.NotEqual(t, seeded.Id, msg.ConversationId,
		"send must never land in another pair's conversation")

	conv, err := convSvc.GetConversation(ctx, "alice", msg.ConversationId)
	require.NoError(t, err)
	assert.Equal(t, "x:y", conv.PeerUserId)
}
