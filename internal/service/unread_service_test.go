package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnreadService(ms *fakeMsgStore, bs *fakeBlockStore) *UnreadService {
	return &UnreadService{
		msgStore:     ms,
		blockStore:   bs,
		pollInterval: time.Hour,
		queryTimeout: time.Second,
		cache:        make(map[string]*badgeEntry),
	}
}

func TestTotalUnreadCountsAcrossConversations(t *testing.T) {
	convSvc, _, st, bs, _ := newTestServices()
	ctx := context.Background()

	convBob, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	convCarol, err := convSvc.FindOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	seedMessage(st, "m1", convBob.Id, "bob", "one", 100)
	seedMessage(st, "m2", convBob.Id, "bob", "two", 200)
	seedMessage(st, "m3", convCarol.Id, "carol", "three", 300)
	seedMessage(st, "m4", convBob.Id, "alice", "own message", 400)

	svc := newTestUnreadService(&fakeMsgStore{st: st}, bs)
	assert.Equal(t, int64(3), svc.TotalUnread(ctx, "alice"))
}

func TestTotalUnreadServesCacheUntilInvalidated(t *testing.T) {
	convSvc, _, st, bs, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "bob", "one", 100)

	svc := newTestUnreadService(&fakeMsgStore{st: st}, bs)
	assert.Equal(t, int64(1), svc.TotalUnread(ctx, "alice"))

	// New activity is invisible to the badge until something invalidates it.
	seedMessage(st, "m2", conv.Id, "bob", "two", 200)
	assert.Equal(t, int64(1), svc.TotalUnread(ctx, "alice"))

	svc.Invalidate("alice")
	assert.Equal(t, int64(2), svc.TotalUnread(ctx, "alice"))
}

func TestTotalUnreadDegradesToCachedValue(t *testing.T) {
	convSvc, _, st, bs, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "bob", "one", 100)

	ms := &fakeMsgStore{st: st}
	svc := newTestUnreadService(ms, bs)
	require.Equal(t, int64(1), svc.TotalUnread(ctx, "alice"))

	// A store outage serves the stale badge, never an error.
	ms.countErr = errors.New("connection refused")
	svc.Invalidate("alice")
	assert.Equal(t, int64(1), svc.TotalUnread(ctx, "alice"))

	// With no cached value at all the badge degrades to zero.
	assert.Equal(t, int64(0), svc.TotalUnread(ctx, "bob"))
}

func TestTotalUnreadExcludesBlockedPeers(t *testing.T) {
	convSvc, _, st, bs, _ := newTestServices()
	ctx := context.Background()

	convBob, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	convCarol, err := convSvc.FindOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	seedMessage(st, "m1", convBob.Id, "bob", "one", 100)
	seedMessage(st, "m2", convCarol.Id, "carol", "two", 200)

	bs.block("alice", "bob")

	svc := newTestUnreadService(&fakeMsgStore{st: st}, bs)
	assert.Equal(t, int64(1), svc.TotalUnread(ctx, "alice"))
}

func TestTotalUnreadExcludesHiddenConversations(t *testing.T) {
	convSvc, _, st, bs, _ := newTestServices()
	ctx := context.Background()

	conv, err := convSvc.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	seedMessage(st, "m1", conv.Id, "bob", "one", 100)
	require.NoError(t, convSvc.Hide(ctx, "alice", conv.Id))

	svc := newTestUnreadService(&fakeMsgStore{st: st}, bs)
	assert.Equal(t, int64(0), svc.TotalUnread(ctx, "alice"))
}
