package service

import (
	"context"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/mbeoliero/parley/internal/entity"
	"github.com/mbeoliero/parley/internal/realtime"
	"github.com/mbeoliero/parley/internal/repository"
)

const (
	defaultBadgePollInterval = 30 * time.Second
	defaultBadgeQueryTimeout = 2 * time.Second
)

type badgeEntry struct {
	count     int64
	fetchedAt time.Time
	stale     bool
}

// UnreadService serves the app-level unread badge. Counts are cached per user
// and refreshed at most once per poll interval; any event touching a user's
// conversations marks the entry stale so the next read recomputes.
type UnreadService struct {
	msgStore   MessageStore
	blockStore BlockStore

	pollInterval time.Duration
	queryTimeout time.Duration

	mu    sync.Mutex
	cache map[string]*badgeEntry
}

// NewUnreadService creates a new UnreadService. Zero durations fall back to
// the defaults.
func NewUnreadService(repos *repository.Repositories, pollInterval, queryTimeout time.Duration) *UnreadService {
	if pollInterval <= 0 {
		pollInterval = defaultBadgePollInterval
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultBadgeQueryTimeout
	}
	return &UnreadService{
		msgStore:     repos.Message,
		blockStore:   repos.Block,
		pollInterval: pollInterval,
		queryTimeout: queryTimeout,
		cache:        make(map[string]*badgeEntry),
	}
}

// Start wires the service into the event hub; cancelling ctx detaches it
func (s *UnreadService) Start(ctx context.Context, hub *realtime.Hub) {
	cancel := hub.SubscribeGlobal(func(ev realtime.Event) {
		s.Invalidate(ev.UserIds...)
	})
	go func() {
		<-ctx.Done()
		cancel()
	}()
}

// Invalidate marks the given users' badge entries stale
func (s *UnreadService) Invalidate(userIds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, userId := range userIds {
		if entry, ok := s.cache[userId]; ok {
			entry.stale = true
		}
	}
}

// TotalUnread returns the user's unread badge count. The badge is advisory:
// a store failure degrades to the last known value instead of erroring.
func (s *UnreadService) TotalUnread(ctx context.Context, userId string) int64 {
	s.mu.Lock()
	entry, ok := s.cache[userId]
	if ok && !entry.stale && time.Since(entry.fetchedAt) < s.pollInterval {
		count := entry.count
		s.mu.Unlock()
		return count
	}
	s.mu.Unlock()

	count, err := s.recount(ctx, userId)
	if err != nil {
		log.CtxWarn(ctx, "unread recount failed, serving cached badge: user_id=%s, error=%v", userId, err)
		if ok {
			return entry.count
		}
		return 0
	}

	s.mu.Lock()
	s.cache[userId] = &badgeEntry{count: count, fetchedAt: time.Now()}
	s.mu.Unlock()
	return count
}

func (s *UnreadService) recount(ctx context.Context, userId string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var excludePairKeys []string
	blockedIds, err := s.blockStore.GetBlockedIds(ctx, userId)
	if err != nil {
		// Count without the block filter rather than fail the badge outright.
		log.CtxWarn(ctx, "load blocked ids failed: user_id=%s, error=%v", userId, err)
	} else if len(blockedIds) > 0 {
		excludePairKeys = entity.PairKeysWith(userId, blockedIds)
	}

	return s.msgStore.CountUnread(ctx, userId, excludePairKeys)
}
