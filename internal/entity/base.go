package entity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mbeoliero/parley/pkg/constant"
)

// NowUnixMilli returns current unix timestamp in milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// GenPairKey derives the canonical key of a two-party conversation.
// Format: dm_{len(min)}:{min(userA,userB)}:{max(userA,userB)}
// The key is order-independent, so both participants resolve to the same
// conversation row and a unique index on it closes the concurrent
// find-or-create race. The leading length makes the split unambiguous even
// when ids themselves contain ":", so distinct pairs never share a key.
func GenPairKey(userA, userB string) string {
	users := []string{userA, userB}
	sort.Strings(users)
	return fmt.Sprintf("%s%d:%s:%s", constant.PairConversationPrefix, len(users[0]), users[0], users[1])
}

// ParsePairKey splits a canonical pair key back into its two participants
func ParsePairKey(pairKey string) (string, string, bool) {
	if !IsPairKey(pairKey) {
		return "", "", false
	}
	rest := pairKey[len(constant.PairConversationPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(rest[:idx])
	if err != nil || n <= 0 {
		return "", "", false
	}
	rest = rest[idx+1:]
	if len(rest) < n+2 || rest[n] != ':' {
		return "", "", false
	}
	return rest[:n], rest[n+1:], true
}

// IsPairKey checks if a key names a two-party conversation
func IsPairKey(key string) bool {
	return len(key) > len(constant.PairConversationPrefix) &&
		strings.HasPrefix(key, constant.PairConversationPrefix)
}

// PairKeysWith returns the pair keys between userId and each of others.
// Used to exclude conversations with blocked peers in a single query.
func PairKeysWith(userId string, others []string) []string {
	keys := make([]string, 0, len(others))
	for _, other := range others {
		keys = append(keys, GenPairKey(userId, other))
	}
	return keys
}

// containsId reports set membership in a deleted_for / participant slice.
// Participant sets are tiny (two entries today) so a linear scan is the
// constant-time test in practice.
func containsId(ids []string, userId string) bool {
	for _, id := range ids {
		if id == userId {
			return true
		}
	}
	return false
}
