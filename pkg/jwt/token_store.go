package jwt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token status constants
const (
	TokenStatusNormal  = 1 // Token is valid
	TokenStatusKicked  = 2 // Token was kicked by new login
	TokenStatusExpired = 3 // Token expired
	TokenStatusLogout  = 4 // Token was logged out
)

// TokenStore manages token storage in Redis
type TokenStore struct {
	rdb          *redis.Client
	accessExpire time.Duration
	keyPrefix    string
}

// NewTokenStore creates a new TokenStore
func NewTokenStore(rdb *redis.Client, expireHours int) *TokenStore {
	return &TokenStore{
		rdb:          rdb,
		accessExpire: time.Duration(expireHours) * time.Hour,
		keyPrefix:    "parley:token:",
	}
}

// tokenKey generates Redis key for user's tokens on a platform
// Format: parley:token:{userId}:{platformId}
func (s *TokenStore) tokenKey(userId string, platformId int) string {
	return fmt.Sprintf("%s%s:%d", s.keyPrefix, userId, platformId)
}

// StoreToken stores a token in Redis with status
func (s *TokenStore) StoreToken(ctx context.Context, userId string, platformId int, token string) error {
	key := s.tokenKey(userId, platformId)

	// Hash field is the token itself, value is its status, so multiple
	// tokens per user/platform can coexist with independent states.
	if err := s.rdb.HSet(ctx, key, token, TokenStatusNormal).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if err := s.rdb.Expire(ctx, key, s.accessExpire).Err(); err != nil {
		return fmt.Errorf("failed to set token expiration: %w", err)
	}

	return nil
}

// IsTokenValid checks if a token exists and carries normal status
func (s *TokenStore) IsTokenValid(ctx context.Context, userId string, platformId int, token string) (bool, error) {
	key := s.tokenKey(userId, platformId)

	val, err := s.rdb.HGet(ctx, key, token).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}

	status, err := strconv.Atoi(val)
	if err != nil {
		return false, fmt.Errorf("invalid token status: %w", err)
	}

	return status == TokenStatusNormal, nil
}

// KickOtherTokens marks all other tokens on the same platform as kicked.
// Returns the kicked tokens.
func (s *TokenStore) KickOtherTokens(ctx context.Context, userId string, platformId int, keepToken string) ([]string, error) {
	key := s.tokenKey(userId, platformId)

	tokens, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var kicked []string
	for token, val := range tokens {
		if token == keepToken {
			continue
		}
		status, err := strconv.Atoi(val)
		if err != nil || status != TokenStatusNormal {
			continue
		}
		if err := s.rdb.HSet(ctx, key, token, TokenStatusKicked).Err(); err != nil {
			return kicked, err
		}
		kicked = append(kicked, token)
	}

	return kicked, nil
}

// InvalidateToken marks a single token as logged out
func (s *TokenStore) InvalidateToken(ctx context.Context, userId string, platformId int, token string) error {
	key := s.tokenKey(userId, platformId)
	return s.rdb.HSet(ctx, key, token, TokenStatusLogout).Err()
}

// ForceLogoutUser removes all tokens for a user across all platforms
func (s *TokenStore) ForceLogoutUser(ctx context.Context, userId string) error {
	pattern := fmt.Sprintf("%s%s:*", s.keyPrefix, userId)

	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
