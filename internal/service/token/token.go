package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	redisSvc "e2e_relay/internal/service/redis"
	apperr "e2e_relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type (
	// Service maps bearer tokens to the (account, device) pair bound to a
	// connection. Tokens live in Redis with a TTL; expiry is eviction.
	Service struct {
		redis         *redisSvc.RedisService
		ttl           time.Duration
		verifyTimeout time.Duration
	}
)

func NewService(redis *redisSvc.RedisService, ttl, verifyTimeout time.Duration) *Service {
	return &Service{
		redis:         redis,
		ttl:           ttl,
		verifyTimeout: verifyTimeout,
	}
}

func key(token string) string {
	return fmt.Sprintf("token:%s", token)
}

func (s *Service) Issue(ctx context.Context, accountID, deviceID string) (string, error) {
	tok := uuid.NewString()
	val := fmt.Sprintf("%s:%s", accountID, deviceID)
	if err := s.redis.Set(ctx, key(tok), val, s.ttl); err != nil {
		return "", apperr.StoreUnavailable("issuing token", err)
	}
	return tok, nil
}

// Verify resolves a bearer token within a bounded deadline. A slow or
// unreachable Redis fails the handshake instead of hanging the
// connection's read loop.
func (s *Service) Verify(ctx context.Context, tok string) (accountID, deviceID string, err error) {
	if tok == "" {
		return "", "", apperr.Unauthorized("missing token")
	}

	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	val, err := s.redis.Get(ctx, key(tok))
	if err == redis.Nil {
		return "", "", apperr.Unauthorized("unknown or expired token")
	}
	if err != nil {
		return "", "", apperr.StoreUnavailable("verifying token", err)
	}

	accountID, deviceID, ok := strings.Cut(val, ":")
	if !ok || accountID == "" || deviceID == "" {
		return "", "", apperr.Unauthorized("malformed token binding")
	}
	return accountID, deviceID, nil
}

func (s *Service) Revoke(ctx context.Context, tok string) error {
	return s.redis.Del(ctx, key(tok))
}
