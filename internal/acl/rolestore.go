package acl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrUnknownUser means no role is assigned to the user id.
var ErrUnknownUser = errors.New("no role assigned to user")

// RoleStore resolves a user's role. Resolution must be read-consistent
// per check: concurrent checks for different users never observe each
// other's state.
type RoleStore interface {
	Resolve(ctx context.Context, userID string) (Role, error)
}

// StaticRoleStore resolves roles from an immutable assignment map, built
// from configuration at startup.
type StaticRoleStore struct {
	roles map[string]Role   // role name -> definition
	users map[string]string // user id -> role name
}

// NewStaticRoleStore builds a store from role definitions and user
// assignments.
func NewStaticRoleStore(roles map[string]Role, users map[string]string) *StaticRoleStore {
	return &StaticRoleStore{roles: roles, users: users}
}

func (s *StaticRoleStore) Resolve(_ context.Context, userID string) (Role, error) {
	roleName, ok := s.users[userID]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	role, ok := s.roles[roleName]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %q undefined", ErrUnknownUser, roleName)
	}
	role.Name = roleName
	return role, nil
}

// CachedRoleStore interposes a Redis cache with a tightly bounded TTL in
// front of a slower role source. The TTL is the maximum latency between a
// suspension committing and that user being denied; keep it short.
type CachedRoleStore struct {
	inner RoleStore
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedRoleStore wraps inner with a Redis-backed cache. A ttl above
// one minute is clamped: stale roles must not outlive a suspension by
// more than that.
func NewCachedRoleStore(inner RoleStore, rdb *redis.Client, ttl time.Duration) *CachedRoleStore {
	if ttl <= 0 || ttl > time.Minute {
		ttl = 30 * time.Second
	}
	return &CachedRoleStore{inner: inner, rdb: rdb, ttl: ttl}
}

func roleKey(userID string) string { return "signal-sandbox:role:" + userID }

func (c *CachedRoleStore) Resolve(ctx context.Context, userID string) (Role, error) {
	raw, err := c.rdb.Get(ctx, roleKey(userID)).Result()
	if err == nil {
		var role Role
		if jsonErr := json.Unmarshal([]byte(raw), &role); jsonErr == nil {
			return role, nil
		}
		// Corrupt cache entry: drop it and fall through to the source.
		c.rdb.Del(ctx, roleKey(userID))
	} else if !errors.Is(err, redis.Nil) {
		// Cache unavailable is not a denial by itself; resolve from the
		// source of truth instead.
		log.Warn().Err(err).Str("user_id", userID).Msg("role cache unavailable")
	}

	role, err := c.inner.Resolve(ctx, userID)
	if err != nil {
		return Role{}, err
	}

	if data, jsonErr := json.Marshal(role); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, roleKey(userID), data, c.ttl).Err(); setErr != nil {
			log.Warn().Err(setErr).Str("user_id", userID).Msg("failed to cache role")
		}
	}
	return role, nil
}

// Invalidate removes a user's cached role, so a revocation takes effect
// immediately rather than at TTL expiry.
func (c *CachedRoleStore) Invalidate(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, roleKey(userID)).Err()
}
