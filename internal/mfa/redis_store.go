package mfa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// mirrorGrace keeps resolved challenges readable for a while after expiry.
const mirrorGrace = 15 * time.Minute

// Record is the mirrored form of a challenge. The code itself is never
// stored, only its SHA-256.
type Record struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	ActionID    string     `json:"actionId,omitempty"`
	CodeHash    string     `json:"codeHash"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// RedisStore mirrors challenge state into Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed challenge mirror.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "trustgate:mfa:", now: time.Now}
}

// WithClock overrides the time source used to compute key TTLs.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) challengeKey(id string) string { return s.prefix + "challenge:" + id }
func (s *RedisStore) userKey(userID string) string  { return s.prefix + "user:" + userID }

// Save writes the challenge record and, while it is pending, the user's
// active pointer.
func (s *RedisStore) Save(ctx context.Context, c *Challenge) error {
	sum := sha256.Sum256([]byte(c.Code))
	rec := Record{
		ID:          c.ID,
		UserID:      c.UserID,
		ActionID:    c.ActionID,
		CodeHash:    hex.EncodeToString(sum[:]),
		State:       c.State,
		Attempts:    c.Attempts,
		MaxAttempts: c.MaxAttempts,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
		ResolvedAt:  c.ResolvedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := c.ExpiresAt.Sub(s.now()) + mirrorGrace
	if ttl <= 0 {
		ttl = mirrorGrace
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.challengeKey(c.ID), data, ttl)
	if c.State == StatePending {
		pipe.Set(ctx, s.userKey(c.UserID), c.ID, ttl)
	} else {
		pipe.Del(ctx, s.userKey(c.UserID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror challenge %s: %w", c.ID, err)
	}
	return nil
}

// Get reads a mirrored record.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ActiveID returns the id of the user's pending challenge, or "".
func (s *RedisStore) ActiveID(ctx context.Context, userID string) (string, error) {
	id, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// Ping checks connectivity; used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
